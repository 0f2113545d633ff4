package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mprview/errs"
	appprotocol "github.com/coachpo/mprview/internal/app/protocol"
	"github.com/coachpo/mprview/internal/infra/config"
	"github.com/coachpo/mprview/internal/infra/references/dicomweb"
	"github.com/coachpo/mprview/internal/infra/references/memory"
)

const catalog = `
protocols:
  - id: us-single
    layout: {rows: 1, cols: 1}
    matchingRules: {modalities: [US]}
    viewports:
      - viewportId: us-1
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protocols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
	return path
}

func TestBuildRegistryAddsCatalogToBuiltins(t *testing.T) {
	registry, err := buildRegistry(config.ProtocolsConfig{Catalog: writeCatalog(t)})
	require.NoError(t, err)
	_, ok := registry.Get("ct-chest-3view")
	require.True(t, ok)
	_, ok = registry.Get("us-single")
	require.True(t, ok)
}

func TestBuildRegistryWithoutBuiltinsKeepsFallback(t *testing.T) {
	registry, err := buildRegistry(config.ProtocolsConfig{Catalog: writeCatalog(t), DisableBuiltins: true})
	require.NoError(t, err)
	require.Equal(t, 2, registry.Len())
	_, ok := registry.Get(appprotocol.FallbackID)
	require.True(t, ok)
	_, ok = registry.Get("ct-chest-3view")
	require.False(t, ok)

	_, err = buildRegistry(config.ProtocolsConfig{Catalog: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestBuildReferenceProvider(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	provider, err := buildReferenceProvider(config.ReferencesConfig{
		Source: config.SourceMemory,
		Stacks: map[string]int{"ct-1": 4},
	}, logger)
	require.NoError(t, err)
	refs, err := provider.FetchOrderedReferences(context.Background(), "ct-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	require.IsType(t, &memory.Provider{}, provider)

	provider, err = buildReferenceProvider(config.ReferencesConfig{
		Source:  config.SourceDICOMweb,
		BaseURL: "http://pacs.local/dicom-web",
	}, logger)
	require.NoError(t, err)
	require.IsType(t, &dicomweb.Client{}, provider)

	_, err = buildReferenceProvider(config.ReferencesConfig{Source: config.SourceDICOMweb}, logger)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestGracefulShutdownTearsDownViewer(t *testing.T) {
	var out bytes.Buffer
	logger := log.New(&out, "", 0)
	cfg := config.Default()
	registry, err := buildRegistry(cfg.Protocols)
	require.NoError(t, err)
	provider := memory.NewProvider()
	bus := newEventBus(cfg.Eventbus, logger)
	service, err := buildViewer(cfg, registry, provider, bus, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{viewer: service, eventBus: bus})
	require.Contains(t, out.String(), "shutdown: tearing down surfaces completed")
	require.Contains(t, out.String(), "shutdown: closing event bus completed")
	require.Equal(t, "config/viewerd.yaml", resolveConfigPath(""))
}
