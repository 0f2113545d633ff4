package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if loaded {
		t.Fatalf("missing file reported as loaded")
	}
	if cfg.Environment != EnvDev || cfg.APIServer.Addr != ":8880" || cfg.References.Source != SourceMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if _, _, err := LoadOrDefault(context.Background(), ""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "viewerd.yaml", `
environment: STAGING
apiServer:
  addr: " :9000 "
telemetry:
  serviceName: viewer
eventbus:
  bufferSize: 16
  fanoutWorkers: auto
references:
  source: DICOMweb
  baseUrl: https://pacs.local/dicom-web/
  requestsPerSecond: 5
  retryInterval: 100ms
  timeout: 5s
  headers:
    Authorization: Bearer token
loader:
  cacheTTL: 2m
protocols:
  catalog: protocols.yaml
workers:
  configure: 2
surface:
  missingElements: [" ct-sagittal ", ""]
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.APIServer.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.APIServer.Addr)
	}
	if cfg.Eventbus.FanoutWorkerCount() != runtime.NumCPU() {
		t.Fatalf("fanout workers = %d", cfg.Eventbus.FanoutWorkerCount())
	}
	if cfg.References.Source != SourceDICOMweb || cfg.References.BaseURL != "https://pacs.local/dicom-web" {
		t.Fatalf("references = %+v", cfg.References)
	}
	if cfg.References.RetryInterval != 100*time.Millisecond || cfg.References.Timeout != 5*time.Second {
		t.Fatalf("durations = %v %v", cfg.References.RetryInterval, cfg.References.Timeout)
	}
	if cfg.Loader.CacheTTL != 2*time.Minute || cfg.Loader.PageSize != 500 {
		t.Fatalf("loader = %+v", cfg.Loader)
	}
	if cfg.Protocols.Catalog != filepath.Join(dir, "protocols.yaml") {
		t.Fatalf("catalog = %q", cfg.Protocols.Catalog)
	}
	if cfg.Workers.Configure != 2 || cfg.Workers.Queue != 32 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if len(cfg.Surface.MissingElements) != 1 || cfg.Surface.MissingElements[0] != "ct-sagittal" {
		t.Fatalf("missing elements = %v", cfg.Surface.MissingElements)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"environment":    {body: "environment: qa\n", want: "environment must be one of"},
		"fanout":         {body: "eventbus:\n  fanoutWorkers: many\n", want: "fanoutWorkers: invalid value"},
		"fanoutNegative": {body: "eventbus:\n  fanoutWorkers: -1\n", want: "numeric value must be > 0"},
		"dicomweb":       {body: "references:\n  source: dicomweb\n", want: "baseUrl required"},
		"source":         {body: "references:\n  source: s3\n", want: "source must be one of"},
		"stacks":         {body: "references:\n  stacks:\n    ct-1: 0\n", want: "must have >0 slices"},
		"builtins":       {body: "protocols:\n  disableBuiltins: true\n", want: "catalog required"},
		"cacheTTL":       {body: "loader:\n  cacheTTL: -1s\n", want: "cacheTTL must be >=0"},
		"workers":        {body: "workers:\n  configure: -2\n", want: "workers configure must be >0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "viewerd.yaml", tc.body)
			_, err := Load(context.Background(), path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFanoutWorkerDefault(t *testing.T) {
	path := writeFile(t, t.TempDir(), "viewerd.yaml", "eventbus:\n  fanoutWorkers: default\n")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Eventbus.FanoutWorkerCount() != 4 {
		t.Fatalf("fanout workers = %d", cfg.Eventbus.FanoutWorkerCount())
	}
}

func TestShippedExampleConfigLoads(t *testing.T) {
	path := filepath.Join("..", "..", "..", "config", "viewerd.example.yaml")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.References.Stacks["ct-chest-1"] != 120 || cfg.Loader.CacheTTL != 5*time.Minute {
		t.Fatalf("unexpected example config %+v", cfg)
	}
	defs, err := LoadProtocolCatalog(cfg.Protocols.Catalog)
	if err != nil {
		t.Fatalf("LoadProtocolCatalog: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected two example protocols, got %d", len(defs))
	}
}
