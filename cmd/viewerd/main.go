// Command viewerd launches the MPR viewer daemon and its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	appprotocol "github.com/coachpo/mprview/internal/app/protocol"
	"github.com/coachpo/mprview/internal/app/syncgroup"
	"github.com/coachpo/mprview/internal/app/viewer"
	"github.com/coachpo/mprview/internal/app/viewport"
	"github.com/coachpo/mprview/internal/app/volume"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
	"github.com/coachpo/mprview/internal/infra/bus/eventbus"
	"github.com/coachpo/mprview/internal/infra/config"
	"github.com/coachpo/mprview/internal/infra/references/dicomweb"
	"github.com/coachpo/mprview/internal/infra/references/memory"
	"github.com/coachpo/mprview/internal/infra/render/headless"
	httpserver "github.com/coachpo/mprview/internal/infra/server/http"
	"github.com/coachpo/mprview/internal/infra/telemetry"
	"github.com/coachpo/mprview/lib/async"
)

const (
	defaultConfigPath            = "config/viewerd.yaml"
	viewerdLoggerPrefix          = "viewerd "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	viewerShutdownTimeout        = 10 * time.Second
	eventBusShutdownTimeout      = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newViewerdLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, references=%s, catalog=%q",
		appCfg.Environment, appCfg.References.Source, appCfg.Protocols.Catalog)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry, err := buildRegistry(appCfg.Protocols)
	if err != nil {
		logger.Fatalf("initialise protocol registry: %v", err)
	}
	logger.Printf("protocols registered: %d", registry.Len())

	references, err := buildReferenceProvider(appCfg.References, logger)
	if err != nil {
		logger.Fatalf("initialise reference provider: %v", err)
	}

	bus := newEventBus(appCfg.Eventbus, logger)

	service, err := buildViewer(appCfg, registry, references, bus, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatalf("initialise viewer: %v", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, service, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("viewer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		viewer:     service,
		eventBus:   bus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newViewerdLogger() *log.Logger {
	return log.New(os.Stdout, viewerdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildRegistry loads the built-in protocols and the configured catalog. With builtins
// disabled only the universal fallback is kept ahead of the catalog.
func buildRegistry(cfg config.ProtocolsConfig) (*appprotocol.Registry, error) {
	var catalog []protocol.Definition
	if cfg.Catalog != "" {
		defs, err := config.LoadProtocolCatalog(cfg.Catalog)
		if err != nil {
			return nil, fmt.Errorf("load protocol catalog: %w", err)
		}
		catalog = defs
	}

	registry := appprotocol.NewRegistry()
	if !cfg.DisableBuiltins {
		if err := registry.Init(catalog...); err != nil {
			return nil, err
		}
		return registry, nil
	}
	if err := registry.Register(appprotocol.Fallback()); err != nil {
		return nil, err
	}
	for _, def := range catalog {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildReferenceProvider(cfg config.ReferencesConfig, logger *log.Logger) (render.ReferenceProvider, error) {
	switch cfg.Source {
	case config.SourceDICOMweb:
		client, err := dicomweb.NewClient(dicomweb.Config{
			BaseURL:           cfg.BaseURL,
			QueryLimit:        cfg.QueryLimit,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			MaxRetries:        cfg.MaxRetries,
			RetryInterval:     cfg.RetryInterval,
			Timeout:           cfg.Timeout,
			Headers:           cfg.Headers,
		}, log.New(logger.Writer(), "dicomweb ", logger.Flags()))
		if err != nil {
			return nil, err
		}
		logger.Printf("dicomweb reference source: %s", cfg.BaseURL)
		return client, nil
	case config.SourceMemory:
		provider := memory.NewProvider()
		for seriesID, slices := range cfg.Stacks {
			provider.PutStack(seriesID, slices)
		}
		logger.Printf("in-memory reference source seeded: series=%d", len(cfg.Stacks))
		return provider, nil
	default:
		return nil, fmt.Errorf("unsupported reference source %q", cfg.Source)
	}
}

func newEventBus(cfg config.EventbusConfig, logger *log.Logger) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
	}, log.New(logger.Writer(), "eventbus ", logger.Flags()))
}

func buildViewer(cfg config.AppConfig, registry *appprotocol.Registry, references render.ReferenceProvider, bus *eventbus.MemoryBus, metrics prometheus.Registerer, logger *log.Logger) (*viewer.Service, error) {
	loader, err := volume.NewLoader(references, nil, volume.Config{
		PageSize: cfg.Loader.PageSize,
		MaxPages: cfg.Loader.MaxPages,
		CacheTTL: cfg.Loader.CacheTTL,
	}, log.New(logger.Writer(), "volume-loader ", logger.Flags()))
	if err != nil {
		return nil, fmt.Errorf("create volume loader: %w", err)
	}

	coordinator := syncgroup.NewCoordinator(log.New(logger.Writer(), "sync ", logger.Flags()),
		syncgroup.WithMetrics(syncgroup.NewMetrics(metrics)))

	elements := headless.NewElementResolver(cfg.Surface.Width, cfg.Surface.Height, cfg.Surface.MissingElements...)
	manager, err := viewport.NewManager(headless.NewFactory(), elements, loader, coordinator,
		log.New(logger.Writer(), "viewport ", logger.Flags()),
		viewport.WithProgressSink(bus),
		viewport.WithStateListener(bus.OnTransition))
	if err != nil {
		return nil, fmt.Errorf("create viewport manager: %w", err)
	}

	pool, err := async.NewPool(cfg.Workers.Configure, cfg.Workers.Queue, async.WithErrorHandler(func(err error) {
		logger.Printf("async configure: %v", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("create configure pool: %w", err)
	}

	return viewer.NewService(registry, manager, coordinator, bus,
		log.New(logger.Writer(), "viewer ", logger.Flags()), viewer.WithPool(pool))
}

func buildAPIServer(cfg config.APIServerConfig, service *viewer.Service, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(service, log.New(logger.Writer(), "http ", logger.Flags()),
		httpserver.WithMetrics(prometheus.DefaultGatherer))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	viewer     *viewer.Service
	eventBus   eventbus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.viewer != nil {
		shutdownStep("tearing down surfaces", viewerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.viewer.Close(stepCtx)
		})
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.eventBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
