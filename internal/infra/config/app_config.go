// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ReferencesConfig selects and tunes the image-reference provider.
type ReferencesConfig struct {
	Source            ReferenceSource   `yaml:"source"`
	BaseURL           string            `yaml:"baseUrl"`
	QueryLimit        int               `yaml:"queryLimit"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Burst             int               `yaml:"burst"`
	MaxRetries        int               `yaml:"maxRetries"`
	RetryInterval     time.Duration     `yaml:"retryInterval"`
	Timeout           time.Duration     `yaml:"timeout"`
	Headers           map[string]string `yaml:"headers"`
	// Stacks maps series ids to slice counts for the memory source.
	Stacks map[string]int `yaml:"stacks"`
}

// LoaderConfig tunes volume loading.
type LoaderConfig struct {
	PageSize int           `yaml:"pageSize"`
	MaxPages int           `yaml:"maxPages"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ProtocolsConfig locates the protocol catalog.
type ProtocolsConfig struct {
	Catalog         string `yaml:"catalog"`
	DisableBuiltins bool   `yaml:"disableBuiltins"`
}

// WorkersConfig sizes the asynchronous configure pool.
type WorkersConfig struct {
	Configure int `yaml:"configure"`
	Queue     int `yaml:"queue"`
}

// SurfaceConfig describes the headless rendering surfaces.
type SurfaceConfig struct {
	Width           int      `yaml:"width"`
	Height          int      `yaml:"height"`
	MissingElements []string `yaml:"missingElements"`
}

// AppConfig is the viewer daemon configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Eventbus    EventbusConfig   `yaml:"eventbus"`
	References  ReferencesConfig `yaml:"references"`
	Loader      LoaderConfig     `yaml:"loader"`
	Protocols   ProtocolsConfig  `yaml:"protocols"`
	Workers     WorkersConfig    `yaml:"workers"`
	Surface     SurfaceConfig    `yaml:"surface"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	if cfg.Protocols.Catalog != "" && !filepath.IsAbs(cfg.Protocols.Catalog) {
		cfg.Protocols.Catalog = filepath.Join(filepath.Dir(filepath.Clean(configPath)), cfg.Protocols.Catalog)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist. The
// boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ReadTimeout <= 0 {
		c.APIServer.ReadTimeout = 15 * time.Second
	}
	if c.APIServer.WriteTimeout < 0 {
		c.APIServer.WriteTimeout = 0
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mprview"
	}

	if c.Eventbus.BufferSize == 0 {
		c.Eventbus.BufferSize = 64
	}

	c.References.Source = ReferenceSource(normalizeToken(string(c.References.Source)))
	if c.References.Source == "" {
		c.References.Source = SourceMemory
	}
	c.References.BaseURL = strings.TrimRight(strings.TrimSpace(c.References.BaseURL), "/")
	stacks := make(map[string]int, len(c.References.Stacks))
	for id, n := range c.References.Stacks {
		key := strings.TrimSpace(id)
		if _, exists := stacks[key]; exists {
			return fmt.Errorf("duplicate series id %q in references stacks", key)
		}
		stacks[key] = n
	}
	c.References.Stacks = stacks

	if c.Loader.PageSize == 0 {
		c.Loader.PageSize = 500
	}
	if c.Loader.MaxPages == 0 {
		c.Loader.MaxPages = 1000
	}

	c.Protocols.Catalog = strings.TrimSpace(c.Protocols.Catalog)

	if c.Workers.Configure == 0 {
		c.Workers.Configure = 4
	}
	if c.Workers.Queue == 0 {
		c.Workers.Queue = 32
	}

	if c.Surface.Width == 0 {
		c.Surface.Width = 512
	}
	if c.Surface.Height == 0 {
		c.Surface.Height = 512
	}
	missing := make([]string, 0, len(c.Surface.MissingElements))
	for _, id := range c.Surface.MissingElements {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			missing = append(missing, trimmed)
		}
	}
	c.Surface.MissingElements = missing
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	switch c.References.Source {
	case SourceDICOMweb:
		if c.References.BaseURL == "" {
			return fmt.Errorf("references baseUrl required for the dicomweb source")
		}
	case SourceMemory:
	default:
		return fmt.Errorf("references source must be one of dicomweb, memory")
	}
	if c.References.QueryLimit < 0 || c.References.Burst < 0 || c.References.MaxRetries < 0 {
		return fmt.Errorf("references queryLimit, burst and maxRetries must be >=0")
	}
	if c.References.RequestsPerSecond < 0 {
		return fmt.Errorf("references requestsPerSecond must be >=0")
	}
	for id, n := range c.References.Stacks {
		if id == "" {
			return fmt.Errorf("references stacks: series id required")
		}
		if n <= 0 {
			return fmt.Errorf("references stacks: series %q must have >0 slices", id)
		}
	}

	if c.Loader.PageSize <= 0 {
		return fmt.Errorf("loader pageSize must be >0")
	}
	if c.Loader.MaxPages <= 0 {
		return fmt.Errorf("loader maxPages must be >0")
	}
	if c.Loader.CacheTTL < 0 {
		return fmt.Errorf("loader cacheTTL must be >=0")
	}

	if c.Protocols.DisableBuiltins && c.Protocols.Catalog == "" {
		return fmt.Errorf("protocols catalog required when builtins are disabled")
	}

	if c.Workers.Configure <= 0 {
		return fmt.Errorf("workers configure must be >0")
	}
	if c.Workers.Queue < 0 {
		return fmt.Errorf("workers queue must be >=0")
	}

	if c.Surface.Width <= 0 || c.Surface.Height <= 0 {
		return fmt.Errorf("surface width and height must be >0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
