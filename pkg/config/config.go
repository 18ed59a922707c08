package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/burnengine/burn/pkg/pipe"
	"github.com/burnengine/burn/pkg/telemetry"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "burn.yaml"

// EngineConfig is the engine configuration file.
type EngineConfig struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Store     StoreConfig     `yaml:"store"`
	Elevation ElevationConfig `yaml:"elevation"`
	Apply     ApplyConfig     `yaml:"apply"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
	Caller bool   `yaml:"caller"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" validate:"omitempty,startswith=/"`
	Namespace     string `yaml:"namespace" validate:"required"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ElevationConfig controls how the elevated child connects back.
type ElevationConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ConnectInterval time.Duration `yaml:"connect_interval" validate:"gt=0,ltfield=ConnectTimeout"`

	// PipeDir holds the Unix sockets. Empty means the system temp directory.
	PipeDir string `yaml:"pipe_dir"`

	// Command is the elevation prefix used to start the child, e.g. sudo.
	Command []string `yaml:"command"`
}

// ApplyConfig controls plan execution.
type ApplyConfig struct {
	// ParallelCacheAndExecute lets caching run ahead of execution.
	ParallelCacheAndExecute bool `yaml:"parallel_cache_and_execute"`
	DisableRollback         bool `yaml:"disable_rollback"`
}

// Default returns the configuration used when no file is present.
func Default() *EngineConfig {
	return &EngineConfig{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "burn",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Store: StoreConfig{
			Path: "burn.db",
		},
		Elevation: ElevationConfig{
			ConnectTimeout:  pipe.DefaultConnectTimeout,
			ConnectInterval: pipe.DefaultConnectInterval,
			Command:         []string{"sudo", "-n"},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*EngineConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path. A missing file is not an error when path is the default.
func Load(path string) (*EngineConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Parse(nil)
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data)
}

// Telemetry converts the file settings into a telemetry configuration.
func (c *EngineConfig) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	tc.Logging.EnableCaller = c.Logging.Caller

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Metrics.Path = c.Metrics.Path
	tc.Metrics.Namespace = c.Metrics.Namespace

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	return tc
}
