package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/devhops/devhops-engine/internal/engine"
	"github.com/devhops/devhops-engine/internal/repo"
	"github.com/devhops/devhops-engine/internal/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVHOPS_"

// Config captures everything required to boot the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Sources   SourcesConfig   `yaml:"sources" envPrefix:"SOURCES_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
	Rules     RulesConfig     `yaml:"rules" envPrefix:"RULES_"`
	// Analysis holds the scoring, detection, correlation and risk tunables. It is only read from YAML
	// and is the section hot reload applies.
	Analysis engine.Config `yaml:"analysis"`
	// Services are registered at startup when not already known.
	Services []ServiceSeed `yaml:"services"`
}

// ServerConfig controls the listeners.
type ServerConfig struct {
	HTTPAddress       string        `yaml:"httpAddress" env:"HTTP_ADDRESS"`
	GRPCAddress       string        `yaml:"grpcAddress" env:"GRPC_ADDRESS"`
	MetricsAddress    string        `yaml:"metricsAddress" env:"METRICS_ADDRESS"`
	GracefulTimeout   time.Duration `yaml:"gracefulTimeout" env:"GRACEFUL_TIMEOUT"`
	CORSOrigins       []string      `yaml:"corsOrigins" env:"CORS_ORIGINS" envSeparator:","`
	BroadcastInterval time.Duration `yaml:"broadcastInterval" env:"BROADCAST_INTERVAL"`
}

// SourcesConfig configures the telemetry and deployment integrations.
type SourcesConfig struct {
	MetricsTimeout      time.Duration    `yaml:"metricsTimeout" env:"METRICS_TIMEOUT"`
	Prometheus          repo.PromMapping `yaml:"prometheus"`
	DeploymentsBaseURL  string           `yaml:"deploymentsBaseURL" env:"DEPLOYMENTS_BASE_URL"`
	DeploymentsPath     string           `yaml:"deploymentsPath" env:"DEPLOYMENTS_PATH"`
	DeploymentsTimeout  time.Duration    `yaml:"deploymentsTimeout" env:"DEPLOYMENTS_TIMEOUT"`
	DeploymentsCacheTTL time.Duration    `yaml:"deploymentsCacheTTL" env:"DEPLOYMENTS_CACHE_TTL"`
}

// SchedulerConfig controls the evaluation loop.
type SchedulerConfig struct {
	Interval        time.Duration `yaml:"interval" env:"INTERVAL"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	RateLimit       float64       `yaml:"rateLimit" env:"RATE_LIMIT"`
	Burst           int           `yaml:"burst" env:"BURST"`
	SyncInterval    time.Duration `yaml:"syncInterval" env:"SYNC_INTERVAL"`
	ResolvedHistory int           `yaml:"resolvedHistory" env:"RESOLVED_HISTORY"`
	// Window is the span of telemetry evaluated each cycle.
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// TelemetryConfig bounds the in-memory sample store.
type TelemetryConfig struct {
	MaxSamples int           `yaml:"maxSamples" env:"MAX_SAMPLES"`
	MaxAge     time.Duration `yaml:"maxAge" env:"MAX_AGE"`
}

// StorageConfig selects the service repository.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
}

// CacheConfig controls caching of upstream lookups. An empty Addr keeps the cache in process;
// otherwise lookups are shared through a Valkey/Redis-compatible server.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Addr      string        `yaml:"addr" env:"ADDR"`
	Username  string        `yaml:"username" env:"USERNAME"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	TLS       bool          `yaml:"tls" env:"TLS"`
	KeyPrefix string        `yaml:"keyPrefix" env:"KEY_PREFIX"`
	PoolSize  int           `yaml:"poolSize" env:"POOL_SIZE"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName string  `yaml:"serviceName" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sampleRatio" env:"SAMPLE_RATIO"`
}

// RulesConfig controls rule-pack loading for the recommender.
type RulesConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ServiceSeed is a service declared in the config file.
type ServiceSeed struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	MetricsURL string `yaml:"metricsUrl"`
	RepoURL    string `yaml:"repoUrl"`
}

// Load initialises Config from a YAML file and optional environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:       ":5000",
			GRPCAddress:       ":50051",
			MetricsAddress:    ":2112",
			GracefulTimeout:   10 * time.Second,
			CORSOrigins:       []string{"http://localhost:3000"},
			BroadcastInterval: 5 * time.Second,
		},
		Sources: SourcesConfig{
			MetricsTimeout:      5 * time.Second,
			Prometheus:          repo.DefaultPromMapping(),
			DeploymentsPath:     "/api/deployments",
			DeploymentsTimeout:  5 * time.Second,
			DeploymentsCacheTTL: time.Minute,
		},
		Scheduler: SchedulerConfig{
			Interval:        15 * time.Second,
			FetchTimeout:    5 * time.Second,
			RateLimit:       20,
			Burst:           5,
			SyncInterval:    30 * time.Second,
			ResolvedHistory: 500,
			Window:          time.Hour,
		},
		Telemetry: TelemetryConfig{
			MaxSamples: 5760,
			MaxAge:     7 * 24 * time.Hour,
		},
		Storage:  StorageConfig{Driver: "memory", Path: "data/devhops.db"},
		Cache:    CacheConfig{Enabled: true, KeyPrefix: "devhops:", PoolSize: 4, Timeout: 500 * time.Millisecond},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Tracing:  TracingConfig{ServiceName: "devhops-engine", SampleRatio: 1},
		Rules:    RulesConfig{Path: "configs/rules/default.yaml"},
		Analysis: engine.DefaultConfig(),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.HTTPAddress) == "" && strings.TrimSpace(c.Server.GRPCAddress) == "" {
		errs = append(errs, errors.New("server: at least one of httpAddress or grpcAddress is required"))
	}
	if c.Server.BroadcastInterval <= 0 {
		errs = append(errs, errors.New("server.broadcastInterval must be positive"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.FetchTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.fetchTimeout must be positive"))
	}
	if c.Scheduler.RateLimit <= 0 || c.Scheduler.Burst < 1 {
		errs = append(errs, errors.New("scheduler: rateLimit must be positive and burst at least 1"))
	}
	if c.Scheduler.SyncInterval <= 0 {
		errs = append(errs, errors.New("scheduler.syncInterval must be positive"))
	}
	if c.Scheduler.Window <= 0 {
		errs = append(errs, errors.New("scheduler.window must be positive"))
	}
	if c.Cache.DB < 0 || c.Cache.PoolSize < 0 {
		errs = append(errs, errors.New("cache: db and poolSize must not be negative"))
	}
	if c.Telemetry.MaxSamples <= 0 {
		errs = append(errs, errors.New("telemetry.maxSamples must be positive"))
	}
	if c.Telemetry.MaxAge < 0 {
		errs = append(errs, errors.New("telemetry.maxAge must not be negative"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory or sqlite, got %q", c.Storage.Driver))
	}
	if _, err := utils.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sampleRatio must be within [0,1]"))
	}
	if err := c.Analysis.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	return errors.Join(errs...)
}
