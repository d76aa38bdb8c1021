package config

import (
	"runtime"
	"time"
)

// Config is the complete, typed configuration of a WHITE_CAT process.
// It is built once at startup and handed to each component by value.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Bus        BusConfig        `yaml:"bus" mapstructure:"bus"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Collectors CollectorsConfig `yaml:"collectors" mapstructure:"collectors"`
	NATS       NATSConfig       `yaml:"nats" mapstructure:"nats"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// LoggingConfig selects the zap logger flavour
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or console
}

// BusConfig bounds the event bus
type BusConfig struct {
	Capacity         int           `yaml:"capacity" mapstructure:"capacity"`
	PublishTimeout   time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
}

// EngineConfig controls correlation windows and sharding
type EngineConfig struct {
	Window        time.Duration `yaml:"window" mapstructure:"window"`
	MaxMembers    int           `yaml:"max_members" mapstructure:"max_members"`
	Shards        int           `yaml:"shards" mapstructure:"shards"`
	ShardBuffer   int           `yaml:"shard_buffer" mapstructure:"shard_buffer"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	ClosedBuffer  int           `yaml:"closed_buffer" mapstructure:"closed_buffer"`
}

// ScoringConfig controls the classifier gateway and its retry policy
type ScoringConfig struct {
	Backend         string        `yaml:"backend" mapstructure:"backend"` // heuristic or http
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxInFlight     int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	MaxStaleness    time.Duration `yaml:"max_staleness" mapstructure:"max_staleness"`
	RetryInterval   time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	RescoreInterval time.Duration `yaml:"rescore_interval" mapstructure:"rescore_interval"`
	BreakerFailures uint32        `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// StoreConfig selects the incident store backend
type StoreConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"` // memory or sqlite
	Path         string        `yaml:"path" mapstructure:"path"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// SupervisorConfig controls unit restarts and shutdown
type SupervisorConfig struct {
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxRestarts       int           `yaml:"max_restarts" mapstructure:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff" mapstructure:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff" mapstructure:"max_restart_backoff"`
}

// CollectorsConfig lists the tier1 and tier2 JSON-lines sources
type CollectorsConfig struct {
	Tier1Files     []string      `yaml:"tier1_files" mapstructure:"tier1_files"`
	Tier2Files     []string      `yaml:"tier2_files" mapstructure:"tier2_files"`
	StartAtEnd     bool          `yaml:"start_at_end" mapstructure:"start_at_end"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	RateLimit      float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // events/sec, 0 = unlimited
	Burst          int           `yaml:"burst" mapstructure:"burst"`
	PublishRetries int           `yaml:"publish_retries" mapstructure:"publish_retries"`
}

// APIConfig controls the read-only HTTP surface
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// Default returns production defaults. No concrete values come from the
// original platform, so every one of these is tunable.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Bus: BusConfig{
			Capacity:         4096,
			PublishTimeout:   250 * time.Millisecond,
			SubscriberBuffer: 1024,
		},
		Engine: EngineConfig{
			Window:        5 * time.Minute,
			MaxMembers:    100,
			Shards:        runtime.NumCPU(),
			ShardBuffer:   1024,
			SweepInterval: 5 * time.Second,
			ClosedBuffer:  1024,
		},
		Scoring: ScoringConfig{
			Backend:         "heuristic",
			Timeout:         2 * time.Second,
			MaxAttempts:     3,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			MaxInFlight:     8,
			MaxStaleness:    time.Hour,
			RetryInterval:   30 * time.Second,
			RescoreInterval: 5 * time.Minute,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			Path:         "data/whitecat.db",
			WriteTimeout: 5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ShutdownTimeout:   15 * time.Second,
			MaxRestarts:       5,
			RestartBackoff:    time.Second,
			MaxRestartBackoff: 30 * time.Second,
		},
		Collectors: CollectorsConfig{
			StartAtEnd:     true,
			PollInterval:   500 * time.Millisecond,
			Burst:          100,
			PublishRetries: 3,
		},
		NATS: DefaultNATSConfig(),
		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:9310",
		},
	}
}

// Validate checks every section and returns ValidationErrors when anything
// is off.
func (c Config) Validate() error {
	var errs []ValidationError

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:        "logging.level",
			Message:      "unknown log level",
			Suggestion:   "use one of debug, info, warn, error",
			CurrentValue: c.Logging.Level,
			ValidValues:  []string{"debug", "info", "warn", "error"},
		})
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, ValidationError{
			Field:        "logging.format",
			Message:      "unknown log format",
			Suggestion:   "use json or console",
			CurrentValue: c.Logging.Format,
			ValidValues:  []string{"json", "console"},
		})
	}

	if c.Bus.Capacity <= 0 {
		errs = append(errs, NewValidationError("bus.capacity", "must be positive", "set a bounded capacity such as 4096"))
	}
	if c.Bus.PublishTimeout < 0 {
		errs = append(errs, NewValidationError("bus.publish_timeout", "must not be negative", "use 0 to fail fast"))
	}
	if c.Bus.SubscriberBuffer <= 0 {
		errs = append(errs, NewValidationError("bus.subscriber_buffer", "must be positive", "set 1024"))
	}

	if c.Engine.Window <= 0 {
		errs = append(errs, NewValidationError("engine.window", "must be positive", "set a duration such as 5m"))
	}
	if c.Engine.MaxMembers <= 0 {
		errs = append(errs, NewValidationError("engine.max_members", "must be positive", "set a cap such as 100"))
	}
	if c.Engine.Shards <= 0 {
		errs = append(errs, NewValidationError("engine.shards", "must be positive", "set to the number of CPUs"))
	}
	if c.Engine.ShardBuffer <= 0 || c.Engine.ClosedBuffer <= 0 {
		errs = append(errs, NewValidationError("engine.shard_buffer", "shard and closed buffers must be positive", "set 1024"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, NewValidationError("engine.sweep_interval", "must be positive", "set a fraction of engine.window"))
	}

	switch c.Scoring.Backend {
	case "heuristic":
	case "http":
		if c.Scoring.Endpoint == "" {
			errs = append(errs, NewValidationError("scoring.endpoint", "required for the http backend", "point it at the analysis service URL"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:        "scoring.backend",
			Message:      "unknown scoring backend",
			Suggestion:   "use heuristic or http",
			CurrentValue: c.Scoring.Backend,
			ValidValues:  []string{"heuristic", "http"},
		})
	}
	if c.Scoring.Timeout <= 0 {
		errs = append(errs, NewValidationError("scoring.timeout", "must be positive", "set a per-call timeout such as 2s"))
	}
	if c.Scoring.MaxAttempts <= 0 {
		errs = append(errs, NewValidationError("scoring.max_attempts", "must be positive", "set 3"))
	}
	if c.Scoring.InitialBackoff <= 0 || c.Scoring.MaxBackoff < c.Scoring.InitialBackoff {
		errs = append(errs, NewValidationError("scoring.initial_backoff", "backoff must be positive and not above scoring.max_backoff", "set 200ms and 5s"))
	}
	if c.Scoring.MaxInFlight <= 0 {
		errs = append(errs, NewValidationError("scoring.max_in_flight", "must be positive", "set 8"))
	}
	if c.Scoring.MaxStaleness <= 0 {
		errs = append(errs, NewValidationError("scoring.max_staleness", "must be positive", "set 1h"))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, NewValidationError("store.path", "required for the sqlite driver", "set a file path such as data/whitecat.db"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:        "store.driver",
			Message:      "unknown store driver",
			Suggestion:   "use memory or sqlite",
			CurrentValue: c.Store.Driver,
			ValidValues:  []string{"memory", "sqlite"},
		})
	}

	if c.Supervisor.ShutdownTimeout <= 0 {
		errs = append(errs, NewValidationError("supervisor.shutdown_timeout", "must be positive", "set 15s"))
	}
	if c.Supervisor.MaxRestarts < 0 {
		errs = append(errs, NewValidationError("supervisor.max_restarts", "must not be negative", "use 0 to never restart"))
	}

	if c.Collectors.RateLimit < 0 {
		errs = append(errs, NewValidationError("collectors.rate_limit", "must not be negative", "use 0 for unlimited"))
	}

	if c.NATS.Enabled || c.NATS.AuditEnabled {
		if err := c.NATS.Validate(); err != nil {
			errs = append(errs, NewValidationError("nats", err.Error(), "fix the nats section or disable it"))
		}
	}

	if c.API.Enabled && c.API.Address == "" {
		errs = append(errs, NewValidationError("api.address", "required when the api is enabled", "set 127.0.0.1:9310"))
	}

	if len(errs) > 0 {
		return NewValidationErrors(errs)
	}
	return nil
}
