package domain

import "time"

// Config holds the complete callbill configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Billing holds the tariff table and bill derivation settings
	Billing BillingConfig `json:"billing"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// BillingConfig holds tariff values and bill derivation settings.
// The two tariff bands are built once at startup and never change.
type BillingConfig struct {
	// Timezone is the IANA zone in which tariff windows and billing
	// periods are evaluated.
	Timezone string `json:"timezone"`

	StandingCharge string `json:"standingCharge"`
	StandardRate   string `json:"standardRate"`
	ReducedRate    string `json:"reducedRate"`

	// DayStart opens the standard window and closes the reduced one;
	// NightStart does the opposite. Both are HH:MM[:SS].
	DayStart   string `json:"dayStart"`
	NightStart string `json:"nightStart"`

	// AsyncBilling moves bill derivation off the request path onto the
	// event bus worker.
	AsyncBilling bool `json:"asyncBilling"`

	// BillCacheTTL bounds how long a rendered bill search is cached.
	BillCacheTTL time.Duration `json:"billCacheTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`

	// CollectorEndpoint is the OTLP gRPC host:port spans are exported to.
	CollectorEndpoint string  `json:"collectorEndpoint"`
	Insecure          bool    `json:"insecure"`
	SamplingRatio     float64 `json:"samplingRatio"`
}

// DefaultConfig returns the single-node configuration: SQLite, in-memory
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Billing: BillingConfig{
			Timezone:       "UTC",
			StandingCharge: "0.36",
			StandardRate:   "0.09",
			ReducedRate:    "0.00",
			DayStart:       "06:00",
			NightStart:     "22:00",
			BillCacheTTL:   5 * time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./callbill.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:           false,
			ServiceName:       "callbill",
			CollectorEndpoint: "localhost:4317",
			Insecure:          true,
			SamplingRatio:     1.0,
		},
	}
}

// ClusterConfig returns a configuration for multi-node deployments
// backed by PostgreSQL, Redis and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "callbill",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "callbill-billing",
	}
	cfg.Billing.AsyncBilling = true
	cfg.Tracing.Enabled = true
	return cfg
}
