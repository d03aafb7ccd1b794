// Package config loads callbill configuration from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CALLBILL_SERVER_PORT.
const EnvPrefix = "CALLBILL"

// Load reads configuration layered over the built-in defaults.
//
// Priority (highest to lowest):
// 1. Environment variables with CALLBILL_ prefix (e.g., CALLBILL_BILLING_TIMEZONE)
// 2. The config file at path, or callbill.yaml in . or /etc/callbill when path is empty
// 3. DefaultConfig, or ClusterConfig when profile is "cluster"
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("callbill")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/callbill")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults and env still apply
	}

	var base *domain.Config
	switch profile := v.GetString("profile"); profile {
	case "", "default":
		base = domain.DefaultConfig()
	case "cluster":
		base = domain.ClusterConfig()
	default:
		return nil, fmt.Errorf("unknown profile: %s", profile)
	}
	setDefaults(v, base)

	cfg := &domain.Config{
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Billing: domain.BillingConfig{
			Timezone:       v.GetString("billing.timezone"),
			StandingCharge: v.GetString("billing.standing_charge"),
			StandardRate:   v.GetString("billing.standard_rate"),
			ReducedRate:    v.GetString("billing.reduced_rate"),
			DayStart:       v.GetString("billing.day_start"),
			NightStart:     v.GetString("billing.night_start"),
			AsyncBilling:   v.GetBool("billing.async"),
			BillCacheTTL:   v.GetDuration("billing.cache_ttl"),
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       v.GetDuration("cache.local_ttl"),
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			EnableTwoPhase: v.GetBool("cache.two_phase"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("event_bus.type"),
			ChannelBufferSize: v.GetInt("event_bus.buffer_size"),
			NATSUrl:           v.GetString("event_bus.nats_url"),
			NATSToken:         v.GetString("event_bus.nats_token"),
			NATSMaxReconnects: v.GetInt("event_bus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("event_bus.nats_reconnect_wait"),
			NATSQueueGroup:    v.GetString("event_bus.nats_queue_group"),
		},
		Logging: domain.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Tracing: domain.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
		},
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides resolve even
// when the config file omits them.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	v.SetDefault("billing.timezone", cfg.Billing.Timezone)
	v.SetDefault("billing.standing_charge", cfg.Billing.StandingCharge)
	v.SetDefault("billing.standard_rate", cfg.Billing.StandardRate)
	v.SetDefault("billing.reduced_rate", cfg.Billing.ReducedRate)
	v.SetDefault("billing.day_start", cfg.Billing.DayStart)
	v.SetDefault("billing.night_start", cfg.Billing.NightStart)
	v.SetDefault("billing.async", cfg.Billing.AsyncBilling)
	v.SetDefault("billing.cache_ttl", cfg.Billing.BillCacheTTL)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.two_phase", cfg.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", cfg.EventBus.Type)
	v.SetDefault("event_bus.buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)
	v.SetDefault("event_bus.nats_queue_group", cfg.EventBus.NATSQueueGroup)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.collector_endpoint", cfg.Tracing.CollectorEndpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sampling_ratio", cfg.Tracing.SamplingRatio)
}
