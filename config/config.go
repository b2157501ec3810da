package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	RateStoreMemory = "memory"
	RateStoreRedis  = "redis"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type UpstreamConfig struct {
	URL                 string `mapstructure:"url"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	HealthCheckPath     string `mapstructure:"health_check_path"`
}

type BreakerConfig struct {
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	RecoveryThreshold int    `mapstructure:"recovery_threshold"`
	Timeout           string `mapstructure:"timeout"`
	HalfOpenMaxCalls  int    `mapstructure:"half_open_max_calls"`
}

type ConcurrencyConfig struct {
	DefaultLimit int            `mapstructure:"default_limit"`
	Routes       map[string]int `mapstructure:"routes"`
}

type RatePolicyConfig struct {
	Limit  int    `mapstructure:"limit"`
	Window string `mapstructure:"window"`
}

type RateLimitConfig struct {
	Store         string                      `mapstructure:"store"`
	RedisAddr     string                      `mapstructure:"redis_addr"`
	GlobalRPS     float64                     `mapstructure:"global_rps"`
	DefaultPolicy string                      `mapstructure:"default_policy"`
	Policies      map[string]RatePolicyConfig `mapstructure:"policies"`
	Routes        map[string]string           `mapstructure:"routes"`
}

type TimeoutConfig struct {
	Duration      string   `mapstructure:"duration"`
	ExcludedPaths []string `mapstructure:"excluded_paths"`
}

type MetricsConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	Namespace  string `mapstructure:"namespace"`
}

type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	Upstream    UpstreamConfig           `mapstructure:"upstream"`
	Breakers    map[string]BreakerConfig `mapstructure:"breakers"`
	Concurrency ConcurrencyConfig        `mapstructure:"concurrency"`
	RateLimit   RateLimitConfig          `mapstructure:"rate_limit"`
	Timeout     TimeoutConfig            `mapstructure:"timeout"`
	Metrics     MetricsConfig            `mapstructure:"metrics"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("logging.level", LogLevelInfo)
	viper.SetDefault("upstream.health_check_interval", "2s")
	viper.SetDefault("upstream.health_check_path", "/health")
	viper.SetDefault("concurrency.default_limit", 100)
	viper.SetDefault("rate_limit.store", RateStoreMemory)
	viper.SetDefault("rate_limit.default_policy", "default")
	viper.SetDefault("timeout.duration", "30s")
	viper.SetDefault("metrics.buffer_size", 1000)
	viper.SetDefault("metrics.namespace", "gatekeeper")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Error("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Upstream,
			validation.Required,
			validation.By(func(value interface{}) error {
				uc, ok := value.(UpstreamConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
				}
				return validation.ValidateStruct(&uc,
					validation.Field(&uc.URL,
						validation.Required,
						validation.By(validateServerURL),
					),
					validation.Field(&uc.HealthCheckInterval,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Breakers,
			validation.Required,
			validation.Length(1, 0),
			validation.By(validateBreakers),
		),
		validation.Field(&c.Concurrency,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(ConcurrencyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ConcurrencyConfig")
				}
				if cc.DefaultLimit < 1 {
					return validation.NewError("validation_invalid_limit", "default_limit must be at least 1")
				}
				for route, limit := range cc.Routes {
					if route == "" {
						return validation.NewError("validation_empty_route", "route prefix cannot be empty")
					}
					if limit < 1 {
						return validation.NewError("validation_invalid_limit", "route limit must be at least 1")
					}
				}
				return nil
			}),
		),
		validation.Field(&c.RateLimit,
			validation.Required,
			validation.By(validateRateLimit),
		),
		validation.Field(&c.Timeout,
			validation.Required,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TimeoutConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TimeoutConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Duration,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
	)
}

func validateBreakers(value interface{}) error {
	breakers, ok := value.(map[string]BreakerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a map of BreakerConfig")
	}

	for name, bc := range breakers {
		if name == "" {
			return validation.NewError("validation_empty_name", "breaker name cannot be empty")
		}
		if bc.FailureThreshold < 1 {
			return validation.NewError("validation_invalid_threshold", "failure_threshold must be at least 1")
		}
		if bc.RecoveryThreshold < 1 {
			return validation.NewError("validation_invalid_threshold", "recovery_threshold must be at least 1")
		}
		if err := validateDuration(bc.Timeout); err != nil {
			return err
		}
		if bc.HalfOpenMaxCalls < 0 {
			return validation.NewError("validation_invalid_max_calls", "half_open_max_calls cannot be negative")
		}
	}

	return nil
}

func validateRateLimit(value interface{}) error {
	rc, ok := value.(RateLimitConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
	}

	if rc.Store != RateStoreMemory && rc.Store != RateStoreRedis {
		return validation.NewError("validation_invalid_store", "store must be memory or redis")
	}

	if rc.Store == RateStoreRedis {
		if err := validateHostPort(rc.RedisAddr); err != nil {
			return err
		}
	}

	if len(rc.Policies) == 0 {
		return validation.NewError("validation_missing_policies", "at least one rate-limit policy is required")
	}

	for name, pc := range rc.Policies {
		if name == "" {
			return validation.NewError("validation_empty_name", "policy name cannot be empty")
		}
		if pc.Limit < 1 {
			return validation.NewError("validation_invalid_limit", "policy limit must be at least 1")
		}
		if err := validateDuration(pc.Window); err != nil {
			return err
		}
	}

	if _, ok := rc.Policies[rc.DefaultPolicy]; !ok {
		return validation.NewError("validation_unknown_policy", "default_policy must name a configured policy")
	}

	for route, policy := range rc.Routes {
		if route == "" {
			return validation.NewError("validation_empty_route", "route prefix cannot be empty")
		}
		if _, ok := rc.Policies[policy]; !ok {
			return validation.NewError("validation_unknown_policy", "route policy must name a configured policy")
		}
	}

	if rc.GlobalRPS < 0 {
		return validation.NewError("validation_invalid_global_rps", "global_rps cannot be negative")
	}

	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "upstream URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
