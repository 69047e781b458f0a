package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. GATEKEEPER_SERVER_ADDR
// overrides server.addr.
const EnvPrefix = "GATEKEEPER"

type Config struct {
	Env         string            `mapstructure:"env" validate:"oneof=dev test staging prod"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Token       TokenConfig       `mapstructure:"token"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Security    policy.Config     `mapstructure:"security"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type ServerConfig struct {
	Addr                string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout   time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period" validate:"gt=0"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP / X-Forwarded-Proto.
	TrustProxy  bool `mapstructure:"trust_proxy"`
	TrustedHops int  `mapstructure:"trusted_hops" validate:"min=0"`
}

type TokenConfig struct {
	Secret     string        `mapstructure:"secret" validate:"required,min=32"`
	Algorithm  string        `mapstructure:"algorithm" validate:"oneof=HS256 HS384 HS512"`
	Issuer     string        `mapstructure:"issuer" validate:"required"`
	Audience   []string      `mapstructure:"audience"`
	AccessTTL  time.Duration `mapstructure:"access_ttl" validate:"gt=0"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl" validate:"gt=0"`
	Leeway     time.Duration `mapstructure:"leeway" validate:"min=0"`
}

// RateLimitConfig holds the default limiter and the stricter one guarding
// the token endpoints.
type RateLimitConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Default ratelimit.Config `mapstructure:"default"`
	Auth    ratelimit.Config `mapstructure:"auth"`
}

type MaintenanceConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	PruneInterval   time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
}

// setDefaults registers every default with v. Keys must be known to viper
// for AutomaticEnv to pick up their overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 3*time.Second)
	v.SetDefault("server.shutdown_grace_period", 10*time.Second)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.trusted_hops", 1)

	v.SetDefault("token.algorithm", "HS256")
	v.SetDefault("token.issuer", "gatekeeper")
	v.SetDefault("token.audience", []string{})
	v.SetDefault("token.access_ttl", 15*time.Minute)
	v.SetDefault("token.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("token.leeway", time.Duration(0))
	_ = v.BindEnv("token.secret")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default.name", "default")
	v.SetDefault("rate_limit.default.algorithm", string(ratelimit.SlidingWindow))
	v.SetDefault("rate_limit.default.limit", 100)
	v.SetDefault("rate_limit.default.window", time.Minute)
	v.SetDefault("rate_limit.default.key", string(ratelimit.KeyByPrincipal))
	v.SetDefault("rate_limit.auth.name", "auth")
	v.SetDefault("rate_limit.auth.algorithm", string(ratelimit.DualTier))
	v.SetDefault("rate_limit.auth.key", string(ratelimit.KeyByIP))
	v.SetDefault("rate_limit.auth.burst", map[string]any{"algorithm": string(ratelimit.FixedWindow), "limit": 3, "window": time.Second})
	v.SetDefault("rate_limit.auth.sustained", map[string]any{"algorithm": string(ratelimit.SlidingWindow), "limit": 20, "window": 15 * time.Minute})

	sec := policy.DefaultConfig()
	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.cors.allow_all", false)
	v.SetDefault("security.cors.allow_credentials", false)
	v.SetDefault("security.cors.allowed_methods", sec.CORS.AllowedMethods)
	v.SetDefault("security.cors.allowed_headers", sec.CORS.AllowedHeaders)
	v.SetDefault("security.cors.exposed_headers", sec.CORS.ExposedHeaders)
	v.SetDefault("security.cors.max_age", sec.CORS.MaxAge)
	v.SetDefault("security.cors.preflight_status", sec.CORS.PreflightStatus)
	v.SetDefault("security.headers.csp", sec.Headers.CSP)
	v.SetDefault("security.headers.csp_report_only", false)
	v.SetDefault("security.headers.frame_options", sec.Headers.FrameOptions)
	v.SetDefault("security.headers.xss_protection", sec.Headers.XSSProtection)
	v.SetDefault("security.headers.referrer_policy", sec.Headers.ReferrerPolicy)
	v.SetDefault("security.headers.permissions_policy", sec.Headers.PermissionsPolicy)
	v.SetDefault("security.headers.hsts.max_age", sec.Headers.HSTS.MaxAge)
	v.SetDefault("security.headers.hsts.include_subdomains", sec.Headers.HSTS.IncludeSubDomains)
	v.SetDefault("security.headers.hsts.preload", false)
	v.SetDefault("security.ip.allow", []string{})
	v.SetDefault("security.ip.block", []string{})
	v.SetDefault("security.limits.max_body_bytes", sec.Limits.MaxBodyBytes)
	v.SetDefault("security.limits.max_header_count", sec.Limits.MaxHeaderCount)
	v.SetDefault("security.traffic.window", sec.Traffic.Window)
	v.SetDefault("security.traffic.max_entries", sec.Traffic.MaxEntries)
	v.SetDefault("security.traffic.rate_multiplier", sec.Traffic.RateMultiplier)
	v.SetDefault("security.traffic.min_requests", sec.Traffic.MinRequests)
	v.SetDefault("security.traffic.min_user_agent_length", sec.Traffic.MinUserAgentLength)
	v.SetDefault("security.traffic.bot_patterns", sec.Traffic.BotPatterns)

	v.SetDefault("maintenance.cleanup_interval", time.Minute)
	v.SetDefault("maintenance.prune_interval", 30*time.Second)
}

// Load reads configuration from path (optional), GATEKEEPER_* environment
// variables and the built-in defaults, in falling order of precedence.
// Without a path, gatekeeper.yaml is looked up in the working directory
// and /etc/gatekeeper.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gatekeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gatekeeper")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// No file: defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags and the rules that span fields.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return errors.New("token: refresh_ttl must not be shorter than access_ttl")
	}
	if err := c.Security.Validate(); err != nil {
		return err
	}
	if c.RateLimit.Enabled {
		for _, rl := range []ratelimit.Config{c.RateLimit.Default, c.RateLimit.Auth} {
			if _, err := ratelimit.NewStrategy(rl); err != nil {
				return fmt.Errorf("rate_limit.%s: %w", rl.Name, err)
			}
			if _, err := ratelimit.KeyFuncFor(rl.Key); err != nil {
				return fmt.Errorf("rate_limit.%s: %w", rl.Name, err)
			}
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", e.Namespace()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		case "min", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s", e.Namespace(), e.Tag(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
