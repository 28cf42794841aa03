package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	Stream    StreamConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

// AuthConfig configures admin token verification. Issuer enables JWKS
// verification through OIDC discovery; the allowlist gates admin access.
type AuthConfig struct {
	Issuer         string
	Audience       string
	AdminAllowlist string
}

type RateLimitConfig struct {
	StreamsPerHour int
	JobsPerHour    int
}

// BackendConfig points at the TRR backend job service.
type BackendConfig struct {
	BaseURL        string
	ServiceRoleKey string
}

// StreamConfig holds the connect/retry timings for proxied SSE streams.
type StreamConfig struct {
	ConnectAttemptTimeoutMs    int
	ConnectHeartbeatIntervalMs int
	ConnectPreflightTimeoutMs  int
	ConnectMaxAttempts         int
}

func (s StreamConfig) AttemptTimeout() time.Duration {
	return time.Duration(s.ConnectAttemptTimeoutMs) * time.Millisecond
}

func (s StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.ConnectHeartbeatIntervalMs) * time.Millisecond
}

func (s StreamConfig) PreflightTimeout() time.Duration {
	return time.Duration(s.ConnectPreflightTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("TRR_CORE_SUPABASE_SERVICE_ROLE_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = v.BindEnv("auth.audience", "AUTH_AUDIENCE")
	_ = v.BindEnv("auth.admin_email_allowlist", "ADMIN_EMAIL_ALLOWLIST")
	_ = v.BindEnv("ratelimit.streams_per_hour", "RATELIMIT_STREAMS_PER_HOUR")
	_ = v.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = v.BindEnv("backend.base_url", "TRR_API_URL")
	_ = v.BindEnv("backend.service_role_key", "TRR_CORE_SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("stream.connect_attempt_timeout_ms", "TRR_STREAM_CONNECT_ATTEMPT_TIMEOUT_MS")
	_ = v.BindEnv("stream.connect_heartbeat_interval_ms", "TRR_STREAM_CONNECT_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("stream.connect_preflight_timeout_ms", "TRR_STREAM_CONNECT_PREFLIGHT_TIMEOUT_MS")
	_ = v.BindEnv("stream.connect_max_attempts", "TRR_STREAM_CONNECT_MAX_ATTEMPTS")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("ratelimit.streams_per_hour", 120)
	v.SetDefault("ratelimit.jobs_per_hour", 60)

	// Stream connect defaults
	v.SetDefault("stream.connect_attempt_timeout_ms", 20000)
	v.SetDefault("stream.connect_heartbeat_interval_ms", 2000)
	v.SetDefault("stream.connect_preflight_timeout_ms", 3000)
	v.SetDefault("stream.connect_max_attempts", 5)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Issuer:         v.GetString("auth.issuer"),
			Audience:       v.GetString("auth.audience"),
			AdminAllowlist: v.GetString("auth.admin_email_allowlist"),
		},
		RateLimit: RateLimitConfig{
			StreamsPerHour: v.GetInt("ratelimit.streams_per_hour"),
			JobsPerHour:    v.GetInt("ratelimit.jobs_per_hour"),
		},
		Backend: BackendConfig{
			BaseURL:        strings.TrimSpace(v.GetString("backend.base_url")),
			ServiceRoleKey: strings.TrimSpace(v.GetString("backend.service_role_key")),
		},
		Stream: StreamConfig{
			ConnectAttemptTimeoutMs:    positiveOr(v.GetInt("stream.connect_attempt_timeout_ms"), 20000),
			ConnectHeartbeatIntervalMs: positiveOr(v.GetInt("stream.connect_heartbeat_interval_ms"), 2000),
			ConnectPreflightTimeoutMs:  positiveOr(v.GetInt("stream.connect_preflight_timeout_ms"), 3000),
			ConnectMaxAttempts:         positiveOr(v.GetInt("stream.connect_max_attempts"), 5),
		},
	}

	return cfg, nil
}

// positiveOr guards against zero or negative overrides, which would disable
// timeouts or the retry loop entirely.
func positiveOr(val, fallback int) int {
	if val <= 0 {
		return fallback
	}
	return val
}
