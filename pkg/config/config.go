// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all runtime settings.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Portability   PortabilityConfig
	Observability ObservabilityConfig
	Profiling     ProfilingConfig
	LogLevel      string `validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Host               string `validate:"required"`
	Port               int    `validate:"min=1,max=65535"`
	RateLimitPerSecond int    `validate:"min=0"`
	RateLimitBurst     int    `validate:"min=0"`
	AllowedOrigins     []string
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	User     string `validate:"required"`
	Password string
	Name     string `validate:"required"`
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int    `validate:"min=2,max=1000"`
	// URL, when set, takes precedence over the discrete fields.
	URL string
}

// DSN returns the connection string for pgx.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

type AuthConfig struct {
	// JWTSecret is required by the HTTP server; the CLI runs without it.
	JWTSecret string `validate:"omitempty,min=16"`
}

type PortabilityConfig struct {
	ImportTimeout     time.Duration `validate:"gt=0"`
	ExportReadWorkers int           `validate:"min=1,max=32"`
	SummaryCacheTTL   time.Duration `validate:"min=0"`
	MaxImportBytes    int64         `validate:"min=1024"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	ServiceName    string
}

type ProfilingConfig struct {
	Enabled bool
	Port    int `validate:"min=0,max=65535"`
}

// Load reads the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	var errs []string
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getInt("SERVER_PORT", 8080, &errs),
			RateLimitPerSecond: getInt("RATE_LIMIT_PER_SECOND", 20, &errs),
			RateLimitBurst:     getInt("RATE_LIMIT_BURST", 40, &errs),
			AllowedOrigins:     getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getInt("DB_PORT", 5432, &errs),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "finance"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getInt("DB_MAX_CONNS", 25, &errs),
			URL:      getEnv("DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Portability: PortabilityConfig{
			ImportTimeout:     getDuration("IMPORT_TIMEOUT", 2*time.Minute, &errs),
			ExportReadWorkers: getInt("EXPORT_READ_WORKERS", 4, &errs),
			SummaryCacheTTL:   getDuration("SUMMARY_CACHE_TTL", 30*time.Second, &errs),
			MaxImportBytes:    int64(getInt("MAX_IMPORT_BYTES", 32<<20, &errs)),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true, &errs),
			ServiceName:    getEnv("SERVICE_NAME", "finance-portability"),
		},
		Profiling: ProfilingConfig{
			Enabled: getBool("PPROF_ENABLED", false, &errs),
			Port:    getInt("PPROF_PORT", 6060, &errs),
		},
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Portability.ExportReadWorkers >= cfg.Database.MaxConns {
		return nil, fmt.Errorf("invalid configuration: EXPORT_READ_WORKERS (%d) must be lower than DB_MAX_CONNS (%d)",
			cfg.Portability.ExportReadWorkers, cfg.Database.MaxConns)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]string) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer", key))
		return fallback
	}
	return v
}

func getBool(key string, fallback bool, errs *[]string) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a boolean", key))
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration, errs *[]string) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like 90s or 2m", key))
		return fallback
	}
	return v
}

func getList(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
