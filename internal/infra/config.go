package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	GenerationBaseURL string
	GenerationAPIKey  string
	GenerationTimeout time.Duration

	GeoIPDBPath string

	CreditStrategy   string
	CreditsImage     int
	CreditsVideo     int
	CreditsText      int
	ReducedCountries []string
	ReducedPercent   int
	ABTestPercent    int

	LeaseTTL     time.Duration
	PollInterval time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
	DefaultLocale    string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		GenerationBaseURL: os.Getenv("GENERATION_BASE_URL"),
		GenerationAPIKey:  os.Getenv("GENERATION_API_KEY"),
		GenerationTimeout: time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 120)),

		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		CreditStrategy:   getEnv("CREDIT_STRATEGY", "fixed"),
		CreditsImage:     getEnvInt("AI_IMAGE_CREDITS_COST", 10),
		CreditsVideo:     getEnvInt("AI_VIDEO_CREDITS_COST", 50),
		CreditsText:      getEnvInt("AI_TEXT_CREDITS_COST", 5),
		ReducedCountries: getEnvList("REDUCED_TIER_COUNTRIES"),
		ReducedPercent:   getEnvInt("REDUCED_TIER_PERCENT", 50),
		ABTestPercent:    getEnvInt("AB_TEST_PERCENT", 50),

		LeaseTTL:     time.Second * time.Duration(getEnvInt("PROCESSING_LEASE_SECONDS", 90)),
		PollInterval: time.Millisecond * time.Duration(getEnvInt("PROCESSING_POLL_MS", 500)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.GenerationBaseURL == "" {
		return nil, fmt.Errorf("GENERATION_BASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
