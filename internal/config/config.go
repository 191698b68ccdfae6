// Package config loads and validates Forgeflow's environment-driven
// configuration before anything else starts.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	MinJWTSecretLength = 32
	MasterKeyBytes     = 32
)

// Config holds the full service configuration. Populated once at startup by
// Load; treated as read-only afterwards.
type Config struct {
	Environment string
	Port        string

	// Primary completion provider
	GeminiAPIKey  string
	GeminiBaseURL string

	// Fallback providers
	GrokAPIKey    string
	OpenAIAPIKey  string
	OllamaBaseURL string

	// Request scheduler
	RequestsPerMinute int
	RequestsPerDay    int
	MaxRetries        int
	MaxRetryDelay     time.Duration
	TickInterval      time.Duration
	MaxQueueDepth     int

	// Pipeline defaults
	DefaultContextChars int
	MaxQualityRetries   int

	// Key store
	DatabaseURL  string
	KeystorePath string
	MasterKey    string

	// Response cache
	RedisURL string
	CacheTTL time.Duration

	// HTTP surface
	JWTSecret          string
	APIRateLimitPerMin int
	CORSAllowedOrigins []string
}

// Load reads configuration from the environment, applying development
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Environment: Environment(),
		Port:        getEnv("PORT", "8080"),

		GeminiAPIKey:  getEnvAny([]string{"GEMINI_API_KEY", "GOOGLE_AI_API_KEY"}, ""),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		GrokAPIKey:    getEnv("XAI_API_KEY", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),

		RequestsPerMinute: getEnvInt("SCHEDULER_RPM", 15),
		RequestsPerDay:    getEnvInt("SCHEDULER_RPD", 1500),
		MaxRetries:        getEnvInt("SCHEDULER_MAX_RETRIES", 3),
		MaxRetryDelay:     getEnvDuration("SCHEDULER_MAX_RETRY_DELAY", 30*time.Second),
		TickInterval:      getEnvDuration("SCHEDULER_TICK_INTERVAL", 250*time.Millisecond),
		MaxQueueDepth:     getEnvInt("SCHEDULER_MAX_QUEUE", 100),

		DefaultContextChars: getEnvInt("DEFAULT_CONTEXT_CHARS", 60000),
		MaxQualityRetries:   getEnvInt("MAX_QUALITY_RETRIES", 3),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		KeystorePath: getEnv("KEYSTORE_PATH", "forgeflow.db"),
		MasterKey:    os.Getenv("SECRETS_MASTER_KEY"),

		RedisURL: os.Getenv("REDIS_URL"),
		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		APIRateLimitPerMin: getEnvInt("API_RATE_LIMIT_RPM", 120),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
	}
}

// Validate checks the loaded configuration. In production any problem is an
// error; in development problems come back as warnings instead.
func (c *Config) Validate() (warnings []string, err error) {
	var problems []string

	if c.GeminiAPIKey == "" && c.GrokAPIKey == "" && c.OpenAIAPIKey == "" {
		problems = append(problems, "no provider API key configured (GEMINI_API_KEY, XAI_API_KEY or OPENAI_API_KEY); only the local Ollama fallback will be usable")
	}
	if c.RequestsPerMinute <= 0 || c.RequestsPerDay <= 0 {
		return nil, errors.New("SCHEDULER_RPM and SCHEDULER_RPD must be positive")
	}
	if c.MaxRetries < 0 {
		return nil, errors.New("SCHEDULER_MAX_RETRIES must not be negative")
	}
	if c.TickInterval <= 0 {
		return nil, errors.New("SCHEDULER_TICK_INTERVAL must be positive")
	}

	if c.JWTSecret != "" {
		if verr := validateJWTSecret(c.JWTSecret); verr != nil {
			problems = append(problems, fmt.Sprintf("JWT_SECRET: %v", verr))
		}
	}
	if c.MasterKey != "" {
		if verr := ValidateMasterKey(c.MasterKey); verr != nil {
			problems = append(problems, fmt.Sprintf("SECRETS_MASTER_KEY: %v", verr))
		}
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			problems = append(problems, "JWT_SECRET is required in production - the API would be unauthenticated")
		}
		if len(problems) > 0 {
			return nil, fmt.Errorf("configuration invalid: %s", strings.Join(problems, "; "))
		}
	}
	return problems, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction || c.Environment == "prod"
}

// Environment resolves the current environment name, defaulting to development.
func Environment() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	if env == "" {
		env = EnvDevelopment
	}
	return strings.ToLower(env)
}

// validateJWTSecret enforces a minimally strong signing key.
func validateJWTSecret(secret string) error {
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("too short (min %d characters)", MinJWTSecretLength)
	}
	weak := []string{"secret", "changeme", "password", "placeholder", "example", "default"}
	lower := strings.ToLower(secret)
	for _, w := range weak {
		if strings.Contains(lower, w) {
			return fmt.Errorf("contains weak/placeholder value %q", w)
		}
	}
	return nil
}

// ValidateMasterKey enforces a valid base64-encoded AES-256 key.
func ValidateMasterKey(key string) error {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("must be valid base64: %w", err)
	}
	if len(decoded) != MasterKeyBytes {
		return fmt.Errorf("must decode to exactly %d bytes (got %d) for AES-256", MasterKeyBytes, len(decoded))
	}
	allZero := true
	for _, b := range decoded {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return errors.New("master key is all zeros")
	}
	return nil
}

// GenerateMasterKey generates a new AES-256 master key, base64 encoded.
func GenerateMasterKey() (string, error) {
	bytes := make([]byte, MasterKeyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// --- env helpers ---

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAny(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
