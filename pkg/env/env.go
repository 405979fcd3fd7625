package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	LogLevel string
	LogFile  string

	RedisURL string

	// StoreDriver selects the canonical session store: mongo, postgres or memory.
	StoreDriver string
	MongoURI    string
	DBName      string
	PostgresDSN string

	// Voice-assistant provider (places the secondary call, owns the control URL)
	VapiAPIKey          string
	VapiBaseURL         string
	VapiPhoneNumberID   string
	VapiWebhookSecret   string
	VapiEscalationVoice string

	// Telephony provider webhooks
	TelnyxPublicKey string

	// Business contact used for escalations. Empty disables escalation.
	HumanContactNumber string
	BusinessName       string
	DefaultCountryCode string

	EscalationTimeout       time.Duration
	EscalationSweepInterval time.Duration

	ProviderRPS     int
	APIRateLimitRPM int

	RecordingDriver  string
	LocalStoragePath string
	S3Bucket         string
	S3Region         string

	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// A missing .env is fine: production runs on plain environment variables.
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "UTC"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		StoreDriver: getEnv("STORE_DRIVER", "mongo"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:      getEnv("DB_NAME", "escalations"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		VapiAPIKey:          getEnv("VAPI_API_KEY", ""),
		VapiBaseURL:         getEnv("VAPI_BASE_URL", "https://api.vapi.ai"),
		VapiPhoneNumberID:   getEnv("VAPI_PHONE_NUMBER_ID", ""),
		VapiWebhookSecret:   getEnv("VAPI_WEBHOOK_SECRET", ""),
		VapiEscalationVoice: getEnv("VAPI_ESCALATION_VOICE", "jennifer"),

		TelnyxPublicKey: getEnv("TELNYX_PUBLIC_KEY", ""),

		HumanContactNumber: getEnv("HUMAN_CONTACT_NUMBER", ""),
		BusinessName:       getEnv("BUSINESS_NAME", "the store"),
		DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "1"),

		EscalationTimeout:       getEnvDuration("ESCALATION_TIMEOUT", 90*time.Second),
		EscalationSweepInterval: getEnvDuration("ESCALATION_SWEEP_INTERVAL", 15*time.Second),

		ProviderRPS:     getEnvInt("PROVIDER_RPS", 5),
		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		RecordingDriver:  getEnv("RECORDING_DRIVER", "provider-url"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "/data/recordings"),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3Region:         getEnv("S3_REGION", "us-east-1"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of mongo, postgres, memory, got %q", c.StoreDriver))
	}

	switch c.RecordingDriver {
	case "provider-url", "local":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 recording driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("RECORDING_DRIVER must be one of provider-url, local, s3, got %q", c.RecordingDriver))
	}

	if c.EscalationTimeout <= 0 {
		errs = append(errs, errors.New("ESCALATION_TIMEOUT must be positive"))
	}
	if c.EscalationSweepInterval <= 0 {
		errs = append(errs, errors.New("ESCALATION_SWEEP_INTERVAL must be positive"))
	}
	if c.ProviderRPS <= 0 {
		errs = append(errs, errors.New("PROVIDER_RPS must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// EscalationEnabled reports whether a human contact is configured at all.
func (c *Config) EscalationEnabled() bool {
	return strings.TrimSpace(c.HumanContactNumber) != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := strings.TrimSpace(os.Getenv(key))
	if strValue == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(strValue); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strValue); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
