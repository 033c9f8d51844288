package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration values. Optional integrations are
// keyed off empty values: no GITHUB_REPOSITORY means no CI provider, no
// RABBITMQ_URL means no AMQP bridge, no POSTGRES_DSN means no result sink,
// no MINIO_ENDPOINT means no artifact mirror.
type Config struct {
	Port           string
	LogLevel       string // e.g., "debug", "info", "warn", "error"
	RequestTimeout time.Duration
	AllowedOrigins []string

	// CI provider (GitHub Actions)
	GitHub_APIURL     string // Override for tests / GitHub Enterprise
	GitHub_Token      string
	GitHub_Owner      string
	GitHub_Repo       string
	GitHub_WorkflowID string
	GitHub_Ref        string

	// Push channel transport
	RabbitMQ_URL string

	// Result sink
	Postgres_DSN string

	// Artifact mirror
	MinIO_Endpoint   string
	MinIO_AccessKey  string
	MinIO_SecretKey  string
	MinIO_UseSSL     bool
	MinIO_BucketName string

	// Run lifecycle timing
	WebhookTimeout        time.Duration // Push backend reachable
	WebhookTimeoutOffline time.Duration // Push backend unreachable
	PollInterval          time.Duration
	PollMaxAttempts       int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Helper to get env var with default
	getenv := func(key, fallback string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return fallback
	}

	// Helper to get bool env var
	getenvBool := func(key string, fallback bool) bool {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := strconv.ParseBool(valueStr)
			if err == nil {
				return value
			}
		}
		return fallback
	}

	// Helper to get int env var
	getenvInt := func(key string, fallback int) int {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := strconv.Atoi(valueStr)
			if err == nil {
				return value
			}
		}
		return fallback
	}

	// Helper to get duration env var
	getenvDuration := func(key string, fallback time.Duration) time.Duration {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := time.ParseDuration(valueStr)
			if err == nil {
				return value
			}
		}
		return fallback
	}

	// GITHUB_REPOSITORY comes in "owner/repo" form.
	owner, repo := splitRepository(getenv("GITHUB_REPOSITORY", ""))

	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 15*time.Second),
		AllowedOrigins: splitList(getenv("ALLOWED_ORIGINS", "*")),

		GitHub_APIURL:     getenv("GITHUB_API_URL", ""),
		GitHub_Token:      getenv("GITHUB_TOKEN", ""), // Fallback to empty, must be set in .env
		GitHub_Owner:      owner,
		GitHub_Repo:       repo,
		GitHub_WorkflowID: getenv("GITHUB_WORKFLOW", ""),
		GitHub_Ref:        getenv("GITHUB_REF", "main"),

		RabbitMQ_URL: getenv("RABBITMQ_URL", ""),
		Postgres_DSN: getenv("POSTGRES_DSN", ""),

		MinIO_Endpoint:   getenv("MINIO_ENDPOINT", ""),
		MinIO_AccessKey:  getenv("MINIO_ACCESS_KEY", ""),
		MinIO_SecretKey:  getenv("MINIO_SECRET_KEY", ""),
		MinIO_UseSSL:     getenvBool("MINIO_USE_SSL", false),
		MinIO_BucketName: getenv("MINIO_BUCKET_NAME", "execution-artifacts"),

		WebhookTimeout:        getenvDuration("WEBHOOK_TIMEOUT", 2*time.Minute),
		WebhookTimeoutOffline: getenvDuration("WEBHOOK_TIMEOUT_OFFLINE", 30*time.Second),
		PollInterval:          getenvDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:       getenvInt("POLL_MAX_ATTEMPTS", 150),
	}

	return cfg, nil
}

// HasCIProvider reports whether an explicit CI repository is configured.
// Without one, a run can only resolve via the push channel or simulation.
func (c *Config) HasCIProvider() bool {
	return c.GitHub_Owner != "" && c.GitHub_Repo != ""
}

func splitRepository(s string) (owner, repo string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
