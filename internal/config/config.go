package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lalithlochan/bulletin/internal/job"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// MailTransport is "ses" or "log"
	MailTransport string

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack override, empty in production
	SESFromEmail string
	SESReplyTo   string
	SQSQueueURL  string
	SNSTopicARN  string

	// Tracking
	TrackingBaseURL   string
	TrackingSecret    string
	TrackingQueueSize int
	TrackingWorkers   int

	// Send defaults, applied to settings a job leaves empty
	SendAttemptTimeout time.Duration
	SendMaxAttempts    int
	SendMaxBackoff     time.Duration
	SendConcurrency    int
	SendPacing         time.Duration
	RetryChunkSizes    []int

	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "bulletin",
		DBName:    "bulletin",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		MailTransport: "ses",

		AWSRegion:    "us-east-1",
		SESFromEmail: "newsletter@bulletin.local",

		TrackingBaseURL:   "http://localhost:8080",
		TrackingQueueSize: 1024,
		TrackingWorkers:   4,

		SendAttemptTimeout: 60 * time.Second,
		SendMaxAttempts:    3,
		SendMaxBackoff:     10 * time.Second,
		SendConcurrency:    5,
		SendPacing:         100 * time.Millisecond,
		RetryChunkSizes:    []int{10, 5, 1},

		RateLimitPerMinute: 600,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if transport := os.Getenv("MAIL_TRANSPORT"); transport != "" {
		if transport != "ses" && transport != "log" {
			return nil, fmt.Errorf("invalid MAIL_TRANSPORT %q: must be ses or log", transport)
		}
		cfg.MailTransport = transport
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.SESReplyTo = os.Getenv("SES_REPLY_TO")
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")

	if url := os.Getenv("TRACKING_BASE_URL"); url != "" {
		cfg.TrackingBaseURL = strings.TrimRight(url, "/")
	}
	cfg.TrackingSecret = os.Getenv("TRACKING_SECRET")

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"TRACKING_QUEUE_SIZE", &cfg.TrackingQueueSize},
		{"TRACKING_WORKERS", &cfg.TrackingWorkers},
		{"SEND_MAX_ATTEMPTS", &cfg.SendMaxAttempts},
		{"SEND_CONCURRENCY", &cfg.SendConcurrency},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
	}
	for _, v := range ints {
		if err := intEnv(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"SEND_ATTEMPT_TIMEOUT_SEC", time.Second, &cfg.SendAttemptTimeout},
		{"SEND_MAX_BACKOFF_SEC", time.Second, &cfg.SendMaxBackoff},
		{"SEND_PACING_MS", time.Millisecond, &cfg.SendPacing},
	}
	for _, v := range durations {
		var n int
		if err := intEnv(v.key, &n); err != nil {
			return nil, err
		}
		if os.Getenv(v.key) != "" {
			*v.dst = time.Duration(n) * v.unit
		}
	}

	if sizes := os.Getenv("RETRY_CHUNK_SIZES"); sizes != "" {
		parsed, err := parseSizes(sizes)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_CHUNK_SIZES: %w", err)
		}
		cfg.RetryChunkSizes = parsed
	}

	return cfg, nil
}

// DefaultSettings are the send defaults as job settings.
func (c *Config) DefaultSettings() job.Settings {
	return job.Settings{
		AttemptTimeoutMS: int(c.SendAttemptTimeout / time.Millisecond),
		MaxAttempts:      c.SendMaxAttempts,
		MaxBackoffMS:     int(c.SendMaxBackoff / time.Millisecond),
		Concurrency:      c.SendConcurrency,
		PacingMS:         int(c.SendPacing / time.Millisecond),
		RetryChunkSizes:  append([]int(nil), c.RetryChunkSizes...),
	}
}

func intEnv(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func parseSizes(raw string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}
