package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // dead-lettered webhook deliveries
	EventsTopic    string // terminal task events for external consumers
	PublishDLQ     bool   // whether to publish dead letters to the DLQ topic
}

type Worker struct {
	PollInterval        time.Duration // task claim poll cadence
	MaxConcurrent       int           // global in-flight task ceiling
	TenantMaxConcurrent int           // per-tenant in-flight ceiling
	ClaimBatchSize      int           // candidates fetched per poll
	TaskTimeout         time.Duration // handed to managed processors
	ShutdownGrace       time.Duration // wait for in-flight dispatches on stop
	HTTPPort            string        // worker metrics/health port
}

type Webhook struct {
	MaxAttempts int             // delivery attempts before DLQ
	RetryDelays []time.Duration // schedule indexed by attempt-1
	Timeout     time.Duration   // per-request HTTP timeout
	UserAgent   string
}

type Auth struct {
	PublicKeyPEM string // RSA public key for JWT verification
	JWKSURL      string // optional JWKS endpoint, used when PEM is empty
	Issuer       string
	Audience     string
	Disabled     bool // local dev only
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	DB       DB
	NSQ      NSQ
	Worker   Worker
	Webhook  Webhook
	Auth     Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// defaultRetryDelays is the webhook retry schedule: 30s, 2m, 5m, 15m, 1h.
// The schedule is part of the delivery contract; changing it changes when
// external endpoints see redeliveries.
func defaultRetryDelays() []time.Duration {
	return []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
	}
}

func parseRetryDelays(schedule string) []time.Duration {
	if schedule == "" {
		return defaultRetryDelays()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return defaultRetryDelays()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "sly"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "sly"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "task_events"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Worker: Worker{
			PollInterval:        getenvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			MaxConcurrent:       getenvInt("WORKER_MAX_CONCURRENT", 5),
			TenantMaxConcurrent: getenvInt("WORKER_TENANT_MAX_CONCURRENT", 3),
			ClaimBatchSize:      getenvInt("WORKER_CLAIM_BATCH_SIZE", 5),
			TaskTimeout:         getenvDuration("WORKER_TASK_TIMEOUT", 5*time.Minute),
			ShutdownGrace:       getenvDuration("WORKER_SHUTDOWN_GRACE", 30*time.Second),
			HTTPPort:            ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Webhook: Webhook{
			MaxAttempts: getenvInt("WEBHOOK_MAX_ATTEMPTS", 5),
			RetryDelays: parseRetryDelays(getenv("WEBHOOK_RETRY_SCHEDULE", "")),
			Timeout:     getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
			UserAgent:   getenv("WEBHOOK_USER_AGENT", "Sly-Webhook/1.0"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "sly"),
			Audience:     getenv("JWT_AUDIENCE", "sly-api"),
			Disabled:     getenvBool("AUTH_DISABLED", false),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
