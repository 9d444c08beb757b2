package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration populated from environment variables.
type Config struct {
	// Core
	GatewayPort int
	GatewayEnv  string // "development" or "production"

	// Scylla
	ScyllaHosts    []string
	ScyllaUser     string
	ScyllaPassword string
	ScyllaKeyspace string

	// Kafka
	KafkaHosts []string
	KafkaGroup string

	// Valkey
	ValkeyURL string

	// Sentry
	SentryDSN string

	// Protocol tunables
	CommandRateLimit int           // advertised in the HELLO frame
	PingInterval     time.Duration // server-initiated WebSocket ping cadence
	PingTimeout      time.Duration // pong deadline before a resumable close
	ResumeGrace      time.Duration // how long a disconnected session stays resumable
	PendingQueueCap  int           // per-session pre-ready / grace buffer size
	SendBufferSize   int           // per-session outbound frame buffer
	IdentifyTimeout  time.Duration // how long a connection may sit unidentified

	// Session quota
	SessionQuota    int           // identifies allowed per user per quota window
	SessionQuotaTTL time.Duration // quota record lifetime
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if a required value is missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		GatewayPort: p.int("GATEWAY_PORT", 6000),
		GatewayEnv:  envStr("GATEWAY_ENV", "production"),

		ScyllaHosts:    envHosts("SCYLLA_HOSTS"),
		ScyllaUser:     envStr("SCYLLA_USER", ""),
		ScyllaPassword: envStr("SCYLLA_PASSWORD", ""),
		ScyllaKeyspace: envStr("SCYLLA_KEYSPACE", "discend"),

		KafkaHosts: envHosts("KAFKA_HOSTS"),
		KafkaGroup: envStr("KAFKA_GROUP", "discend-gateway"),

		ValkeyURL: envStr("VALKEY_URL", "valkey://valkey:6379/0"),

		SentryDSN: envStr("SENTRY_DSN", ""),

		CommandRateLimit: p.int("GATEWAY_COMMAND_RATE_LIMIT", 60),
		PingInterval:     p.duration("GATEWAY_PING_INTERVAL", 32*time.Second),
		PingTimeout:      p.duration("GATEWAY_PING_TIMEOUT", 32*time.Second),
		ResumeGrace:      p.duration("GATEWAY_RESUME_GRACE", 60*time.Second),
		PendingQueueCap:  p.int("GATEWAY_PENDING_QUEUE_CAP", 1024),
		SendBufferSize:   p.int("GATEWAY_SEND_BUFFER_SIZE", 256),
		IdentifyTimeout:  p.duration("GATEWAY_IDENTIFY_TIMEOUT", 30*time.Second),

		SessionQuota:    p.int("GATEWAY_SESSION_QUOTA", 1000),
		SessionQuotaTTL: p.duration("GATEWAY_SESSION_QUOTA_TTL", 12*time.Hour),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.GatewayEnv == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.GatewayPort < 1 || c.GatewayPort > 65535 {
		errs = append(errs, fmt.Errorf("GATEWAY_PORT must be between 1 and 65535"))
	}

	if len(c.ScyllaHosts) == 0 {
		errs = append(errs, fmt.Errorf("SCYLLA_HOSTS is required"))
	}
	if len(c.KafkaHosts) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_HOSTS is required"))
	}

	if c.CommandRateLimit < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_COMMAND_RATE_LIMIT must be at least 1"))
	}
	if c.PingInterval < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_PING_INTERVAL must be at least 1s"))
	}
	if c.PingTimeout < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_PING_TIMEOUT must be at least 1s"))
	}
	if c.ResumeGrace < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_RESUME_GRACE must be at least 1s"))
	}
	if c.PendingQueueCap < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_PENDING_QUEUE_CAP must be at least 1"))
	}
	if c.SendBufferSize < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_SEND_BUFFER_SIZE must be at least 1"))
	}
	if c.IdentifyTimeout < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_IDENTIFY_TIMEOUT must be at least 1s"))
	}
	if c.SessionQuota < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_SESSION_QUOTA must be at least 1"))
	}
	if c.SessionQuotaTTL < time.Minute {
		errs = append(errs, fmt.Errorf("GATEWAY_SESSION_QUOTA_TTL must be at least 1m"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"60s\" or \"12h\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envHosts splits a comma-separated host list, trimming whitespace and dropping empty entries.
func envHosts(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(v, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
