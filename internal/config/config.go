// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the chat server.
type Config struct {
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	TrustedProxies    []netip.Prefix

	DatabaseURL   string
	RunMigrations bool
	RedisAddr     string
	NATSURL       string
	ServerName    string

	MatchServiceURL   string
	BlockServiceURL   string
	BlockListDisabled bool // must be set to run without a block-list service
	ServiceTimeout    time.Duration
	ServiceToken      string

	JWTSecret      string
	InternalSecret string

	LogLevel  string
	LogFormat string
	LogFile   string

	ReportBanThreshold int
	MessagesPerMinute  int
	MessagesPerHour    int
	APIPerMinute       int

	// Warnings lists malformed values that were ignored in favor of defaults.
	Warnings []string
}

// ErrBlockListUnset is returned by Validate when no block-list service is
// configured and the block-list check was not explicitly disabled.
var ErrBlockListUnset = errors.New("config: BLOCK_SERVICE_URL is not set; set BLOCKLIST_DISABLED=true to run without block-list checks")

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		WorkerPoolSize:     256,
		MaxConnections:     100_000,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		IdleTimeout:        30 * time.Second,
		RunMigrations:      true,
		ServiceTimeout:     3 * time.Second,
		LogLevel:           "info",
		LogFormat:          "console",
		ReportBanThreshold: 3,
		MessagesPerMinute:  10,
		MessagesPerHour:    100,
		APIPerMinute:       20,
	}
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) Config {
	c := Default()
	r := reader{lookup: lookup}

	r.str("LISTEN_ADDR", &c.ListenAddr)
	r.positive("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	r.positive("MAX_CONNECTIONS", &c.MaxConnections)
	r.duration("READ_TIMEOUT", &c.ReadTimeout)
	r.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	r.duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	r.duration("IDLE_TIMEOUT", &c.IdleTimeout)
	r.prefixes("TRUSTED_PROXIES", &c.TrustedProxies)

	r.str("DATABASE_URL", &c.DatabaseURL)
	r.boolean("RUN_MIGRATIONS", &c.RunMigrations)
	r.str("REDIS_ADDR", &c.RedisAddr)
	r.str("NATS_URL", &c.NATSURL)
	r.str("SERVER_NAME", &c.ServerName)

	r.str("MATCH_SERVICE_URL", &c.MatchServiceURL)
	r.str("BLOCK_SERVICE_URL", &c.BlockServiceURL)
	r.boolean("BLOCKLIST_DISABLED", &c.BlockListDisabled)
	r.duration("SERVICE_TIMEOUT", &c.ServiceTimeout)
	r.str("SERVICE_TOKEN", &c.ServiceToken)

	r.str("JWT_SECRET", &c.JWTSecret)
	r.str("INTERNAL_SECRET", &c.InternalSecret)

	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.str("LOG_FILE", &c.LogFile)

	r.positive("REPORT_BAN_THRESHOLD", &c.ReportBanThreshold)
	r.positive("MESSAGES_PER_MINUTE", &c.MessagesPerMinute)
	r.positive("MESSAGES_PER_HOUR", &c.MessagesPerHour)
	r.positive("API_PER_MINUTE", &c.APIPerMinute)

	if c.ServerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.ServerName = host
		} else {
			c.ServerName = "chat-1"
		}
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		r.warn("IDLE_TIMEOUT %s must exceed HEARTBEAT_INTERVAL %s, using %s",
			c.IdleTimeout, c.HeartbeatInterval, 2*c.HeartbeatInterval)
		c.IdleTimeout = 2 * c.HeartbeatInterval
	}
	if c.JWTSecret == "" {
		r.warn("JWT_SECRET is not set, every connection will be rejected")
	}

	c.Warnings = r.warnings
	return c
}

// Validate reports settings the server must not start with.
func (c Config) Validate() error {
	if c.BlockServiceURL == "" && !c.BlockListDisabled {
		return ErrBlockListUnset
	}
	return nil
}

type reader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *reader) warn(format string, args ...interface{}) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) positive(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.warn("%s=%q is not a positive integer, using %d", key, v, *dst)
		return
	}
	*dst = n
}

func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.warn("%s=%q is not a positive duration, using %s", key, v, *dst)
		return
	}
	*dst = d
}

func (r *reader) boolean(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.warn("%s=%q is not a boolean, using %t", key, v, *dst)
		return
	}
	*dst = b
}

// prefixes reads a comma separated list of CIDRs or bare addresses. Malformed
// entries are skipped with a warning.
func (r *reader) prefixes(key string, dst *[]netip.Prefix) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	var out []netip.Prefix
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(item); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		r.warn("%s entry %q is not an address or CIDR, skipping", key, item)
	}
	*dst = out
}
