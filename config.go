package doclease

import (
	"fmt"
	"strings"
	"time"

	"github.com/docuvault/doclease/internal/storage"
	"github.com/docuvault/doclease/internal/storage/memory"
	"github.com/docuvault/doclease/internal/storage/sqlite"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9341"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape endpoint.
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory backend when no store
	// URL is provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL is the baseline lease duration handed to new acquirers.
	DefaultLeaseTTL = 30 * time.Minute
	// DefaultMaxLeaseTTL is the hard ceiling enforced on caller-supplied TTLs.
	DefaultMaxLeaseTTL = 8 * time.Hour
	// DefaultSweeperInterval sets the tick frequency for expiry sweeps.
	DefaultSweeperInterval = time.Minute
	// DefaultShutdownTimeout caps the total graceful shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultInboxLimit caps notification listings per recipient.
	DefaultInboxLimit = 50
	// DefaultStorageRetryMaxAttempts describes how many transient storage
	// errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config describes a doclease server instance.
type Config struct {
	// Listen is the address the HTTP API binds to.
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string
	// Store selects the storage backend: "mem://" or "sqlite:///path/to.db".
	Store string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// DefaultTTL is the lease duration applied when the caller sends none.
	DefaultTTL time.Duration
	// MaxTTL caps caller-supplied lease durations.
	MaxTTL time.Duration
	// SweeperInterval controls how often expired leases are swept. Zero
	// selects the default; negative disables the sweeper.
	SweeperInterval time.Duration
	// InboxLimit caps notification listings per recipient.
	InboxLimit int
	// RetryMaxAttempts bounds transient storage error retries.
	RetryMaxAttempts int
	// RetryBaseDelay is the initial backoff between storage retries.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff between storage retries.
	RetryMaxDelay time.Duration
	// RetryMultiplier is the exponential backoff ratio.
	RetryMultiplier float64
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultLeaseTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultMaxLeaseTTL
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.InboxLimit <= 0 {
		c.InboxLimit = DefaultInboxLimit
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultStorageRetryMultiplier
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	c.Normalize()
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("config: max ttl %s below default ttl %s", c.MaxTTL, c.DefaultTTL)
	}
	if _, _, err := parseStoreURL(c.Store); err != nil {
		return err
	}
	return nil
}

// openBackend constructs the storage backend selected by the Store URL.
func openBackend(storeURL string) (storage.Backend, error) {
	scheme, path, err := parseStoreURL(storeURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "mem":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(path)
	}
	return nil, fmt.Errorf("config: unsupported store scheme %q", scheme)
}

func parseStoreURL(storeURL string) (scheme, path string, err error) {
	trimmed := strings.TrimSpace(storeURL)
	switch {
	case trimmed == "mem://":
		return "mem", "", nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		path = strings.TrimPrefix(trimmed, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("config: sqlite store requires a path, e.g. sqlite:///var/lib/doclease/doclease.db")
		}
		return "sqlite", path, nil
	}
	return "", "", fmt.Errorf("config: unsupported store url %q (want mem:// or sqlite://<path>)", storeURL)
}
