package realtime

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds realtime multiplexer configuration.
type Config struct {
	// Reconnect backoff: BackoffBase * 2^n clamped to BackoffMax, plus
	// up to 25% jitter.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts is the number of consecutive failures after which a
	// channel stops retrying and closes.
	MaxAttempts int

	// GracePeriod delays teardown of a channel whose last subscriber left,
	// so an unsubscribe immediately followed by a resubscribe reuses it.
	GracePeriod time.Duration

	// OpenTimeout bounds a single connection open attempt.
	OpenTimeout time.Duration

	// QueueSize is the per-subscriber delivery queue length.
	QueueSize int

	// JitterSeed makes jitter deterministic when non-zero.
	JitterSeed int64
}

// Environment variables read by ApplyEnv.
const (
	EnvBackoffBase = "BUILDBOARD_REALTIME_BACKOFF_BASE"
	EnvBackoffMax  = "BUILDBOARD_REALTIME_BACKOFF_MAX"
	EnvMaxAttempts = "BUILDBOARD_REALTIME_MAX_ATTEMPTS"
	EnvGracePeriod = "BUILDBOARD_REALTIME_GRACE_PERIOD"
	EnvOpenTimeout = "BUILDBOARD_REALTIME_OPEN_TIMEOUT"
	EnvQueueSize   = "BUILDBOARD_REALTIME_QUEUE_SIZE"
)

// DefaultConfig returns the default realtime configuration.
func DefaultConfig() Config {
	return Config{
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		MaxAttempts: 10,
		GracePeriod: 300 * time.Millisecond,
		OpenTimeout: 10 * time.Second,
		QueueSize:   256,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max %s is below backoff base %s", c.BackoffMax, c.BackoffBase)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %s", c.OpenTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. Unset variables
// leave the current value alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvBackoffBase, &c.BackoffBase},
		{EnvBackoffMax, &c.BackoffMax},
		{EnvGracePeriod, &c.GracePeriod},
		{EnvOpenTimeout, &c.OpenTimeout},
	}
	for _, d := range durations {
		v := getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxAttempts, &c.MaxAttempts},
		{EnvQueueSize, &c.QueueSize},
	}
	for _, i := range ints {
		v := getenv(i.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.name, err)
		}
		*i.dst = parsed
	}
	return nil
}

func (c Config) backoff() BackoffPolicy {
	return BackoffPolicy{Base: c.BackoffBase, Max: c.BackoffMax}
}
