package bootloader

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the programmer configuration.
type Config struct {
	Logger *zap.Logger

	// EnterDelay is the pause after Enter while the application jumps to the bootloader
	EnterDelay time.Duration

	// PingTimeout bounds each ping attempt
	PingTimeout    time.Duration
	PingRetries    int
	PingRetryDelay time.Duration

	// BeginTimeout covers both Begin responses (erase started, erase done)
	BeginTimeout time.Duration
	EndTimeout   time.Duration
	QueryTimeout time.Duration

	// ChunkDelay paces Data frames so the device's receive buffer keeps up
	ChunkDelay time.Duration

	// SendRetries is the number of retries after a failed local send; the
	// backoff doubles from SendBackoff on each retry.
	SendRetries int
	SendBackoff time.Duration

	// MaxResumes bounds sequence-mismatch rewinds within one update
	MaxResumes int

	// ResumeSettle is the quiet period that ends a burst of mismatch reports
	// before rewinding. The same period is held after the last chunk so late
	// reports are seen before End. It must exceed the adapter round trip.
	ResumeSettle time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger:         zap.NewNop(),
		EnterDelay:     500 * time.Millisecond,
		PingTimeout:    2 * time.Second,
		PingRetries:    3,
		PingRetryDelay: 500 * time.Millisecond,
		BeginTimeout:   10 * time.Second,
		EndTimeout:     10 * time.Second,
		QueryTimeout:   2 * time.Second,
		ChunkDelay:     2 * time.Millisecond,
		SendRetries:    3,
		SendBackoff:    50 * time.Millisecond,
		MaxResumes:     16,
		ResumeSettle:   20 * time.Millisecond,
	}
}

// Option is a functional option for configuring the Programmer.
type Option func(*Config)

// WithLogger sets the logger; the programmer logs under the "bootloader" name.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

// WithEnterDelay sets the pause after the Enter command.
func WithEnterDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.EnterDelay = d
		}
	}
}

// WithPing sets the per-attempt ping timeout, the number of attempts and the
// delay between attempts.
//
// Example:
//
//	prog := bootloader.New(t, r, bootloader.WithPing(time.Second, 5, 250*time.Millisecond))
func WithPing(timeout time.Duration, attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.PingTimeout = timeout
		}
		if attempts > 0 {
			c.PingRetries = attempts
		}
		if delay >= 0 {
			c.PingRetryDelay = delay
		}
	}
}

// WithBeginTimeout sets the window for both Begin responses.
func WithBeginTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.BeginTimeout = d
		}
	}
}

// WithEndTimeout sets the End response timeout.
func WithEndTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EndTimeout = d
		}
	}
}

// WithQueryTimeout sets the QueryInfo response timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.QueryTimeout = d
		}
	}
}

// WithChunkDelay sets the pause after each Data frame.
func WithChunkDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.ChunkDelay = d
		}
	}
}

// WithSendRetries sets how often a failed local send is retried and the
// initial backoff.
func WithSendRetries(retries int, backoff time.Duration) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.SendRetries = retries
		}
		if backoff >= 0 {
			c.SendBackoff = backoff
		}
	}
}

// WithMaxResumes bounds how many sequence-mismatch rewinds one update tolerates.
func WithMaxResumes(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxResumes = n
		}
	}
}

// WithResumeSettle sets the quiet period used to collect in-flight mismatch
// reports before a rewind and after the last chunk.
func WithResumeSettle(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.ResumeSettle = d
		}
	}
}
