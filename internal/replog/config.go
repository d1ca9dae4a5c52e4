package replog

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// RPCTimeout is the maximum time to wait for a single AppendEntries attempt. An expired attempt is a transport
	// error and is retried with backoff, never treated as a log rejection.
	RPCTimeout = 500 * time.Millisecond

	// RetryBackoffBase is the first backoff interval after a transport failure. It doubles with every consecutive
	// failure.
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the exponential backoff.
	MaxRetryBackoff = 1 * time.Second

	// HeartbeatInterval is the period of the replication loop's retry timer. A caught-up follower receives an empty
	// AppendEntries carrying the current commit index at this rate.
	HeartbeatInterval = 50 * time.Millisecond

	// MaxBatchSize caps the number of entries in a single AppendEntries request.
	MaxBatchSize = 256

	// WorkQueueSize is the capacity of the LogManager's work queue.
	WorkQueueSize = 1024
)

// Config holds the tuning parameters shared by the leader, follower and manager. None of them is safety relevant.
type Config struct {
	// RPCTimeout bounds each Transport call
	RPCTimeout time.Duration
	// RetryBackoffBase and MaxRetryBackoff shape the bounded exponential backoff after transport errors
	RetryBackoffBase time.Duration
	MaxRetryBackoff  time.Duration
	// HeartbeatInterval is the period of the per-follower retry/heartbeat timer
	HeartbeatInterval time.Duration
	// MaxBatchSize caps entries per AppendEntries request
	MaxBatchSize int
	// BacktrackStep is how far nextIndex moves back on a log mismatch
	BacktrackStep LogIndex
	// WorkQueueSize is the capacity of the manager's bounded work queue
	WorkQueueSize int
	// Workers is the number of goroutines draining the work queue
	Workers int

	// Logger defaults to a no-op logger
	Logger *zap.Logger
	// Metrics is optional
	Metrics MetricsCollector
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		RPCTimeout:        RPCTimeout,
		RetryBackoffBase:  RetryBackoffBase,
		MaxRetryBackoff:   MaxRetryBackoff,
		HeartbeatInterval: HeartbeatInterval,
		MaxBatchSize:      MaxBatchSize,
		BacktrackStep:     1,
		WorkQueueSize:     WorkQueueSize,
		Workers:           4,
		Logger:            zap.NewNop(),
	}
}

// Validate checks the configuration and fills in a logger when none is set.
func (c *Config) Validate() error {
	switch {
	case c.RPCTimeout <= 0:
		return fmt.Errorf("%w: RPCTimeout must be positive", ErrInvalidConfig)
	case c.RetryBackoffBase <= 0:
		return fmt.Errorf("%w: RetryBackoffBase must be positive", ErrInvalidConfig)
	case c.MaxRetryBackoff < c.RetryBackoffBase:
		return fmt.Errorf("%w: MaxRetryBackoff must be >= RetryBackoffBase", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: HeartbeatInterval must be positive", ErrInvalidConfig)
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: MaxBatchSize must be positive", ErrInvalidConfig)
	case c.BacktrackStep == 0:
		return fmt.Errorf("%w: BacktrackStep must be at least 1", ErrInvalidConfig)
	case c.WorkQueueSize <= 0:
		return fmt.Errorf("%w: WorkQueueSize must be positive", ErrInvalidConfig)
	case c.Workers <= 0:
		return fmt.Errorf("%w: Workers must be positive", ErrInvalidConfig)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Backoff returns the wait before the next attempt after the given number of consecutive failures.
func (c *Config) Backoff(failures uint64) time.Duration {
	if failures == 0 {
		return 0
	}
	backoff := c.RetryBackoffBase
	for i := uint64(1); i < failures; i++ {
		backoff *= 2
		if backoff >= c.MaxRetryBackoff {
			return c.MaxRetryBackoff
		}
	}
	if backoff > c.MaxRetryBackoff {
		backoff = c.MaxRetryBackoff
	}
	return backoff
}

// QuorumSize is the strict majority of a participant set of size n.
func QuorumSize(n int) int {
	return n/2 + 1
}
