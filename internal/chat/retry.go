package chat

import "time"

// RetryConfig configures the bounded retry loop around generation
// attempts. Transient failures back off exponentially from InitialInterval
// up to MaxInterval.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the standard policy: three retries (four
// attempts total), one second base delay doubling up to ten seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}
