package retry

import (
	"time"

	"github.com/niels/reqpanel/pkg/config"
)

// FromConfig creates retry options from the retry section of the configuration.
// The caller supplies which errors count as transient.
func FromConfig(cfg config.RetryConfig, isRetryable IsRetryableFunc) Options {
	if !cfg.Enabled {
		return Options{MaxRetries: 0}
	}

	return Options{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  time.Duration(cfg.InitialDelay) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.MaxDelay) * time.Millisecond,
		BackoffFactor: cfg.BackoffFactor,
		JitterFactor:  cfg.JitterFactor,
		IsRetryable:   isRetryable,
	}
}
