package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryFunc is a function that can be retried
type RetryFunc func() error

// IsRetryableFunc is a function that determines if an error is retryable
type IsRetryableFunc func(error) bool

// Options configures the retry behavior
type Options struct {
	// MaxRetries is the maximum number of retry attempts (not including the initial attempt)
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// BackoffFactor is the factor by which the delay increases after each retry
	BackoffFactor float64

	// JitterFactor adds randomness to the delay (0.0 = no jitter, 1.0 = 100% jitter)
	JitterFactor float64

	// IsRetryable decides whether an error is worth another attempt.
	// A nil function treats every error as final.
	IsRetryable IsRetryableFunc

	// OnRetry is called before each wait
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do executes fn, retrying retryable errors with exponential backoff.
// It returns the last error, or ctx.Err() if the context ends during a wait.
func Do(ctx context.Context, fn RetryFunc, opts Options) error {
	var delay time.Duration
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if opts.IsRetryable == nil || !opts.IsRetryable(err) || attempt >= opts.MaxRetries {
			return err
		}

		delay = nextDelay(attempt, delay, opts)
		if opts.JitterFactor > 0 {
			jitter := float64(delay) * opts.JitterFactor
			delay = time.Duration(float64(delay) + (rnd.Float64()*jitter*2 - jitter))
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextDelay computes the backoff delay before retry number attempt+1
func nextDelay(attempt int, prev time.Duration, opts Options) time.Duration {
	if attempt == 0 {
		return opts.InitialDelay
	}
	delay := time.Duration(float64(prev) * opts.BackoffFactor)
	if opts.MaxDelay > 0 && delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}
