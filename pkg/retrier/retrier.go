// Package retrier implements exponential backoff with jitter for transient
// provider errors.
package retrier

import (
	"context"
	"math/rand"
	"time"
)

// Config tunes a Retrier. Zero values fall back to the defaults.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	Jitter          float64
}

// Retrier retries a function with exponentially growing pauses.
type Retrier struct {
	cfg Config
}

// New creates a Retrier from cfg, filling unset fields with defaults.
func New(cfg Config) *Retrier {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 15 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.1
	}
	return &Retrier{cfg: cfg}
}

// Do runs fn until it succeeds, the retry budget is exhausted, or ctx is
// cancelled. The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	interval := r.cfg.InitialInterval

	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := interval + time.Duration((rand.Float64()*2-1)*r.cfg.Jitter*float64(interval))
			if sleep < 0 {
				sleep = 0
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			interval = time.Duration(float64(interval) * r.cfg.Multiplier)
			if interval > r.cfg.MaxInterval {
				interval = r.cfg.MaxInterval
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
	}

	return err
}

// DoWithData runs fn with retries and returns its value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
