// Package retry wraps a single logical store operation in a retry loop.
//
// The store, not the caller, decides which failures are safe to retry.
// Do hands every failure to a Classifier (typically the store's OnError):
// a nil result means the classifier has imposed whatever delay it wants
// and the operation runs again; a non-nil result ends the loop.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrAttemptsExhausted is returned, wrapping the last failure, when the
// attempt bound is reached.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Classifier decides whether err may be retried. Do passes the failed
// attempt number in ctx; see Attempt.
type Classifier func(ctx context.Context, err error) error

type attemptKey struct{}

// Attempt returns the failed attempt number (starting at 1) that Do is
// classifying, or 1 outside a classifier call.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

// Op is one attempt of a logical operation.
type Op func(ctx context.Context) error

type options struct {
	maxAttempts int
	onRetry     func(attempt int, err error)
}

// Option configures Do.
type Option func(*options)

// WithMaxAttempts bounds the number of attempts. Zero means unbounded.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithOnRetry registers a hook called before each retry with the failed
// attempt number (starting at 1) and its error.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do runs op until it succeeds, the classifier rejects a failure, the
// attempt bound is reached, or ctx is done.
func Do(ctx context.Context, classify Classifier, op Op, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if o.maxAttempts > 0 && attempt >= o.maxAttempts {
			return errors.Join(ErrAttemptsExhausted, err)
		}

		// The classifier sees the failure even when ctx has ended, so a
		// fatal error is not masked by the cancellation it raced with.
		if cerr := classify(context.WithValue(ctx, attemptKey{}, attempt), err); cerr != nil {
			return cerr
		}

		if o.onRetry != nil {
			o.onRetry(attempt, err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff produces capped exponential delays with jitter.
// It is safe for concurrent use.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay that is randomized (0.0-1.0).
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultBackoff returns the delay policy used by the stores.
func DefaultBackoff() *Backoff {
	return NewBackoff(10*time.Millisecond, time.Second, 2, 0.5, 1)
}

// NewBackoff creates a Backoff seeded with seed.
func NewBackoff(initial, maxDelay time.Duration, multiplier, jitter float64, seed int64) *Backoff {
	return &Backoff{
		Initial:    initial,
		Max:        maxDelay,
		Multiplier: multiplier,
		Jitter:     jitter,
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the delay before retry number attempt (starting at 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt && (b.Max == 0 || d < float64(b.Max)); i++ {
		d *= b.Multiplier
	}
	if limit := float64(b.Max); b.Max > 0 && d > limit {
		d = limit
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		r := b.rnd.Float64()
		b.mu.Unlock()
		d = d*(1-b.Jitter) + d*b.Jitter*r
	}
	return time.Duration(d)
}
