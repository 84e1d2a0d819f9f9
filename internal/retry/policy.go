package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy runs an operation with a per-attempt timeout and exponential
// backoff between attempts.
type Policy struct {
	MaxRetries        int
	PerTryTimeout     time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Retryable decides whether an attempt error is worth another try.
	// Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each retried attempt.
	OnRetry func(attempt int, err error)
	Metrics *Metrics
}

// Metrics tracks retry statistics for a policy.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Result describes how many attempts one Do call took.
type Result struct {
	Attempts int
	Retries  int
}

// NewPolicy returns a policy with defaults applied. A Policy is safe for
// concurrent Do calls as long as its fields are not changed afterwards.
func NewPolicy(maxRetries int, perTryTimeout, initialBackoff, maxBackoff time.Duration) *Policy {
	p := &Policy{
		MaxRetries:     maxRetries,
		PerTryTimeout:  perTryTimeout,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
		Metrics:        &Metrics{},
	}
	p.applyDefaults()
	return p
}

func (p *Policy) applyDefaults() {
	p.InitialBackoff, p.MaxBackoff, p.BackoffMultiplier = p.backoffSettings()
	if p.Metrics == nil {
		p.Metrics = &Metrics{}
	}
}

// backoffSettings returns the backoff fields with defaults filled in,
// without writing to p.
func (p *Policy) backoffSettings() (initial, ceiling time.Duration, multiplier float64) {
	initial, ceiling, multiplier = p.InitialBackoff, p.MaxBackoff, p.BackoffMultiplier
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return initial, ceiling, multiplier
}

// untracked absorbs counts for policies built without NewPolicy.
var untracked Metrics

func (p *Policy) metrics() *Metrics {
	if p.Metrics == nil {
		return &untracked
	}
	return p.Metrics
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the retry budget
// is spent, or ctx ends. Each attempt gets its own context bounded by
// PerTryTimeout. The returned error is the last attempt's error, unwrapped
// from Permanent.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (Result, error) {
	m := p.metrics()
	m.Requests.Add(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval, bo.MaxInterval, bo.Multiplier = p.backoffSettings()
	bo.MaxElapsedTime = 0

	var res Result
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			res.Retries++
			m.Retries.Add(1)

			timer := time.NewTimer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				m.Failures.Add(1)
				return res, ctx.Err()
			case <-timer.C:
			}
		}

		res.Attempts++
		err := p.attempt(ctx, fn)
		if err == nil {
			m.Successes.Add(1)
			return res, nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			m.Failures.Add(1)
			return res, perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			break
		}
	}

	m.Failures.Add(1)
	return res, lastErr
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.PerTryTimeout <= 0 {
		return fn(ctx)
	}
	tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
	defer cancel()
	return fn(tryCtx)
}
