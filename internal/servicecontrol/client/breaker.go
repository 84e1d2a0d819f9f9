package client

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/metrics"
	"github.com/wudi/scgate/internal/servicecontrol"
)

// BreakerOptions configures the circuit breaker around Check.
type BreakerOptions struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	Metrics     *metrics.Collector
}

// BreakerClient fails Check calls fast while the policy backend is down.
// Report calls pass straight through.
type BreakerClient struct {
	Client
	service string
	cb      *gobreaker.CircuitBreaker[[]byte]
}

// WithBreaker wraps c. With MaxFailures zero it returns c unchanged.
func WithBreaker(c Client, service string, opts BreakerOptions) Client {
	if opts.MaxFailures == 0 {
		return c
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	m := opts.Metrics
	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("policy backend circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetCircuitBreakerState(name, int(to))
		},
	}
	return &BreakerClient{
		Client:  c,
		service: service,
		cb:      gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// Check implements Client.
func (b *BreakerClient) Check(ctx context.Context, token string, req *servicecontrol.CheckRequest) ([]byte, error) {
	body, err := b.cb.Execute(func() ([]byte, error) {
		return b.Client.Check(ctx, token, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &gwerrors.CheckTransportError{Err: err}
	}
	return body, err
}

// State returns the breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}
