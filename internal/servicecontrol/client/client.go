// Package client talks to the policy backend that answers Check and accepts
// Report calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/servicecontrol"
)

// MaxResponseBytes caps how much of a policy backend response is read.
const MaxResponseBytes = 1 << 20

// ErrResponseTooLarge is returned for a Check response over MaxResponseBytes.
var ErrResponseTooLarge = fmt.Errorf("policy backend response exceeds %d bytes", MaxResponseBytes)

// Client dispatches Check and Report calls for one service.
type Client interface {
	// Check returns the raw Check response body.
	Check(ctx context.Context, token string, req *servicecontrol.CheckRequest) ([]byte, error)
	Report(ctx context.Context, token string, req *servicecontrol.ReportRequest) error
	Close() error
}

// Options configures a transport.
type Options struct {
	// Timeout bounds a single call when the caller's context has no deadline.
	Timeout time.Duration
}

// New returns the transport for uri: grpc:// selects gRPC, anything else is
// treated as an HTTP base URL.
func New(uri string, opts Options) (Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	switch {
	case strings.HasPrefix(uri, "grpc://"):
		return NewGRPC(strings.TrimPrefix(uri, "grpc://"), opts)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewHTTP(uri, opts), nil
	default:
		return nil, fmt.Errorf("unsupported service control uri %q", uri)
	}
}

// Retryable reports whether a failed Check attempt may be tried again. An
// open breaker, an oversized response and 4xx answers other than 408 and 429
// fail fast.
func Retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var te *gwerrors.CheckTransportError
	if errors.As(err, &te) && te.Status >= 400 && te.Status < 500 {
		return te.Status == http.StatusRequestTimeout || te.Status == http.StatusTooManyRequests
	}
	return true
}
