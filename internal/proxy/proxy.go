// Package proxy forwards allowed requests to the upstream backend.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/config"
	"github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/middleware"
	"github.com/wudi/scgate/internal/tracing"
)

// Config holds proxy configuration
type Config struct {
	Transport http.RoundTripper
	// FlushInterval is passed to the reverse proxy. Negative flushes after
	// every write.
	FlushInterval time.Duration
}

// Proxy forwards requests to one upstream.
type Proxy struct {
	target  *url.URL
	reverse *httputil.ReverseProxy
}

// New creates a proxy for backend.
func New(backend string, cfg Config) (*Proxy, error) {
	target, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", backend, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host are required", backend)
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(config.UpstreamConfig{})
	}

	p := &Proxy{target: target}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		Transport:     cfg.Transport,
		FlushInterval: cfg.FlushInterval,
		ErrorHandler:  p.errorHandler,
	}
	return p, nil
}

// Target returns the upstream URL.
func (p *Proxy) Target() *url.URL {
	return p.target
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host
	tracing.InjectHeaders(pr.Out.Context(), pr.Out.Header)
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() == context.Canceled {
		return
	}
	requestID := middleware.RequestIDFromContext(r.Context())
	logging.Warn("upstream request failed",
		zap.String("request_id", requestID),
		zap.String("upstream", p.target.Host),
		zap.Error(err),
	)
	errors.Wrap(err, http.StatusBadGateway, errors.ErrBadGateway.Message).
		WithRequestID(requestID).
		WriteJSON(w)
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.reverse.ServeHTTP(w, r)
}
