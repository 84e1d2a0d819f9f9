package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/wudi/scgate/internal/config"
)

// NewTransport builds the backend transport. Zero fields fall back to
// config.DefaultConfig values.
func NewTransport(cfg config.UpstreamConfig) *http.Transport {
	cfg = config.MergeNonZero(config.DefaultConfig().Upstream, cfg)
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
}
