package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wudi/scgate/internal/pathmatcher"
)

// validHTTPMethods contains every method an operation may bind.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
	pathmatcher.AnyMethod: true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks cfg for errors. It returns the first problem found.
func Validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := validateURL("backend", cfg.Backend, "http", "https"); err != nil {
		return err
	}
	if cfg.Upstream.DialTimeout < 0 || cfg.Upstream.ResponseHeaderTimeout < 0 || cfg.Upstream.IdleConnTimeout < 0 {
		return fmt.Errorf("upstream: timeouts must not be negative")
	}
	if cfg.Upstream.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("upstream: max_idle_conns_per_host must not be negative")
	}
	switch cfg.UnmatchedRoute {
	case UnmatchedReject, UnmatchedPassThrough:
	default:
		return fmt.Errorf("unmatched_route must be %q or %q, got %q", UnmatchedReject, UnmatchedPassThrough, cfg.UnmatchedRoute)
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics: path must start with /")
	}

	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin: listen is required when enabled")
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	names := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if names[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		names[svc.Name] = true
		if err := validateService(svc); err != nil {
			return err
		}
	}
	return validateRoutes(cfg.Services)
}

func validateService(svc ServiceConfig) error {
	scope := "service " + svc.Name
	if err := validateURL(scope+": service_control_uri", svc.ServiceControlURI, "http", "https", "grpc"); err != nil {
		return err
	}
	if err := validateToken(scope, svc.Token); err != nil {
		return err
	}

	c := svc.Check
	if c.Timeout < 0 || c.InitialBackoff < 0 || c.MaxBackoff < 0 || c.CacheTTL < 0 {
		return fmt.Errorf("%s: check durations must not be negative", scope)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%s: check.max_retries must not be negative", scope)
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("%s: check.initial_backoff exceeds max_backoff", scope)
	}
	if c.CacheTTL > 0 && c.CacheSize <= 0 {
		return fmt.Errorf("%s: check.cache_size must be positive when cache_ttl is set", scope)
	}

	r := svc.Report
	if r.Workers <= 0 {
		return fmt.Errorf("%s: report.workers must be positive", scope)
	}
	if r.QueueSize <= 0 {
		return fmt.Errorf("%s: report.queue_size must be positive", scope)
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("%s: report.rate_limit must not be negative", scope)
	}

	if len(svc.Operations) == 0 {
		return fmt.Errorf("%s: at least one operation is required", scope)
	}
	ops := make(map[string]bool, len(svc.Operations))
	for i, op := range svc.Operations {
		if op.Name == "" {
			return fmt.Errorf("%s: operation %d: name is required", scope, i)
		}
		if ops[op.Name] {
			return fmt.Errorf("%s: duplicate operation name: %s", scope, op.Name)
		}
		ops[op.Name] = true
		if err := validateOperation(scope+": operation "+op.Name, op); err != nil {
			return err
		}
	}
	return nil
}

func validateToken(scope string, t TokenConfig) error {
	switch t.Type {
	case TokenMetadata:
	case TokenClientCredentials:
		if t.URL == "" || t.ClientID == "" {
			return fmt.Errorf("%s: token.url and token.client_id are required for client_credentials", scope)
		}
	case TokenServiceAccount:
		if t.KeyFile == "" {
			return fmt.Errorf("%s: token.key_file is required for service_account", scope)
		}
	case TokenStatic:
		if t.Token == "" {
			return fmt.Errorf("%s: token.token is required for static", scope)
		}
	default:
		return fmt.Errorf("%s: invalid token type %q", scope, t.Type)
	}
	if t.MinRefreshBackoff > 0 && t.MaxRefreshBackoff > 0 && t.MinRefreshBackoff > t.MaxRefreshBackoff {
		return fmt.Errorf("%s: token.min_refresh_backoff exceeds max_refresh_backoff", scope)
	}
	return nil
}

func validateOperation(scope string, op OperationConfig) error {
	if !validHTTPMethods[strings.ToUpper(op.Method)] {
		return fmt.Errorf("%s: invalid method %q", scope, op.Method)
	}
	if len(op.Templates) == 0 {
		return fmt.Errorf("%s: at least one template is required", scope)
	}
	for _, tmpl := range op.Templates {
		if _, err := pathmatcher.Parse(tmpl); err != nil {
			return fmt.Errorf("%s: %w", scope, err)
		}
	}
	for i, loc := range op.APIKeyLocations {
		if (loc.Header == "") == (loc.Query == "") {
			return fmt.Errorf("%s: api_key_locations[%d]: exactly one of header or query must be set", scope, i)
		}
	}
	for name, cost := range op.MetricCosts {
		if cost < 0 {
			return fmt.Errorf("%s: metric_costs[%s] must not be negative", scope, name)
		}
	}
	return nil
}

// validateRoutes inserts every binding into a scratch matcher so that a
// duplicate (method, template) pair across services fails at load time.
func validateRoutes(services []ServiceConfig) error {
	b := pathmatcher.NewBuilder[string]()
	for _, svc := range services {
		for _, op := range svc.Operations {
			for _, tmpl := range op.Templates {
				if err := b.Insert(op.Method, tmpl, op.Name); err != nil {
					return fmt.Errorf("service %s: operation %s: %w", svc.Name, op.Name, err)
				}
			}
		}
	}
	return nil
}

func validateURL(scope, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", scope)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s: host is required", scope)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %s", scope, strings.Join(schemes, ", "))
}
