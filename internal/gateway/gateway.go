package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/config"
	"github.com/wudi/scgate/internal/filter"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/metrics"
	"github.com/wudi/scgate/internal/middleware"
	"github.com/wudi/scgate/internal/pathmatcher"
	"github.com/wudi/scgate/internal/proxy"
	"github.com/wudi/scgate/internal/retry"
	"github.com/wudi/scgate/internal/servicecontrol"
	"github.com/wudi/scgate/internal/servicecontrol/client"
	"github.com/wudi/scgate/internal/tokencache"
	"github.com/wudi/scgate/internal/tracing"
)

// Gateway owns the authorization filter and every collaborator it needs.
type Gateway struct {
	mu     sync.RWMutex
	config *config.Config

	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	tokens   *tokencache.Cache
	services *filter.Services
	filter   *filter.Filter
	proxy    *proxy.Proxy
	handler  http.Handler

	// credentials remembers the token config registered per credential key
	// so a reload only re-registers keys whose settings changed.
	credentials map[string]config.TokenConfig
}

// state is everything built from one configuration before it is applied.
type state struct {
	matcher  *filter.Matcher
	services []*filter.Service
	fetchers map[string]tokencache.Fetcher
	tokens   map[string]config.TokenConfig
}

func (st *state) close() {
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	for _, s := range st.services {
		s.Close(ctx)
	}
}

// New creates a gateway from cfg.
func New(cfg *config.Config) (*Gateway, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	p, err := proxy.New(cfg.Backend, proxy.Config{
		Transport:     proxy.NewTransport(cfg.Upstream),
		FlushInterval: -1,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.NewCollector()
	d := cfg.ServiceDefaults.Token
	g := &Gateway{
		config:  cfg,
		metrics: m,
		tracer:  tracer,
		tokens: tokencache.New(tokencache.Options{
			SafetyMargin: d.SafetyMargin,
			FetchTimeout: d.FetchTimeout,
			MinBackoff:   d.MinRefreshBackoff,
			MaxBackoff:   d.MaxRefreshBackoff,
			Metrics:      m,
		}),
		services:    filter.NewServices(),
		proxy:       p,
		credentials: make(map[string]config.TokenConfig),
	}

	st, err := g.build(cfg)
	if err != nil {
		g.tokens.Close()
		tracer.Close(context.Background())
		return nil, err
	}
	g.applyCredentials(st)
	for _, s := range st.services {
		g.services.AddService(s)
	}

	g.filter = filter.New(st.matcher, filter.Options{
		Tokens:    g.tokens,
		Services:  g.services,
		Unmatched: cfg.UnmatchedRoute,
		Metrics:   m,
	})
	g.handler = g.buildHandler(cfg)

	logging.Info("gateway initialized",
		zap.Int("services", len(st.services)),
		zap.Int("bindings", st.matcher.Len()),
		zap.String("backend", cfg.Backend),
	)
	return g, nil
}

// build creates the matcher, services and fetchers for cfg without touching
// the running gateway.
func (g *Gateway) build(cfg *config.Config) (*state, error) {
	st := &state{
		fetchers: make(map[string]tokencache.Fetcher),
		tokens:   make(map[string]config.TokenConfig),
	}
	b := pathmatcher.NewBuilder[*servicecontrol.Operation]()

	for _, sc := range cfg.Services {
		key := sc.Token.CredentialKey()
		if _, seen := st.fetchers[key]; !seen {
			f, err := newFetcher(sc.Token)
			if err != nil {
				st.close()
				return nil, fmt.Errorf("service %s: token: %w", sc.Name, err)
			}
			st.fetchers[key] = f
			st.tokens[key] = sc.Token
		}

		svc, err := g.newService(sc, key)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("service %s: %w", sc.Name, err)
		}
		st.services = append(st.services, svc)

		for _, oc := range sc.Operations {
			op := newOperation(sc, oc)
			for _, tmpl := range oc.Templates {
				if err := b.Insert(oc.Method, tmpl, op); err != nil {
					st.close()
					return nil, fmt.Errorf("service %s: operation %s: %w", sc.Name, oc.Name, err)
				}
			}
		}
	}

	st.matcher = b.Build()
	return st, nil
}

func (g *Gateway) newService(sc config.ServiceConfig, credentialKey string) (*filter.Service, error) {
	c, err := client.New(sc.ServiceControlURI, client.Options{Timeout: sc.Check.Timeout})
	if err != nil {
		return nil, err
	}
	c = client.WithBreaker(c, sc.Name, client.BreakerOptions{
		MaxFailures: sc.Check.Breaker.MaxFailures,
		OpenTimeout: sc.Check.Breaker.OpenTimeout,
		Metrics:     g.metrics,
	})

	policy := retry.NewPolicy(sc.Check.MaxRetries, sc.Check.Timeout, sc.Check.InitialBackoff, sc.Check.MaxBackoff)
	policy.Retryable = client.Retryable
	name := sc.Name
	policy.OnRetry = func(attempt int, err error) {
		g.metrics.RecordCheckRetry(name)
		logging.Debug("retrying check",
			zap.String("service", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	tokens := func(ctx context.Context) (string, error) {
		tok, err := g.tokens.Get(ctx, credentialKey)
		return tok.Value, err
	}
	reporter := client.NewReporter(sc.Name, c, tokens, client.ReporterOptions{
		QueueSize: sc.Report.QueueSize,
		Workers:   sc.Report.Workers,
		Timeout:   sc.Report.Timeout,
		RateLimit: sc.Report.RateLimit,
		Burst:     sc.Report.Burst,
		Metrics:   g.metrics,
	})

	return &filter.Service{
		Name:          sc.Name,
		ConfigID:      sc.ConfigID,
		CredentialKey: credentialKey,
		Client:        c,
		Cache:         client.NewCheckCache(sc.Check.CacheSize, sc.Check.CacheTTL),
		Reporter:      reporter,
		Retry:         policy,
	}, nil
}

func newOperation(sc config.ServiceConfig, oc config.OperationConfig) *servicecontrol.Operation {
	op := &servicecontrol.Operation{
		Name:                   oc.Name,
		ServiceName:            sc.Name,
		ServiceConfigID:        sc.ConfigID,
		ProducerProjectID:      sc.ProducerProjectID,
		ConsumerProjectID:      oc.ConsumerProjectID,
		MetricCosts:            oc.MetricCosts,
		SkipServiceControl:     oc.SkipServiceControl,
		SkipReport:             oc.SkipReport,
		AllowCORS:              oc.AllowCORS,
		AllowUnregisteredCalls: oc.AllowUnregisteredCalls,
	}
	for _, loc := range oc.APIKeyLocations {
		op.APIKeyLocations = append(op.APIKeyLocations, servicecontrol.APIKeyLocation{
			Header: loc.Header,
			Query:  loc.Query,
		})
	}
	return op
}

func newFetcher(t config.TokenConfig) (tokencache.Fetcher, error) {
	switch t.Type {
	case config.TokenMetadata:
		return tokencache.NewMetadataFetcher(t.URL, t.FetchTimeout), nil
	case config.TokenClientCredentials:
		return tokencache.NewClientCredentialsFetcher(t.URL, t.ClientID, t.ClientSecret, t.Scopes, t.FetchTimeout)
	case config.TokenServiceAccount:
		return tokencache.NewServiceAccountJWTFetcher(t.KeyFile, t.Audience)
	case config.TokenStatic:
		return tokencache.StaticFetcher{Value: t.Token}, nil
	default:
		return nil, fmt.Errorf("unsupported token type %q", t.Type)
	}
}

// applyCredentials registers new or changed credential keys. Unchanged keys
// keep their cached token.
func (g *Gateway) applyCredentials(st *state) {
	for key, f := range st.fetchers {
		if prev, ok := g.credentials[key]; ok && reflect.DeepEqual(prev, st.tokens[key]) {
			continue
		}
		g.tokens.Register(key, f)
		g.credentials[key] = st.tokens[key]
	}
}

func (g *Gateway) buildHandler(cfg *config.Config) http.Handler {
	chain := middleware.Stack{}.
		Use(middleware.RequestID()).
		Use(middleware.Recovery()).
		Use(middleware.LoggingWithConfig(middleware.LoggingConfig{
			SkipPaths: skipPaths(cfg),
		})).
		UseIf(g.tracer.IsEnabled(), g.tracer.Middleware).
		Use(g.filter.Middleware).
		Then(g.proxy)

	if !cfg.Metrics.Enabled {
		return chain
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, g.metrics.Handler())
	mux.Handle("/", chain)
	return mux
}

func skipPaths(cfg *config.Config) []string {
	if cfg.Metrics.Enabled {
		return []string{cfg.Metrics.Path}
	}
	return nil
}

// Handler returns the request handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Prefetch warms every registered credential.
func (g *Gateway) Prefetch() {
	g.tokens.Prefetch()
}

// Stats returns runtime counters for the admin endpoint.
func (g *Gateway) Stats() map[string]interface{} {
	return map[string]interface{}{
		"bindings": g.filter.Matcher().Len(),
		"services": g.services.Stats(),
		"tokens":   g.tokens.Stats(),
	}
}

// Close drains reporters, stops token refresh and flushes traces.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if err := g.services.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	g.tokens.Close()
	if err := g.tracer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
