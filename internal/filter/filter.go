// Package filter implements the per-request authorization state machine:
// match the operation, obtain a backend token, run Check, forward or
// reject, then Report once the response is complete.
package filter

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/metrics"
	"github.com/wudi/scgate/internal/middleware"
	"github.com/wudi/scgate/internal/pathmatcher"
	"github.com/wudi/scgate/internal/retry"
	"github.com/wudi/scgate/internal/servicecontrol"
	"github.com/wudi/scgate/internal/tokencache"
)

// Unmatched route policies.
const (
	UnmatchedReject      = "reject"
	UnmatchedPassThrough = "pass_through"
)

// Matcher is the operation matcher the filter consults.
type Matcher = pathmatcher.Matcher[*servicecontrol.Operation]

// corsProbeMethods are tried when an OPTIONS request has no binding of its
// own.
var corsProbeMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead,
}

// Options configures a Filter.
type Options struct {
	Tokens    *tokencache.Cache
	Services  *Services
	Unmatched string
	Metrics   *metrics.Collector
}

// Filter is the authorization middleware.
type Filter struct {
	tokens    *tokencache.Cache
	services  *Services
	unmatched string
	metrics   *metrics.Collector
	matcher   atomic.Pointer[Matcher]
}

// New creates a filter. SetMatcher must be called before it serves.
func New(m *Matcher, opts Options) *Filter {
	if opts.Services == nil {
		opts.Services = NewServices()
	}
	if opts.Unmatched == "" {
		opts.Unmatched = UnmatchedReject
	}
	f := &Filter{
		tokens:    opts.Tokens,
		services:  opts.Services,
		unmatched: opts.Unmatched,
		metrics:   opts.Metrics,
	}
	f.SetMatcher(m)
	return f
}

// SetMatcher swaps the operation matcher. Requests already past matching
// keep the operation they matched.
func (f *Filter) SetMatcher(m *Matcher) {
	if m == nil {
		m = pathmatcher.NewBuilder[*servicecontrol.Operation]().Build()
	}
	f.matcher.Store(m)
}

// Matcher returns the current operation matcher.
func (f *Filter) Matcher() *Matcher {
	return f.matcher.Load()
}

// Services returns the service registry.
func (f *Filter) Services() *Services {
	return f.services
}

// Middleware wraps next with the authorization flow.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.serve(w, r, next)
	})
}

func (f *Filter) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	match, preflight := f.lookup(r)
	if match == nil {
		f.metrics.RecordUnmatched()
		logging.Debug("no operation matches request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("policy", f.unmatched),
		)
		if f.unmatched == UnmatchedPassThrough {
			next.ServeHTTP(w, r)
			return
		}
		gwerrors.Wrap(gwerrors.ErrUnmatchedRoute, http.StatusNotFound, gwerrors.ErrNotFound.Message).
			WithRequestID(middleware.RequestIDFromContext(r.Context())).
			WriteJSON(w)
		return
	}

	op := match.Value
	info := servicecontrol.ExtractRequestInfo(r, op)
	ctx := withOperation(r.Context(), &OperationContext{
		Operation:   op,
		OperationID: info.OperationID,
		Bindings:    match.Bindings,
	})
	middleware.AddLogFields(ctx,
		zap.String("operation", op.Name),
		zap.String("operation_id", info.OperationID),
		zap.String("service", op.ServiceName),
	)

	body := &countingBody{ReadCloser: r.Body}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = body
	}
	r = r.WithContext(ctx)
	rec := middleware.NewResponseRecorder(w)

	c := &call{
		f:    f,
		svc:  f.services.Lookup(op.ServiceName),
		op:   op,
		info: info,
	}
	c.run(rec, r, next, preflight)

	status := rec.Status()
	middleware.AddLogFields(ctx, zap.Stringer("call_state", c.state()))
	f.metrics.RecordRequest(op.Name, r.Method, status, time.Since(info.StartTime))

	if c.skipReport() {
		return
	}
	c.report(status, body.n.Load(), rec.BytesWritten())
}

// lookup matches the request. OPTIONS requests without their own binding
// match a CORS-enabled operation on the same path as a preflight.
func (f *Filter) lookup(r *http.Request) (*pathmatcher.Match[*servicecontrol.Operation], bool) {
	m := f.matcher.Load()
	path := r.URL.EscapedPath()
	if match, ok := m.Lookup(r.Method, path); ok {
		return match, false
	}
	if r.Method != http.MethodOptions {
		return nil, false
	}
	for _, method := range corsProbeMethods {
		if match, ok := m.Lookup(method, path); ok && match.Value.AllowCORS {
			return match, true
		}
	}
	return nil, false
}

// call is the state of one matched request.
type call struct {
	f    *Filter
	svc  *Service
	op   *servicecontrol.Operation
	info *servicecontrol.RequestInfo

	m       machine
	skipped bool
	outcome servicecontrol.CheckOutcome
}

func (c *call) state() CallState {
	return c.m.state
}

func (c *call) skipReport() bool {
	if c.svc == nil {
		return true
	}
	return c.skipped && c.op.SkipReport
}

func (c *call) run(w http.ResponseWriter, r *http.Request, next http.Handler, preflight bool) {
	ctx := r.Context()

	if c.svc == nil {
		logging.Error("operation references unknown service",
			zap.String("operation", c.op.Name),
			zap.String("service", c.op.ServiceName),
		)
		c.m.to(Responded)
		c.reject(w, r, gwerrors.ErrInternalServer)
		return
	}

	switch {
	case c.op.SkipServiceControl:
		c.forwardUnchecked(w, r, next, "skip_service_control")
		return
	case preflight:
		c.forwardUnchecked(w, r, next, "cors_preflight")
		return
	case c.info.APIKey == "" && c.op.AllowUnregisteredCalls:
		c.forwardUnchecked(w, r, next, "unregistered_call")
		return
	}

	if out, ok := c.svc.Cache.Get(c.info); ok {
		c.f.metrics.RecordCheck(c.svc.Name, metrics.CheckCached, 0)
		c.outcome = out
		c.m.to(Complete)
		next.ServeHTTP(w, r)
		return
	}

	c.m.to(Calling)

	token, err := c.token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelled(w, r, err)
			return
		}
		c.outcome = servicecontrol.UncheckedOutcome(servicecontrol.CodeTokenUnavailable)
		c.m.to(Responded)
		logging.Warn("token fetch failed",
			zap.String("operation_id", c.info.OperationID),
			zap.String("credential", c.svc.CredentialKey),
			zap.Error(err),
		)
		c.reject(w, r, gwerrors.ErrTokenFetchFailed)
		return
	}

	start := time.Now()
	outcome, res, err := c.check(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelled(w, r, err)
			return
		}
		c.f.metrics.RecordCheck(c.svc.Name, metrics.CheckError, time.Since(start))
		c.outcome = outcome
		c.m.to(Responded)
		logging.Warn("check failed",
			zap.String("operation_id", c.info.OperationID),
			zap.String("operation", c.op.Name),
			zap.Int("attempts", res.Attempts),
			zap.Int("retries", res.Retries),
			zap.Error(err),
		)
		c.reject(w, r, gwerrors.ErrCheckFailed)
		return
	}

	c.outcome = outcome
	if !outcome.Allowed {
		c.f.metrics.RecordCheck(c.svc.Name, metrics.CheckDenied, time.Since(start))
		c.m.to(Responded)
		logging.Info("check denied",
			zap.String("operation_id", c.info.OperationID),
			zap.String("operation", c.op.Name),
			zap.Error(&gwerrors.CheckRejected{Code: outcome.Code, Detail: outcome.Reason}),
		)
		c.reject(w, r, rejection(outcome))
		return
	}

	c.f.metrics.RecordCheck(c.svc.Name, metrics.CheckAllowed, time.Since(start))
	c.svc.Cache.Add(c.info, outcome)
	if res.Retries > 0 {
		logging.Debug("check allowed after retries",
			zap.String("operation_id", c.info.OperationID),
			zap.Int("retries", res.Retries),
		)
	}
	c.m.to(Complete)
	next.ServeHTTP(w, r)
}

func (c *call) forwardUnchecked(w http.ResponseWriter, r *http.Request, next http.Handler, reason string) {
	c.skipped = true
	c.outcome = servicecontrol.AllowedOutcome()
	c.m.to(Complete)
	logging.Debug("check skipped",
		zap.String("operation_id", c.info.OperationID),
		zap.String("reason", reason),
	)
	next.ServeHTTP(w, r)
}

type tokenResult struct {
	value string
	err   error
}

// token waits for the service's backend token. The subscription is
// cancelled if the request ends first.
func (c *call) token(ctx context.Context) (string, error) {
	if c.svc.CredentialKey == "" || c.f.tokens == nil {
		return "", nil
	}
	ch := make(chan tokenResult, 1)
	sub := c.f.tokens.GetToken(ctx, c.svc.CredentialKey, func(tok tokencache.Token, err error) {
		ch <- tokenResult{value: tok.Value, err: err}
	})
	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		sub.Cancel()
		return "", ctx.Err()
	}
}

// check runs Check under the service retry policy. Only transport failures
// are retried; a decoded response is a decision.
func (c *call) check(ctx context.Context, token string) (servicecontrol.CheckOutcome, retry.Result, error) {
	req := servicecontrol.FillCheckRequest(c.info)
	var body []byte
	res, err := c.svc.Retry.Do(ctx, func(ctx context.Context) error {
		b, err := c.svc.Client.Check(ctx, token, req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return servicecontrol.UncheckedOutcome(servicecontrol.CodeCheckUnavailable), res, err
	}
	return servicecontrol.ConvertCheckResponse(body), res, nil
}

// cancelled handles a request whose context ended while Calling. Nothing
// is forwarded; the reply is best effort since the client is gone.
func (c *call) cancelled(w http.ResponseWriter, r *http.Request, err error) {
	c.outcome = servicecontrol.UncheckedOutcome(servicecontrol.CodeCheckUnavailable)
	c.m.to(Responded)
	logging.Debug("request cancelled during check",
		zap.String("operation_id", c.info.OperationID),
		zap.Error(err),
	)
	c.reject(w, r, gwerrors.ErrRequestCanceled)
}

func (c *call) reject(w http.ResponseWriter, r *http.Request, e *gwerrors.GatewayError) {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		e = e.WithRequestID(id)
	}
	e.WriteJSON(w)
}

func (c *call) report(status int, bytesIn, bytesOut int64) {
	if c.svc.Reporter == nil {
		return
	}
	c.info.EndTime = time.Now()
	req := servicecontrol.FillReportRequest(c.info, c.outcome, status, bytesIn, bytesOut)
	c.svc.Reporter.Enqueue(req)
}

// rejection maps a denied outcome to the client-facing error.
func rejection(o servicecontrol.CheckOutcome) *gwerrors.GatewayError {
	switch o.HTTPStatus() {
	case http.StatusForbidden:
		return gwerrors.ErrPermissionDenied
	case http.StatusTooManyRequests:
		return gwerrors.ErrQuotaExhausted
	default:
		return gwerrors.ErrCheckFailed
	}
}

// countingBody counts request body bytes read by the next handler.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}
