package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/metrics"
	"github.com/wudi/scgate/internal/servicecontrol"
)

// TokenFunc returns a bearer token for a policy backend call.
type TokenFunc func(ctx context.Context) (string, error)

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
	// RateLimit caps Report calls per second. Zero means unlimited.
	RateLimit float64
	Burst     int
	Metrics   *metrics.Collector
}

// Reporter dispatches Report calls in the background. Enqueue never blocks;
// reports that do not fit the queue are dropped.
type Reporter struct {
	service string
	client  Client
	tokens  TokenFunc
	queue   chan *servicecontrol.ReportRequest
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewReporter creates a Reporter and starts its workers.
func NewReporter(service string, c Client, tokens TokenFunc, opts ReporterOptions) *Reporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		if opts.Burst <= 0 {
			opts.Burst = 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		service: service,
		client:  c,
		tokens:  tokens,
		queue:   make(chan *servicecontrol.ReportRequest, opts.QueueSize),
		limiter: rate.NewLimiter(limit, opts.Burst),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue schedules req for dispatch. It reports whether req was accepted.
func (r *Reporter) Enqueue(req *servicecontrol.ReportRequest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(req, "reporter closed")
		return false
	}
	select {
	case r.queue <- req:
		return true
	default:
		r.drop(req, "queue full")
		return false
	}
}

func (r *Reporter) drop(req *servicecontrol.ReportRequest, reason string) {
	r.dropped.Add(1)
	r.metrics.RecordReport(r.service, metrics.ReportDropped)
	logging.Warn("report dropped",
		zap.String("service", r.service),
		zap.String("operation_id", operationID(req)),
		zap.String("reason", reason),
	)
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for req := range r.queue {
		r.dispatch(req)
	}
}

func (r *Reporter) dispatch(req *servicecontrol.ReportRequest) {
	if err := r.limiter.Wait(r.ctx); err != nil {
		r.drop(req, "shutdown")
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	err := r.send(ctx, req)
	if err != nil {
		r.failed.Add(1)
		r.metrics.RecordReport(r.service, metrics.ReportFailed)
		logging.Warn("report failed",
			zap.String("service", r.service),
			zap.Error(&gwerrors.ReportDispatchError{OperationID: operationID(req), Err: err}),
		)
		return
	}
	r.sent.Add(1)
	r.metrics.RecordReport(r.service, metrics.ReportSent)
}

func (r *Reporter) send(ctx context.Context, req *servicecontrol.ReportRequest) error {
	var token string
	if r.tokens != nil {
		t, err := r.tokens(ctx)
		if err != nil {
			return err
		}
		token = t
	}
	return r.client.Report(ctx, token, req)
}

// Close stops accepting reports and waits for queued ones to be sent. If ctx
// ends first, in-flight dispatches are cancelled.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns dispatch counters.
func (r *Reporter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued":  len(r.queue),
		"sent":    r.sent.Load(),
		"failed":  r.failed.Load(),
		"dropped": r.dropped.Load(),
	}
}

func operationID(req *servicecontrol.ReportRequest) string {
	if req == nil || len(req.Operations) == 0 {
		return ""
	}
	return req.Operations[0].OperationID
}
