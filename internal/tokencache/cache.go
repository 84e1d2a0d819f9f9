package tokencache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
	"github.com/wudi/scgate/internal/metrics"
	"github.com/wudi/scgate/internal/tracing"
)

// Token is a bearer credential and its hard expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// Fetcher obtains a fresh token from a credential endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Token, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// Callback receives the result of GetToken. It must not call Cancel on its
// own subscription.
type Callback func(Token, error)

// Options tunes refresh behaviour.
type Options struct {
	// SafetyMargin is how long before expiry a token stops being handed out
	// without a refresh.
	SafetyMargin time.Duration
	// FetchTimeout bounds one credential fetch.
	FetchTimeout time.Duration
	// MinBackoff and MaxBackoff bound background retry after a failed fetch.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Metrics    *metrics.Collector
	Now        func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ErrUnknownKey is returned for a credential key that was never registered.
var ErrUnknownKey = errors.New("tokencache: unknown credential key")

var errClosed = errors.New("tokencache: closed")

// Cache holds one token per credential key. Concurrent fetches for the same
// key are collapsed into one; different keys never block each other.
type Cache struct {
	opts  Options
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	closed  atomic.Bool
}

type entry struct {
	key     string
	fetcher Fetcher

	mu      sync.Mutex
	token   Token
	has     bool
	timer   *time.Timer
	backoff backoff.BackOff
	// nextAttempt gates refreshes started by GetToken inside the safety
	// margin. It moves forward on success, on failure by the backoff, and
	// while a refresh is in flight.
	nextAttempt time.Time

	refreshes   atomic.Int64
	errors      atomic.Int64
	lastRefresh atomic.Int64 // unix nano
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	opts.applyDefaults()
	return &Cache{opts: opts, entries: make(map[string]*entry)}
}

// Register adds a credential key and its fetcher. Registering an existing key
// replaces its fetcher and drops the cached token.
func (c *Cache) Register(key string, f Fetcher) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.MinBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0 // never give up

	e := &entry{key: key, fetcher: f, backoff: bo}

	c.mu.Lock()
	old := c.entries[key]
	c.entries[key] = e
	c.mu.Unlock()

	if old != nil {
		old.stopTimer()
	}
}

// Prefetch fetches every registered key once and starts background refresh.
// Errors are logged; the background timer keeps retrying.
func (c *Cache) Prefetch() {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	for _, k := range keys {
		go c.refresh(k, false)
	}
}

func (c *Cache) entry(key string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// GetToken delivers a token for key to cb. A fresh cached token is delivered
// synchronously. A token inside the safety margin but not yet expired is
// delivered synchronously and a refresh is started. Otherwise cb runs once
// the in-flight fetch for key completes. The returned subscription cancels a
// pending delivery.
func (c *Cache) GetToken(ctx context.Context, key string, cb Callback) *Subscription {
	sub := &Subscription{cb: cb, done: make(chan struct{})}

	e := c.entry(key)
	if e == nil {
		sub.deliver(Token{}, &gwerrors.TokenFetchError{Key: key, Err: ErrUnknownKey})
		return sub
	}
	if c.closed.Load() {
		sub.deliver(Token{}, &gwerrors.TokenFetchError{Key: key, Err: errClosed})
		return sub
	}

	now := c.opts.Now()
	if tok, ok := e.current(); ok && now.Before(tok.Expiry) {
		if now.Add(c.opts.SafetyMargin).After(tok.Expiry) && e.claimAttempt(now, c.opts.FetchTimeout) {
			go c.refresh(key, true)
		}
		sub.deliver(tok, nil)
		return sub
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(e)
	})
	go func() {
		select {
		case res := <-ch:
			if res.Err != nil {
				sub.deliver(Token{}, res.Err)
				return
			}
			sub.deliver(res.Val.(Token), nil)
		case <-sub.done:
		case <-ctx.Done():
			sub.Cancel()
		}
	}()
	return sub
}

// Get is the blocking form of GetToken.
func (c *Cache) Get(ctx context.Context, key string) (Token, error) {
	type result struct {
		tok Token
		err error
	}
	ch := make(chan result, 1)
	sub := c.GetToken(ctx, key, func(t Token, err error) {
		ch <- result{t, err}
	})
	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		sub.Cancel()
		return Token{}, ctx.Err()
	}
}

// refresh runs a background fetch for key through the single-flight group.
// With onlyIfStale set, a token already refreshed past the safety margin is
// kept.
func (c *Cache) refresh(key string, onlyIfStale bool) {
	e := c.entry(key)
	if e == nil || c.closed.Load() {
		return
	}
	c.group.Do(key, func() (interface{}, error) {
		if onlyIfStale {
			if tok, ok := e.current(); ok && c.opts.Now().Add(c.opts.SafetyMargin).Before(tok.Expiry) {
				return tok, nil
			}
		}
		return c.fetch(e)
	})
}

// fetch performs one network fetch and schedules the next refresh.
func (c *Cache) fetch(e *entry) (Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	defer cancel()
	ctx, span := tracing.StartClientSpan(ctx, "tokencache.fetch", attribute.String("credential.key", e.key))

	tok, err := e.fetcher.Fetch(ctx)
	if err == nil && tok.Value == "" {
		err = errors.New("empty token")
	}
	tracing.EndSpan(span, err)
	c.opts.Metrics.RecordTokenRefresh(e.key, err)

	if err != nil {
		e.errors.Add(1)
		wait := e.nextBackoff()
		e.setNextAttempt(c.opts.Now().Add(wait))
		logging.Warn("token fetch failed",
			zap.String("key", e.key),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		c.schedule(e, wait)
		return Token{}, &gwerrors.TokenFetchError{Key: e.key, Err: err}
	}

	now := c.opts.Now()
	e.store(tok, now)

	// A token shorter lived than the margin is refreshed at half its life
	// instead of on every request.
	lifetime := tok.Expiry.Sub(now)
	wait := lifetime - c.opts.SafetyMargin
	if wait <= 0 {
		wait = lifetime / 2
	}
	e.setNextAttempt(now.Add(wait))
	if wait < c.opts.MinBackoff {
		wait = c.opts.MinBackoff
	}
	c.schedule(e, wait)

	logging.Debug("token refreshed",
		zap.String("key", e.key),
		zap.Time("expiry", tok.Expiry),
	)
	return tok, nil
}

func (c *Cache) schedule(e *entry, d time.Duration) {
	if c.closed.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() { c.refresh(e.key, false) })
}

// Close stops all background refresh timers.
func (c *Cache) Close() {
	c.closed.Store(true)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		e.stopTimer()
	}
}

// Stats returns per-key fetch statistics.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make(map[string]interface{}, len(c.entries))
	for k, e := range c.entries {
		s := map[string]interface{}{
			"refreshes": e.refreshes.Load(),
			"errors":    e.errors.Load(),
		}
		if ts := e.lastRefresh.Load(); ts > 0 {
			s["last_refresh_at"] = time.Unix(0, ts).Format(time.RFC3339)
		}
		if tok, ok := e.current(); ok {
			s["expires_at"] = tok.Expiry.Format(time.RFC3339)
		}
		stats[k] = s
	}
	return stats
}

func (e *entry) current() (Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token, e.has
}

func (e *entry) store(tok Token, now time.Time) {
	e.mu.Lock()
	e.token = tok
	e.has = true
	e.backoff.Reset()
	e.mu.Unlock()
	e.refreshes.Add(1)
	e.lastRefresh.Store(now.UnixNano())
}

// claimAttempt reports whether a margin refresh may start at now and, if so,
// holds the gate for the duration of one fetch.
func (e *entry) claimAttempt(now time.Time, hold time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.nextAttempt) {
		return false
	}
	e.nextAttempt = now.Add(hold)
	return true
}

func (e *entry) setNextAttempt(t time.Time) {
	e.mu.Lock()
	e.nextAttempt = t
	e.mu.Unlock()
}

func (e *entry) nextBackoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff.NextBackOff()
}

func (e *entry) stopTimer() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}

// Subscription is a pending GetToken delivery.
type Subscription struct {
	mu        sync.Mutex
	cb        Callback
	fired     bool
	cancelled bool
	done      chan struct{}
	closeOnce sync.Once
}

// deliver invokes the callback unless the subscription was cancelled.
// Holding mu while the callback runs means Cancel returns only once no
// callback can still run.
func (s *Subscription) deliver(tok Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.fired {
		return
	}
	s.fired = true
	s.closeOnce.Do(func() { close(s.done) })
	if s.cb != nil {
		s.cb(tok, err)
	}
}

// Cancel stops delivery. It is idempotent and safe after delivery.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.cancelled = true
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed once the subscription fired or was cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("subscription{fired:%v cancelled:%v}", s.fired, s.cancelled)
}
