package filter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wudi/scgate/internal/pathmatcher"
	"github.com/wudi/scgate/internal/retry"
	"github.com/wudi/scgate/internal/servicecontrol"
	"github.com/wudi/scgate/internal/servicecontrol/client"
	"github.com/wudi/scgate/internal/tokencache"
)

const testService = "bookstore.example.com"

// backend is a fake policy backend that records Check and Report calls.
type backend struct {
	srv *httptest.Server

	mu      sync.Mutex
	checks  []servicecontrol.CheckRequest
	auth    []string
	reports []servicecontrol.ReportRequest

	// onCheck answers the n-th Check call (1-based).
	onCheck func(n int, w http.ResponseWriter, r *http.Request)
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.HasSuffix(r.URL.Path, ":check"):
			var req servicecontrol.CheckRequest
			json.Unmarshal(body, &req)
			b.mu.Lock()
			b.checks = append(b.checks, req)
			b.auth = append(b.auth, r.Header.Get("Authorization"))
			n := len(b.checks)
			onCheck := b.onCheck
			b.mu.Unlock()
			if onCheck != nil {
				onCheck(n, w, r)
				return
			}
			io.WriteString(w, `{}`)
		case strings.HasSuffix(r.URL.Path, ":report"):
			var req servicecontrol.ReportRequest
			if err := json.Unmarshal(body, &req); err != nil {
				t.Errorf("decode report: %v", err)
			}
			b.mu.Lock()
			b.reports = append(b.reports, req)
			b.mu.Unlock()
			io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) setOnCheck(fn func(n int, w http.ResponseWriter, r *http.Request)) {
	b.mu.Lock()
	b.onCheck = fn
	b.mu.Unlock()
}

func (b *backend) checkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.checks)
}

func (b *backend) reportList() []servicecontrol.ReportRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]servicecontrol.ReportRequest(nil), b.reports...)
}

type binding struct {
	method   string
	template string
	op       *servicecontrol.Operation
}

func getBook() *servicecontrol.Operation {
	return &servicecontrol.Operation{
		Name:              "GetBook",
		ServiceName:       testService,
		ProducerProjectID: "producer",
		MetricCosts:       map[string]int64{"read_requests": 1},
	}
}

type harness struct {
	filter  *Filter
	svc     *Service
	backend *backend
	tokens  *tokencache.Cache

	mu      sync.Mutex
	reached int
	seen    *OperationContext
	body    string
}

type harnessOpts struct {
	retries   int
	cacheTTL  time.Duration
	unmatched string
	fetcher   tokencache.Fetcher
}

func newHarness(t *testing.T, opts harnessOpts, bindings ...binding) *harness {
	t.Helper()
	h := &harness{backend: newBackend(t)}

	b := pathmatcher.NewBuilder[*servicecontrol.Operation]()
	for _, bd := range bindings {
		if err := b.Insert(bd.method, bd.template, bd.op); err != nil {
			t.Fatal(err)
		}
	}

	h.tokens = tokencache.New(tokencache.Options{})
	t.Cleanup(h.tokens.Close)
	fetcher := opts.fetcher
	if fetcher == nil {
		fetcher = tokencache.StaticFetcher{Value: "tok", Lifetime: time.Hour}
	}
	h.tokens.Register("sc", fetcher)

	c := client.NewHTTP(h.backend.srv.URL, client.Options{Timeout: 5 * time.Second})
	h.svc = &Service{
		Name:          testService,
		CredentialKey: "sc",
		Client:        c,
		Cache:         client.NewCheckCache(16, opts.cacheTTL),
		Reporter:      client.NewReporter(testService, c, nil, client.ReporterOptions{Workers: 1}),
		Retry:         retry.NewPolicy(opts.retries, time.Second, time.Millisecond, 5*time.Millisecond),
	}
	services := NewServices()
	services.AddService(h.svc)
	t.Cleanup(func() { services.CloseAll(context.Background()) })

	h.filter = New(b.Build(), Options{
		Tokens:    h.tokens,
		Services:  services,
		Unmatched: opts.unmatched,
	})
	return h
}

func (h *harness) handler() http.Handler {
	return h.filter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		oc, _ := FromContext(r.Context())
		h.mu.Lock()
		h.reached++
		h.seen = oc
		h.body = string(data)
		h.mu.Unlock()
		io.WriteString(w, "ok")
	}))
}

func (h *harness) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.handler().ServeHTTP(rr, httptest.NewRequest(method, target, body))
	return rr
}

func (h *harness) forwarded() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reached
}

// flush waits for every queued Report to reach the backend.
func (h *harness) flush(t *testing.T) []servicecontrol.ReportRequest {
	t.Helper()
	if err := h.svc.Reporter.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h.backend.reportList()
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	if body.Code != rr.Code {
		t.Errorf("body code %d != status %d", body.Code, rr.Code)
	}
	return body.Message
}

func responseCode(r servicecontrol.ReportRequest) string {
	return r.Operations[0].Labels[servicecontrol.LabelResponseCode]
}

// assertKeyNotReported fails when key appears anywhere a Report carries
// consumer identity.
func assertKeyNotReported(t *testing.T, r servicecontrol.ReportRequest, key string) {
	t.Helper()
	op := r.Operations[0]
	payload := op.LogEntries[0].StructPayload
	if v, ok := payload["api_key"]; ok {
		t.Errorf("api_key = %v, want absent", v)
	}
	if strings.Contains(op.ConsumerID, key) {
		t.Errorf("consumerId = %q carries the key", op.ConsumerID)
	}
	if v, ok := op.Labels[servicecontrol.LabelCredentialID]; ok {
		t.Errorf("credential_id = %q, want absent", v)
	}
	if u, _ := payload["url"].(string); strings.Contains(u, key) {
		t.Errorf("url = %q carries the key", u)
	}
}

func TestAllowedRequestIsForwardedAndReported(t *testing.T) {
	h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/shelves/{shelf}/books/{book.id}", getBook()})

	rr := h.do("GET", "/v1/shelves/1/books/5?key=K", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("response = %d %q", rr.Code, rr.Body.String())
	}

	if h.seen == nil || h.seen.Operation.Name != "GetBook" {
		t.Fatalf("operation context = %+v", h.seen)
	}
	if v, _ := h.seen.Binding("shelf"); v != "1" {
		t.Errorf("shelf = %q", v)
	}
	if v, _ := h.seen.Binding("book.id"); v != "5" {
		t.Errorf("book.id = %q", v)
	}

	h.backend.mu.Lock()
	check := h.backend.checks[0]
	auth := h.backend.auth[0]
	h.backend.mu.Unlock()
	if check.Operation.ConsumerID != "api_key:K" {
		t.Errorf("consumerId = %q", check.Operation.ConsumerID)
	}
	if check.Operation.OperationName != "/v1/shelves/1/books/5" {
		t.Errorf("operationName = %q", check.Operation.OperationName)
	}
	if check.Operation.OperationID != h.seen.OperationID {
		t.Errorf("operation id mismatch: %q vs %q", check.Operation.OperationID, h.seen.OperationID)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}

	reports := h.flush(t)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	op := reports[0].Operations[0]
	if responseCode(reports[0]) != "200" {
		t.Errorf("response code label = %q", responseCode(reports[0]))
	}
	if op.OperationID != h.seen.OperationID {
		t.Errorf("report operation id = %q", op.OperationID)
	}
	if msg := op.LogEntries[0].StructPayload["log_message"]; msg != "GetBook is called" {
		t.Errorf("log_message = %v", msg)
	}
	if op.LogEntries[0].StructPayload["api_key"] != "K" {
		t.Errorf("api_key missing from report")
	}
	if u := op.LogEntries[0].StructPayload["url"]; u != "/v1/shelves/1/books/5" {
		t.Errorf("url = %v", u)
	}
}

func TestCheckFailsAfterRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{retries: 2}, binding{"GET", "/v1/shelves/{shelf}", getBook()})
	h.backend.setOnCheck(func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rr := h.do("GET", "/v1/shelves/1?key=secret-key", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if msg := errorMessage(t, rr); msg != "Check failed" {
		t.Errorf("message = %q", msg)
	}
	if n := h.backend.checkCount(); n != 3 {
		t.Errorf("check attempts = %d, want 3", n)
	}
	if h.forwarded() != 0 {
		t.Error("request must not reach the backend")
	}

	reports := h.flush(t)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if responseCode(reports[0]) != "401" {
		t.Errorf("response code label = %q", responseCode(reports[0]))
	}
	payload := reports[0].Operations[0].LogEntries[0].StructPayload
	if payload["error_cause"] != servicecontrol.CodeCheckUnavailable {
		t.Errorf("error_cause = %v", payload["error_cause"])
	}
	assertKeyNotReported(t, reports[0], "secret-key")
}

func TestMalformedCheckResponse(t *testing.T) {
	h := newHarness(t, harnessOpts{retries: 2}, binding{"GET", "/v1/shelves/{shelf}", getBook()})
	h.backend.setOnCheck(func(_ int, w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"checkErrors":`)
	})

	rr := h.do("GET", "/v1/shelves/1?view=full&key=secret-key", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if h.forwarded() != 0 {
		t.Error("request must not reach the backend")
	}

	reports := h.flush(t)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	payload := reports[0].Operations[0].LogEntries[0].StructPayload
	if payload["error_cause"] != servicecontrol.CodeMalformedResponse {
		t.Errorf("error_cause = %v", payload["error_cause"])
	}
	if payload["url"] != "/v1/shelves/1?view=full" {
		t.Errorf("url = %v", payload["url"])
	}
	assertKeyNotReported(t, reports[0], "secret-key")
}

func TestCheckSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, harnessOpts{retries: 2}, binding{"GET", "/v1/shelves/{shelf}", getBook()})
	h.backend.setOnCheck(func(n int, w http.ResponseWriter, _ *http.Request) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{}`)
	})

	rr := h.do("GET", "/v1/shelves/1?key=K", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if h.forwarded() != 1 {
		t.Error("request was not forwarded")
	}
	if got := h.svc.Retry.Metrics.Snapshot().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestDenialsAreNotRetried(t *testing.T) {
	tests := []struct {
		code    string
		status  int
		message string
		withKey bool
	}{
		{servicecontrol.CodeAPIKeyInvalid, http.StatusUnauthorized, "Check failed", false},
		{servicecontrol.CodePermissionDenied, http.StatusForbidden, "Permission denied", true},
		{servicecontrol.CodeServiceNotActivated, http.StatusForbidden, "Permission denied", false},
		{servicecontrol.CodeResourceExhausted, http.StatusTooManyRequests, "Quota exhausted", true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := newHarness(t, harnessOpts{retries: 2}, binding{"GET", "/v1/shelves", getBook()})
			h.backend.setOnCheck(func(_ int, w http.ResponseWriter, _ *http.Request) {
				io.WriteString(w, `{"checkErrors":[{"code":"`+tt.code+`","detail":"internal detail"}]}`)
			})

			rr := h.do("GET", "/v1/shelves?key=K", nil)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if msg := errorMessage(t, rr); msg != tt.message {
				t.Errorf("message = %q, want %q", msg, tt.message)
			}
			if strings.Contains(rr.Body.String(), "internal detail") {
				t.Error("backend detail leaked to the client")
			}
			if n := h.backend.checkCount(); n != 1 {
				t.Errorf("check attempts = %d, want 1", n)
			}

			reports := h.flush(t)
			if len(reports) != 1 {
				t.Fatalf("reports = %d", len(reports))
			}
			_, hasKey := reports[0].Operations[0].LogEntries[0].StructPayload["api_key"]
			if hasKey != tt.withKey {
				t.Errorf("report api_key present = %v, want %v", hasKey, tt.withKey)
			}
		})
	}
}

func TestSkipServiceControl(t *testing.T) {
	skip := getBook()
	skip.SkipServiceControl = true
	quiet := getBook()
	quiet.Name = "Health"
	quiet.SkipServiceControl = true
	quiet.SkipReport = true

	h := newHarness(t, harnessOpts{},
		binding{"GET", "/v1/books", skip},
		binding{"GET", "/healthz", quiet},
	)

	if rr := h.do("GET", "/v1/books", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr := h.do("GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if h.backend.checkCount() != 0 {
		t.Error("Check must be skipped")
	}
	if h.forwarded() != 2 {
		t.Errorf("forwarded = %d", h.forwarded())
	}

	reports := h.flush(t)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1 (skip_report suppresses the other)", len(reports))
	}
	if reports[0].Operations[0].Labels[servicecontrol.LabelAPIMethod] != "GetBook" {
		t.Errorf("reported %v", reports[0].Operations[0].Labels)
	}
}

func TestAllowUnregisteredCalls(t *testing.T) {
	op := getBook()
	op.AllowUnregisteredCalls = true
	h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/books", op})

	if rr := h.do("GET", "/v1/books", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if h.backend.checkCount() != 0 {
		t.Error("keyless call should skip Check")
	}

	if rr := h.do("GET", "/v1/books?api_key=K", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if h.backend.checkCount() != 1 {
		t.Error("call with a key should be checked")
	}
	if n := len(h.flush(t)); n != 2 {
		t.Errorf("reports = %d, want 2", n)
	}
}

func TestTokenFetchFailure(t *testing.T) {
	failing := tokencache.FetcherFunc(func(context.Context) (tokencache.Token, error) {
		return tokencache.Token{}, errors.New("metadata server down")
	})
	h := newHarness(t, harnessOpts{fetcher: failing}, binding{"GET", "/v1/books", getBook()})

	rr := h.do("GET", "/v1/books?key=secret-key", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if msg := errorMessage(t, rr); msg != "Failed to fetch access_token" {
		t.Errorf("message = %q", msg)
	}
	if h.backend.checkCount() != 0 {
		t.Error("Check must not run without a token")
	}

	reports := h.flush(t)
	if len(reports) != 1 || responseCode(reports[0]) != "401" {
		t.Fatalf("reports = %+v", reports)
	}
	payload := reports[0].Operations[0].LogEntries[0].StructPayload
	if payload["error_cause"] != servicecontrol.CodeTokenUnavailable {
		t.Errorf("error_cause = %v", payload["error_cause"])
	}
	assertKeyNotReported(t, reports[0], "secret-key")
}

func TestClientCancelDuringCheck(t *testing.T) {
	h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/books", getBook()})
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.backend.setOnCheck(func(_ int, w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/v1/books?key=K", nil).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		h.handler().ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("filter did not return after cancellation")
	}
	if h.forwarded() != 0 {
		t.Error("cancelled request must not be forwarded")
	}
	if n := h.backend.checkCount(); n != 1 {
		t.Errorf("check attempts = %d, cancellation must not retry", n)
	}
}

func TestClientCancelWhileWaitingForToken(t *testing.T) {
	gate := make(chan struct{})
	fetchStarted := make(chan struct{}, 1)
	slow := tokencache.FetcherFunc(func(ctx context.Context) (tokencache.Token, error) {
		fetchStarted <- struct{}{}
		select {
		case <-gate:
			return tokencache.Token{Value: "late", Expiry: time.Now().Add(time.Hour)}, nil
		case <-ctx.Done():
			return tokencache.Token{}, ctx.Err()
		}
	})
	h := newHarness(t, harnessOpts{fetcher: slow}, binding{"GET", "/v1/books", getBook()})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/v1/books?key=K", nil).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		h.handler().ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	<-fetchStarted
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("filter did not return after cancellation")
	}
	close(gate)

	// the late token must not revive the request
	time.Sleep(20 * time.Millisecond)
	if h.backend.checkCount() != 0 || h.forwarded() != 0 {
		t.Errorf("checks=%d forwarded=%d after cancellation", h.backend.checkCount(), h.forwarded())
	}
}

func TestUnmatchedRoute(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/books", getBook()})
		rr := h.do("GET", "/v2/other", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rr.Code)
		}
		if msg := errorMessage(t, rr); msg != "Not Found" {
			t.Errorf("message = %q", msg)
		}
		if h.forwarded() != 0 {
			t.Error("unmatched request forwarded")
		}
	})

	t.Run("pass_through", func(t *testing.T) {
		h := newHarness(t, harnessOpts{unmatched: UnmatchedPassThrough}, binding{"GET", "/v1/books", getBook()})
		rr := h.do("GET", "/v2/other", nil)
		if rr.Code != http.StatusOK || h.forwarded() != 1 {
			t.Fatalf("status = %d forwarded = %d", rr.Code, h.forwarded())
		}
		if h.seen != nil {
			t.Error("unmatched request should carry no operation")
		}
		if h.backend.checkCount() != 0 || len(h.flush(t)) != 0 {
			t.Error("pass-through must not Check or Report")
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	cors := getBook()
	cors.AllowCORS = true
	plain := getBook()
	plain.Name = "ListAuthors"

	h := newHarness(t, harnessOpts{},
		binding{"GET", "/v1/books", cors},
		binding{"GET", "/v1/authors", plain},
	)

	if rr := h.do("OPTIONS", "/v1/books", nil); rr.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	if h.backend.checkCount() != 0 {
		t.Error("preflight must not be checked")
	}
	if rr := h.do("OPTIONS", "/v1/authors", nil); rr.Code != http.StatusNotFound {
		t.Errorf("OPTIONS without allow_cors = %d, want 404", rr.Code)
	}
}

func TestCheckCacheSkipsBackend(t *testing.T) {
	h := newHarness(t, harnessOpts{cacheTTL: time.Minute}, binding{"GET", "/v1/books", getBook()})

	for i := 0; i < 3; i++ {
		if rr := h.do("GET", "/v1/books?key=K", nil); rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
	}
	if n := h.backend.checkCount(); n != 1 {
		t.Errorf("check calls = %d, want 1", n)
	}
	if n := len(h.flush(t)); n != 3 {
		t.Errorf("reports = %d, every request is reported", n)
	}
}

func TestRequestBodyIsCountedAndForwarded(t *testing.T) {
	h := newHarness(t, harnessOpts{}, binding{"POST", "/v1/books", getBook()})

	rr := h.do("POST", "/v1/books?key=K", strings.NewReader("hello"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if h.body != "hello" {
		t.Errorf("forwarded body = %q", h.body)
	}

	reports := h.flush(t)
	if len(reports) != 1 {
		t.Fatalf("reports = %d", len(reports))
	}
	for _, ms := range reports[0].Operations[0].MetricValueSets {
		switch ms.MetricName {
		case servicecontrol.MetricProducerRequestSizes:
			if ms.MetricValues[0].Int64Value != 5 {
				t.Errorf("request size = %d", ms.MetricValues[0].Int64Value)
			}
		case servicecontrol.MetricProducerResponseSizes:
			if ms.MetricValues[0].Int64Value != 2 {
				t.Errorf("response size = %d", ms.MetricValues[0].Int64Value)
			}
		}
	}
}

func TestSetMatcherSwapsOperations(t *testing.T) {
	h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/books", getBook()})

	b := pathmatcher.NewBuilder[*servicecontrol.Operation]()
	if err := b.Insert("GET", "/v2/books", getBook()); err != nil {
		t.Fatal(err)
	}
	h.filter.SetMatcher(b.Build())

	if rr := h.do("GET", "/v1/books?key=K", nil); rr.Code != http.StatusNotFound {
		t.Errorf("old route status = %d", rr.Code)
	}
	if rr := h.do("GET", "/v2/books?key=K", nil); rr.Code != http.StatusOK {
		t.Errorf("new route status = %d", rr.Code)
	}
}

func TestUnknownServiceIsInternalError(t *testing.T) {
	op := getBook()
	op.ServiceName = "unregistered.example.com"
	h := newHarness(t, harnessOpts{}, binding{"GET", "/v1/books", op})

	if rr := h.do("GET", "/v1/books", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
	if h.forwarded() != 0 {
		t.Error("request forwarded without a service")
	}
}
