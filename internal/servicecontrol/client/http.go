package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/servicecontrol"
	"github.com/wudi/scgate/internal/tracing"
)

// HTTPClient posts Check and Report bodies as JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP creates an HTTP transport rooted at baseURL.
func NewHTTP(baseURL string, opts Options) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *HTTPClient) endpoint(service, method string) string {
	return c.baseURL + "/v1/services/" + url.PathEscape(service) + ":" + method
}

// Check implements Client.
func (c *HTTPClient) Check(ctx context.Context, token string, req *servicecontrol.CheckRequest) ([]byte, error) {
	ctx, span := tracing.StartClientSpan(ctx, "servicecontrol.check",
		attribute.String("service", req.ServiceName),
		attribute.String("operation.id", req.Operation.OperationID),
	)
	body, err := c.post(ctx, token, c.endpoint(req.ServiceName, "check"), req)
	tracing.EndSpan(span, err)
	return body, err
}

// Report implements Client.
func (c *HTTPClient) Report(ctx context.Context, token string, req *servicecontrol.ReportRequest) error {
	ctx, span := tracing.StartClientSpan(ctx, "servicecontrol.report",
		attribute.String("service", req.ServiceName),
	)
	_, err := c.post(ctx, token, c.endpoint(req.ServiceName, "report"), req)
	tracing.EndSpan(span, err)
	return err
}

func (c *HTTPClient) post(ctx context.Context, token, endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	tracing.InjectHeaders(ctx, httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gwerrors.CheckTransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &gwerrors.CheckTransportError{Status: resp.StatusCode, Err: err}
	}
	if len(body) > MaxResponseBytes {
		return nil, &gwerrors.CheckTransportError{Status: resp.StatusCode, Err: ErrResponseTooLarge}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &gwerrors.CheckTransportError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("policy backend returned %d", resp.StatusCode),
		}
	}
	return body, nil
}

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
