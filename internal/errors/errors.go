package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// GatewayError is an error that is safe to return to clients. Message is
// always coarse; the wrapped error carries the detail for logs.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Singletons without a request id use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Client-facing errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrTokenFetchFailed = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Failed to fetch access_token",
	}

	ErrCheckFailed = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Check failed",
	}

	ErrPermissionDenied = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Permission denied",
	}

	ErrQuotaExhausted = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Quota exhausted",
	}

	ErrRequestCanceled = &GatewayError{
		Code:    499,
		Message: "Client Closed Request",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrTokenFetchFailed, ErrCheckFailed, ErrPermissionDenied,
		ErrQuotaExhausted, ErrRequestCanceled, ErrBadGateway, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-safe code and message.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithRequestID returns a copy tagged with the request id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsGatewayError reports whether err is a *GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// ErrUnmatchedRoute is returned when no operation is bound to (method, path).
var ErrUnmatchedRoute = errors.New("no operation matches request")

// TemplateParseError reports a malformed URL template.
type TemplateParseError struct {
	Template string
	Pos      int
	Reason   string
}

func (e *TemplateParseError) Error() string {
	return fmt.Sprintf("invalid template %q at %d: %s", e.Template, e.Pos, e.Reason)
}

// AmbiguousRouteError reports a duplicate (method, template) binding.
type AmbiguousRouteError struct {
	Method   string
	Template string
}

func (e *AmbiguousRouteError) Error() string {
	return fmt.Sprintf("duplicate binding for %s %s", e.Method, e.Template)
}

// TokenFetchError reports a failed credential fetch for a key.
type TokenFetchError struct {
	Key string
	Err error
}

func (e *TokenFetchError) Error() string {
	return fmt.Sprintf("fetch token %s: %v", e.Key, e.Err)
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

// CheckRejected is a policy denial from the backend.
type CheckRejected struct {
	Code   string
	Detail string
}

func (e *CheckRejected) Error() string {
	if e.Detail == "" {
		return "check rejected: " + e.Code
	}
	return fmt.Sprintf("check rejected: %s: %s", e.Code, e.Detail)
}

// CheckTransportError is a network, timeout or non-2xx failure on a Check attempt.
type CheckTransportError struct {
	Status int
	Err    error
}

func (e *CheckTransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("check transport: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("check transport: %v", e.Err)
}

func (e *CheckTransportError) Unwrap() error { return e.Err }

// ReportDispatchError is a failed best-effort Report.
type ReportDispatchError struct {
	OperationID string
	Err         error
}

func (e *ReportDispatchError) Error() string {
	return fmt.Sprintf("report %s: %v", e.OperationID, e.Err)
}

func (e *ReportDispatchError) Unwrap() error { return e.Err }
