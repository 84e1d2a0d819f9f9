package servicecontrol

import (
	"net/http"
	"time"
)

// APIKeyLocation names one place an API key may be carried. Exactly one of
// Header or Query is set.
type APIKeyLocation struct {
	Header string
	Query  string
}

// DefaultAPIKeyLocations apply when an operation lists none.
var DefaultAPIKeyLocations = []APIKeyLocation{
	{Query: "key"},
	{Query: "api_key"},
	{Header: "x-api-key"},
}

// Operation is the immutable runtime form of one configured API operation.
type Operation struct {
	// Name is the operation selector, e.g. "bookstore.GetBook".
	Name              string
	ServiceName       string
	ServiceConfigID   string
	ProducerProjectID string
	ConsumerProjectID string
	APIKeyLocations   []APIKeyLocation
	MetricCosts       map[string]int64

	SkipServiceControl     bool
	SkipReport             bool
	AllowCORS              bool
	AllowUnregisteredCalls bool
}

// RequestInfo is the per-request record the builders read from.
type RequestInfo struct {
	OperationID   string
	OperationName string
	HTTPMethod    string
	URL           string
	APIKey        string
	ClientIP      string
	StartTime     time.Time
	EndTime       time.Time
	Operation     *Operation
}

// CheckOutcome is the interpreted result of a Check call.
type CheckOutcome struct {
	Allowed          bool
	Code             string
	Reason           string
	APIKeyValid      bool
	ServiceActivated bool
	// Validated is set only when the policy backend returned a decodable
	// Check response. APIKeyValid and ServiceActivated mean nothing without it.
	Validated bool
	// ConsumerProjectNumber is reported back by the policy backend.
	ConsumerProjectNumber string
}

// UncheckedOutcome is the outcome used when no Check decision exists, such
// as a failed token fetch or a transport failure.
func UncheckedOutcome(code string) CheckOutcome {
	return CheckOutcome{Code: code}
}

// AllowedOutcome is the outcome for requests that skip Check. The key was
// never validated, so it is not reported.
func AllowedOutcome() CheckOutcome {
	return CheckOutcome{Allowed: true}
}

// HTTPStatus is the client-facing status for a denied outcome.
func (o CheckOutcome) HTTPStatus() int {
	switch o.Code {
	case CodePermissionDenied, CodeServiceNotActivated, CodeProjectDeleted,
		CodeProjectInvalid, CodeBillingDisabled, CodeIPAddressBlocked,
		CodeRefererBlocked, CodeClientAppBlocked, CodeAPITargetBlocked,
		CodeConsumerInvalid:
		return http.StatusForbidden
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// Check error codes understood by ConvertCheckResponse.
const (
	CodeAPIKeyInvalid       = "API_KEY_INVALID"
	CodeAPIKeyExpired       = "API_KEY_EXPIRED"
	CodeAPIKeyNotFound      = "API_KEY_NOT_FOUND"
	CodeServiceNotActivated = "SERVICE_NOT_ACTIVATED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeProjectDeleted      = "PROJECT_DELETED"
	CodeProjectInvalid      = "PROJECT_INVALID"
	CodeBillingDisabled     = "BILLING_DISABLED"
	CodeIPAddressBlocked    = "IP_ADDRESS_BLOCKED"
	CodeRefererBlocked      = "REFERER_BLOCKED"
	CodeClientAppBlocked    = "CLIENT_APP_BLOCKED"
	CodeAPITargetBlocked    = "API_TARGET_BLOCKED"
	CodeConsumerInvalid     = "CONSUMER_INVALID"
	CodeResourceExhausted   = "RESOURCE_EXHAUSTED"

	// Local codes for outcomes produced without a Check response.
	CodeMalformedResponse = "MALFORMED_RESPONSE"
	CodeTokenUnavailable  = "TOKEN_UNAVAILABLE"
	CodeCheckUnavailable  = "CHECK_UNAVAILABLE"
)

// CheckRequest is the Check call body.
type CheckRequest struct {
	ServiceName     string        `json:"serviceName"`
	ServiceConfigID string        `json:"serviceConfigId,omitempty"`
	Operation       OperationData `json:"operation"`
}

// ReportRequest is the Report call body.
type ReportRequest struct {
	ServiceName     string          `json:"serviceName"`
	ServiceConfigID string          `json:"serviceConfigId,omitempty"`
	Operations      []OperationData `json:"operations"`
}

// OperationData is the operation record shared by Check and Report.
type OperationData struct {
	OperationID     string            `json:"operationId"`
	OperationName   string            `json:"operationName"`
	ConsumerID      string            `json:"consumerId,omitempty"`
	StartTime       string            `json:"startTime"`
	EndTime         string            `json:"endTime,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	MetricValueSets []MetricValueSet  `json:"metricValueSets,omitempty"`
	LogEntries      []LogEntry        `json:"logEntries,omitempty"`
}

// MetricValueSet holds the values reported for one metric.
type MetricValueSet struct {
	MetricName   string        `json:"metricName"`
	MetricValues []MetricValue `json:"metricValues"`
}

// MetricValue is a single int64 sample. The wire format carries int64 as a
// decimal string.
type MetricValue struct {
	Int64Value int64 `json:"int64Value,string"`
}

// LogEntry is a structured log line attached to a Report.
type LogEntry struct {
	Name          string                 `json:"name"`
	Timestamp     string                 `json:"timestamp"`
	Severity      string                 `json:"severity"`
	StructPayload map[string]interface{} `json:"structPayload"`
}
