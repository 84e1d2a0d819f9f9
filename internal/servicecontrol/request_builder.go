package servicecontrol

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ServiceAgent identifies this gateway in Check and Report labels.
const ServiceAgent = "scgate/1.0"

// Label keys.
const (
	LabelCallerIP          = "servicecontrol.googleapis.com/caller_ip"
	LabelServiceAgent      = "servicecontrol.googleapis.com/service_agent"
	LabelProducerProject   = "servicecontrol.googleapis.com/producer_project_id"
	LabelAPIMethod         = "serviceruntime.googleapis.com/api_method"
	LabelConsumerProject   = "serviceruntime.googleapis.com/consumer_project"
	LabelCredentialID      = "/credential_id"
	LabelProtocol          = "/protocol"
	LabelResponseCode      = "/response_code"
	LabelResponseCodeClass = "/response_code_class"
)

// Metric names.
const (
	MetricProducerRequestCount  = "serviceruntime.googleapis.com/api/producer/request_count"
	MetricProducerRequestSizes  = "serviceruntime.googleapis.com/api/producer/request_sizes"
	MetricProducerResponseSizes = "serviceruntime.googleapis.com/api/producer/response_sizes"
	MetricConsumerRequestCount  = "serviceruntime.googleapis.com/api/consumer/request_count"
	MetricConsumerRequestSizes  = "serviceruntime.googleapis.com/api/consumer/request_sizes"
	MetricConsumerResponseSizes = "serviceruntime.googleapis.com/api/consumer/response_sizes"
)

// LogName is the log name of the Report log entry.
const LogName = "endpoints_log"

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FillCheckRequest builds the Check body for info. Identical input yields
// identical output.
func FillCheckRequest(info *RequestInfo) *CheckRequest {
	op := info.Operation
	labels := map[string]string{
		LabelServiceAgent: ServiceAgent,
	}
	if info.ClientIP != "" {
		labels[LabelCallerIP] = info.ClientIP
	}
	if op.ProducerProjectID != "" {
		labels[LabelProducerProject] = op.ProducerProjectID
	}

	return &CheckRequest{
		ServiceName:     op.ServiceName,
		ServiceConfigID: op.ServiceConfigID,
		Operation: OperationData{
			OperationID:   info.OperationID,
			OperationName: info.OperationName,
			ConsumerID:    consumerID(info.APIKey, op.ConsumerProjectID),
			StartTime:     formatTime(info.StartTime),
			Labels:        labels,
		},
	}
}

func consumerID(apiKey, consumerProject string) string {
	switch {
	case apiKey != "":
		return "api_key:" + apiKey
	case consumerProject != "":
		return "project:" + consumerProject
	default:
		return ""
	}
}

// ConvertCheckResponse interprets a Check response body. A body that does
// not decode, or that carries any check error, is not allowed.
func ConvertCheckResponse(body []byte) CheckOutcome {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		out := UncheckedOutcome(CodeMalformedResponse)
		out.Reason = "check response could not be decoded"
		return out
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		out := UncheckedOutcome(CodeMalformedResponse)
		out.Reason = "check response is not an object"
		return out
	}

	out := CheckOutcome{Allowed: true, APIKeyValid: true, ServiceActivated: true, Validated: true}
	out.ConsumerProjectNumber = res.Get("checkInfo.consumerInfo.projectNumber").String()

	errs := res.Get("checkErrors").Array()
	if len(errs) == 0 {
		return out
	}

	out.Allowed = false
	out.Code = errs[0].Get("code").String()
	out.Reason = errs[0].Get("detail").String()
	if out.Code == "" {
		out.Code = "UNKNOWN"
	}
	for _, e := range errs {
		switch e.Get("code").String() {
		case CodeAPIKeyInvalid, CodeAPIKeyExpired, CodeAPIKeyNotFound:
			out.APIKeyValid = false
		case CodeServiceNotActivated:
			out.ServiceActivated = false
		}
	}
	return out
}

// FillReportRequest builds the Report body for a finished request. The API
// key is included only when a Check response validated it and the service
// is activated. Identical input yields identical output.
func FillReportRequest(info *RequestInfo, outcome CheckOutcome, status int, bytesIn, bytesOut int64) *ReportRequest {
	op := info.Operation
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reportKey := info.APIKey != "" && outcome.Validated && outcome.APIKeyValid && outcome.ServiceActivated

	consumerProject := outcome.ConsumerProjectNumber
	if consumerProject == "" {
		consumerProject = op.ConsumerProjectID
	}

	labels := map[string]string{
		LabelAPIMethod:         op.Name,
		LabelProtocol:          "http",
		LabelResponseCode:      strconv.Itoa(status),
		LabelResponseCodeClass: strconv.Itoa(status/100) + "xx",
		LabelServiceAgent:      ServiceAgent,
	}
	if consumerProject != "" {
		labels[LabelConsumerProject] = consumerProject
	}
	if info.ClientIP != "" {
		labels[LabelCallerIP] = info.ClientIP
	}

	metrics := []MetricValueSet{
		int64Metric(MetricProducerRequestCount, 1),
		int64Metric(MetricProducerRequestSizes, bytesIn),
		int64Metric(MetricProducerResponseSizes, bytesOut),
	}

	data := OperationData{
		OperationID:   info.OperationID,
		OperationName: info.OperationName,
		StartTime:     formatTime(info.StartTime),
		EndTime:       formatTime(info.EndTime),
		Labels:        labels,
	}

	if reportKey {
		data.ConsumerID = consumerID(info.APIKey, "")
		labels[LabelCredentialID] = "apikey:" + info.APIKey
		metrics = append(metrics,
			int64Metric(MetricConsumerRequestCount, 1),
			int64Metric(MetricConsumerRequestSizes, bytesIn),
			int64Metric(MetricConsumerResponseSizes, bytesOut),
		)
	} else if op.ConsumerProjectID != "" {
		data.ConsumerID = consumerID("", op.ConsumerProjectID)
	}

	names := make([]string, 0, len(op.MetricCosts))
	for name := range op.MetricCosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, int64Metric(name, op.MetricCosts[name]))
	}
	sort.SliceStable(metrics, func(i, j int) bool {
		return metrics[i].MetricName < metrics[j].MetricName
	})
	data.MetricValueSets = metrics

	payload := map[string]interface{}{
		"api_method":             op.Name,
		"http_method":            info.HTTPMethod,
		"http_response_code":     status,
		"log_message":            op.Name + " is called",
		"request_size_in_bytes":  bytesIn,
		"response_size_in_bytes": bytesOut,
		"url":                    info.URL,
	}
	if op.ProducerProjectID != "" {
		payload["producer_project_id"] = op.ProducerProjectID
	}
	if reportKey {
		payload["api_key"] = info.APIKey
	}
	if !outcome.Allowed && outcome.Code != "" {
		payload["error_cause"] = outcome.Code
	}
	if !info.EndTime.IsZero() {
		payload["request_latency_in_ms"] = info.EndTime.Sub(info.StartTime).Milliseconds()
	}

	data.LogEntries = []LogEntry{{
		Name:          LogName,
		Timestamp:     formatTime(info.EndTime),
		Severity:      severity(status),
		StructPayload: payload,
	}}

	return &ReportRequest{
		ServiceName:     op.ServiceName,
		ServiceConfigID: op.ServiceConfigID,
		Operations:      []OperationData{data},
	}
}

func int64Metric(name string, v int64) MetricValueSet {
	return MetricValueSet{
		MetricName:   name,
		MetricValues: []MetricValue{{Int64Value: v}},
	}
}

func severity(status int) string {
	switch {
	case status >= 500:
		return "ERROR"
	case status >= 400:
		return "WARNING"
	default:
		return "INFO"
	}
}
