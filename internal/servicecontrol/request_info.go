package servicecontrol

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExtractRequestInfo derives the per-request record from the request headers
// and the matched operation. Each call gets a fresh operation id.
func ExtractRequestInfo(r *http.Request, op *Operation) *RequestInfo {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	name := uri
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	return &RequestInfo{
		OperationID:   uuid.NewString(),
		OperationName: name,
		HTTPMethod:    r.Method,
		URL:           reportURL(uri, op.APIKeyLocations),
		APIKey:        ExtractAPIKey(r, op.APIKeyLocations),
		ClientIP:      clientIP(r),
		StartTime:     time.Now(),
		Operation:     op,
	}
}

// ExtractAPIKey scans header locations in order, then query locations in
// order, and returns the first non-empty value.
func ExtractAPIKey(r *http.Request, locations []APIKeyLocation) string {
	if len(locations) == 0 {
		locations = DefaultAPIKeyLocations
	}
	for _, loc := range locations {
		if loc.Header == "" {
			continue
		}
		if v := r.Header.Get(loc.Header); v != "" {
			return v
		}
	}

	var query map[string][]string
	for _, loc := range locations {
		if loc.Query == "" {
			continue
		}
		if query == nil {
			query = r.URL.Query()
		}
		if vs := query[loc.Query]; len(vs) > 0 && vs[0] != "" {
			return vs[0]
		}
	}
	return ""
}

// reportURL drops API key query parameters from uri. The remaining
// parameters keep their order and encoding.
func reportURL(uri string, locations []APIKeyLocation) string {
	path, rawQuery, ok := strings.Cut(uri, "?")
	if !ok {
		return uri
	}
	if len(locations) == 0 {
		locations = DefaultAPIKeyLocations
	}
	isKey := func(name string) bool {
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		for _, loc := range locations {
			if loc.Query != "" && loc.Query == name {
				return true
			}
		}
		return false
	}

	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(rawQuery, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if pair == "" || isKey(name) {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == 0 {
		return path
	}
	return path + "?" + strings.Join(kept, "&")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
