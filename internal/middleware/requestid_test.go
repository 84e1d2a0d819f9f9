package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"client id kept", "abc-123", true},
		{"space rejected", "abc 123", false},
		{"non ascii rejected", "ïd", false},
		{"too long rejected", strings.Repeat("a", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
				if r.Header.Get(RequestIDHeader) != seen {
					t.Errorf("request header = %q, context = %q", r.Header.Get(RequestIDHeader), seen)
				}
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if tt.keep && seen != tt.incoming {
				t.Errorf("request id = %q, want %q", seen, tt.incoming)
			}
			if !tt.keep {
				id, err := uuid.Parse(seen)
				if err != nil || id.Version() != 7 {
					t.Errorf("request id = %q, want a UUIDv7", seen)
				}
			}
			if rr.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header = %q", rr.Header().Get(RequestIDHeader))
			}
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("got %q", id)
	}
	if id := RequestIDFromContext(WithRequestID(context.Background(), "x")); id != "x" {
		t.Errorf("got %q", id)
	}
}
