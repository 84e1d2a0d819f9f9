package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/logging"
)

var recorderPool = sync.Pool{
	New: func() any { return &ResponseRecorder{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := recorderPool.Get().(*ResponseRecorder)
			rec.reset(w)

			extra := &logFields{}
			ctx := context.WithValue(r.Context(), logFieldsKey{}, extra)
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)

			var fields [10]zap.Field
			n := 0
			fields[n] = zap.String("request_id", r.Header.Get(RequestIDHeader)); n++
			fields[n] = zap.String("remote_addr", r.RemoteAddr); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", rec.Status()); n++
			fields[n] = zap.Int64("body_bytes", rec.BytesWritten()); n++
			fields[n] = zap.Duration("response_time", duration); n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			logging.Info("HTTP request", append(fields[:n], extra.get()...)...)

			rec.ResponseWriter = nil
			recorderPool.Put(rec)
		})
	}
}

type logFieldsKey struct{}

type logFields struct {
	mu     sync.Mutex
	fields []zap.Field
}

func (l *logFields) get() []zap.Field {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fields
}

// AddLogFields attaches fields to the access log line of the request that
// owns ctx. It is a no-op outside the access log middleware.
func AddLogFields(ctx context.Context, fields ...zap.Field) {
	l, ok := ctx.Value(logFieldsKey{}).(*logFields)
	if !ok {
		return
	}
	l.mu.Lock()
	l.fields = append(l.fields, fields...)
	l.mu.Unlock()
}
