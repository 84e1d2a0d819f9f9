package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/logging"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(err interface{}, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(err interface{}, stack []byte) {
	logging.Error("Panic recovered",
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(rec, stack)
				}

				gwErr := errors.Wrap(fmt.Errorf("panic: %v", rec), http.StatusInternalServerError, errors.ErrInternalServer.Message)
				if reqID := RequestIDFromContext(r.Context()); reqID != "" {
					gwErr = gwErr.WithRequestID(reqID)
				}
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
