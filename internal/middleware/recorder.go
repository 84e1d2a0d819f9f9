package middleware

import (
	"bufio"
	"net"
	"net/http"
)

// ResponseRecorder wraps http.ResponseWriter to capture status and bytes
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	rec := &ResponseRecorder{}
	rec.reset(w)
	return rec
}

func (rr *ResponseRecorder) reset(w http.ResponseWriter) {
	rr.ResponseWriter = w
	rr.status = http.StatusOK
	rr.bytes = 0
	rr.wroteHeader = false
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (rr *ResponseRecorder) Flush() {
	rr.wroteHeader = true
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Status returns the recorded status code
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// WroteHeader reports whether a response has started.
func (rr *ResponseRecorder) WroteHeader() bool {
	return rr.wroteHeader
}

// BytesWritten returns the number of body bytes written
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}
