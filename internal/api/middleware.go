package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/havencarlson/CS/internal/monitoring"
)

const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers such as the link tail working behind the
// middleware.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func colorStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return colorBoldGreen + strconv.Itoa(code) + colorReset
	case code >= 300 && code < 400:
		return colorYellow + strconv.Itoa(code) + colorReset
	case code >= 400:
		return colorBoldRed + strconv.Itoa(code) + colorReset
	default:
		return strconv.Itoa(code)
	}
}

// LoggingMiddleware logs one line per request with status and latency.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		monitoring.Logf("[%s] %s %s%s%s %.3fms",
			colorStatus(rec.status), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
