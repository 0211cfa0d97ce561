package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/crashreport"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
)

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event feed working through the wrapper
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request counts and durations
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// recoverer turns a handler panic into a 500 and reports it
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				crashreport.ReportPanic(r.Context(), v)
				s.logger.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprint(v)).
					Msg("Handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("HTTP request")
		next.ServeHTTP(w, r)
	})
}
