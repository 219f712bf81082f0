// Package middleware provides the HTTP middleware wrapped around the impersonator API.
package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/auth"
	"github.com/rs/zerolog"
)

// HeaderRequestID carries the request id, taken from the client or generated.
const HeaderRequestID = "X-Request-Id"

// responseWriter records the status code and whether the header went out.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging returns a middleware that logs one line per request. Requests served under
// an impersonation session also carry the session and both identities, read from the
// response headers the impersonation chain sets.
func Logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(HeaderRequestID)
			if reqID == "" || len(reqID) > 64 {
				reqID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, reqID)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			var ev *zerolog.Event
			switch {
			case rw.statusCode >= 500:
				ev = logger.Error()
			case rw.statusCode >= 400:
				ev = logger.Warn()
			default:
				ev = logger.Debug()
			}

			ev = ev.
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent())

			if h := w.Header(); h.Get(auth.HeaderImpersonated) == "true" {
				ev = ev.
					Bool("impersonated", true).
					Str("session_id", h.Get(auth.HeaderImpersonationSession)).
					Str("original_user_id", h.Get(auth.HeaderOriginalUserID)).
					Str("impersonated_user_id", h.Get(auth.HeaderImpersonatedUserID)).
					Str("risk_score", h.Get(auth.HeaderImpersonationRisk))
			}

			ev.Msg("HTTP request")
		})
	}
}
