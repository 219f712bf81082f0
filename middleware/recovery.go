package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/juanfont/impersonator/auth"
	"github.com/juanfont/impersonator/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var httpPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "http_panics_total",
	Help: "Handler panics recovered by the HTTP server",
})

// Recovery returns a middleware that turns handler panics into a 500 envelope.
func Recovery() func(http.Handler) http.Handler {
	return RecoveryWithLogger(log.Logger)
}

// RecoveryWithLogger is Recovery with an explicit logger. The stack only reaches the
// log. If the handler already started the response, it is left as is.
func RecoveryWithLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseWriter(w)
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				httpPanicsTotal.Inc()

				ev := logger.Error().
					Interface("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("request_id", w.Header().Get(HeaderRequestID)).
					Bytes("stack", debug.Stack())
				if sid := w.Header().Get(auth.HeaderImpersonationSession); sid != "" {
					ev = ev.Str("session_id", sid)
				}
				ev.Msg("Panic recovered")

				if !rw.wroteHeader {
					types.WriteHTTPError(w, fmt.Errorf("panic: %v", p))
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
