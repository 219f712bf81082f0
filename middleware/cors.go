package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/juanfont/impersonator/auth"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	// AllowedOrigins lists exact origins allowed to call the API with credentials.
	// "*" allows any origin, but then without cookies.
	AllowedOrigins []string

	AllowedMethods []string
	AllowedHeaders []string

	// ExposedHeaders lists response headers readable by browser scripts.
	ExposedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig allows the given console origins to call the API with the actor
// cookie, send a delegation token and read the impersonation headers. With no origins
// only same-origin requests succeed.
func DefaultCORSConfig(origins ...string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", auth.HeaderImpersonationToken},
		ExposedHeaders: []string{
			auth.HeaderImpersonated,
			auth.HeaderImpersonationSession,
			auth.HeaderOriginalUserID,
			auth.HeaderImpersonatedUserID,
			auth.HeaderImpersonationRisk,
			auth.HeaderImpersonationStart,
			"Retry-After",
		},
		MaxAge: 600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing. Preflight
// requests are answered here and never reach the API.
func CORS(cfg *CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultCORSConfig()
	}

	anyOrigin := slices.Contains(cfg.AllowedOrigins, "*")
	exact := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		exact[strings.TrimSuffix(o, "/")] = true
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed := origin != "" && (exact[origin] || anyOrigin)
			if allowed {
				if exact[origin] {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
				} else {
					h.Set("Access-Control-Allow-Origin", "*")
				}
				if exposed != "" {
					h.Set("Access-Control-Expose-Headers", exposed)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", methods)
					h.Set("Access-Control-Allow-Headers", headers)
					if cfg.MaxAge > 0 {
						h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
