package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
)

// Impersonation headers.
const (
	HeaderImpersonationToken = "X-Impersonation-Token"

	HeaderImpersonated         = "X-Impersonated"
	HeaderImpersonationSession = "X-Impersonation-Session"
	HeaderOriginalUserID       = "X-Original-User-Id"
	HeaderImpersonatedUserID   = "X-Impersonated-User-Id"
	HeaderImpersonationRisk    = "X-Impersonation-Risk"
	HeaderImpersonationStart   = "X-Impersonation-Start"
)

type chainKey int

const (
	validationKey chainKey = iota
	historyKey
)

// ImpersonationContext describes who an impersonated request runs as.
type ImpersonationContext struct {
	IsImpersonated   bool
	Session          *types.ImpersonationSession
	Record           *types.ImpersonationRecord
	OriginalUser     *types.User
	ImpersonatedUser *types.User
}

// GetImpersonationContext returns the impersonation context, or nil.
func GetImpersonationContext(ctx context.Context) *ImpersonationContext {
	ic, ok := ctx.Value(ContextKeyImpersonation).(*ImpersonationContext)
	if !ok {
		return nil
	}
	return ic
}

// ImpersonationMiddleware runs requests carrying a delegation token as the
// impersonated user and records what they do.
type ImpersonationMiddleware struct {
	manager  *impersonation.Manager
	users    UserStore
	sessions *SessionMiddleware

	inflight sync.WaitGroup
}

// NewImpersonationMiddleware creates the middleware. sessions may be nil; when set, a
// token presented alongside another user's session cookie is rejected.
func NewImpersonationMiddleware(manager *impersonation.Manager, users UserStore, sessions *SessionMiddleware) *ImpersonationMiddleware {
	return &ImpersonationMiddleware{
		manager:  manager,
		users:    users,
		sessions: sessions,
	}
}

// Chain applies the full middleware chain in order.
func (im *ImpersonationMiddleware) Chain(next http.Handler) http.Handler {
	return im.Substitute(
		im.ValidateSession(
			im.PropagateContext(
				im.RateLimit(
					im.DetectSuspicious(
						im.LogActions(next))))))
}

// Wait blocks until in-flight action logs are written.
func (im *ImpersonationMiddleware) Wait() {
	im.inflight.Wait()
}

func validationFrom(r *http.Request) *impersonation.Validation {
	v, _ := r.Context().Value(validationKey).(*impersonation.Validation)
	return v
}

// Substitute resolves the delegation token and replaces the effective user with the
// target. Requests without a token pass through untouched.
func (im *ImpersonationMiddleware) Substitute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(HeaderImpersonationToken)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		v, err := im.manager.ValidateToken(ctx, token)
		if err != nil {
			rejectToken(w, r, err)
			return
		}

		original, err := im.users.GetUserByID(ctx, v.Record.SuperAdminID)
		if err != nil || !original.IsActive() || !original.IsSuperAdmin() {
			log.Warn().Err(err).Str("session_id", v.Session.SessionID).Msg("Impersonating super admin is no longer authorized")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "impersonation is no longer authorized", err))
			return
		}

		if im.sessions != nil {
			if actor, err := im.sessions.Authenticate(r); err == nil && actor.ID != original.ID {
				log.Warn().
					Str("session_id", v.Session.SessionID).
					Str("cookie_user_id", actor.ID.String()).
					Msg("Impersonation token presented by another user")
				types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized,
					"impersonation token does not belong to this session", nil))
				return
			}
		}

		effective := v.Session.EffectiveUser()
		ctx = context.WithValue(ctx, validationKey, v)
		ctx = context.WithValue(ctx, ContextKeyOriginalUser, original)
		ctx = context.WithValue(ctx, ContextKeyUser, effective)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectToken answers a request whose delegation token cannot be used. Every credential
// failure is the same 401 to the client; the specific kind is only logged.
func rejectToken(w http.ResponseWriter, r *http.Request, err error) {
	if impersonation.HTTPStatus(err) == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to validate impersonation token")
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}
	log.Warn().Err(err).Str("path", r.URL.Path).Str("ip", GetClientIP(r)).Msg("Rejected impersonation token")
	types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "invalid impersonation token", err))
}

// ValidateSession rechecks the resolved session against its durable record, ending it
// if it has outlived its lifetime, and warns on high risk.
func (im *ImpersonationMiddleware) ValidateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := validationFrom(r)
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		v, err := im.manager.RecheckSession(r.Context(), v)
		if err != nil {
			rejectToken(w, r, err)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), validationKey, v))

		if v.Session.RiskScore >= im.manager.Policy().HighRiskThreshold {
			log.Warn().
				Str("session_id", v.Session.SessionID).
				Str("super_admin_id", v.Session.SuperAdminID.String()).
				Int("risk_score", v.Session.RiskScore).
				Strs("flags", v.Session.Flags).
				Msg("High risk impersonation session in use")
		}

		next.ServeHTTP(w, r)
	})
}

// PropagateContext publishes the impersonation context and the response headers.
func (im *ImpersonationMiddleware) PropagateContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := validationFrom(r)
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		original := GetOriginalUserFromContext(r.Context())
		effective := GetUserFromContext(r.Context())
		ic := &ImpersonationContext{
			IsImpersonated:   true,
			Session:          v.Session,
			Record:           v.Record,
			OriginalUser:     original,
			ImpersonatedUser: effective,
		}

		h := w.Header()
		h.Set(HeaderImpersonated, "true")
		h.Set(HeaderImpersonationSession, v.Session.SessionID)
		h.Set(HeaderOriginalUserID, original.ID.String())
		h.Set(HeaderImpersonatedUserID, effective.ID.String())
		h.Set(HeaderImpersonationRisk, strconv.Itoa(v.Session.RiskScore))
		h.Set(HeaderImpersonationStart, v.Session.StartTime.UTC().Format(time.RFC3339))

		ctx := context.WithValue(r.Context(), ContextKeyImpersonation, ic)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit rejects requests once the session has used its action budget for the
// trailing window.
func (im *ImpersonationMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := validationFrom(r)
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		history, err := im.manager.SessionActions(r.Context(), v.Record.ID)
		if err != nil {
			types.WriteHTTPError(w, fmt.Errorf("loading impersonation actions: %w", err))
			return
		}

		p := im.manager.Policy()
		if n := impersonation.CountRecentActions(history, im.manager.Now(), p.RateWindow); n >= p.ActionRateLimit {
			impersonation.RateLimited.Inc()
			log.Warn().
				Str("session_id", v.Session.SessionID).
				Int("actions", n).
				Int("limit", p.ActionRateLimit).
				Msg("Impersonation rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(p.RateWindow.Seconds())))
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %d actions per %s", p.ActionRateLimit, p.RateWindow),
				impersonation.ErrRateLimited))
			return
		}

		ctx := context.WithValue(r.Context(), historyKey, history)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DetectSuspicious evaluates the request against the suspicious-pattern heuristics
// and flags the session when any match. Requests are never blocked here.
func (im *ImpersonationMiddleware) DetectSuspicious(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := validationFrom(r)
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		history, _ := r.Context().Value(historyKey).([]types.ImpersonationAction)
		a := impersonation.Assess(history, impersonation.RequestMeta{
			Method:     r.Method,
			Path:       r.URL.Path,
			TargetRole: v.Session.TargetUserRole,
			Now:        im.manager.Now(),
		}, im.manager.Policy())

		if a.Suspicious() {
			if err := im.manager.FlagSession(r.Context(), v.Session.SessionID, a.Flags, a.Matched); err != nil {
				log.Error().Err(err).Str("session_id", v.Session.SessionID).Msg("Failed to flag impersonation session")
			}
		}

		next.ServeHTTP(w, r)
	})
}

// LogActions appends the completed request to the session's trail. The write happens
// in the background on a context that outlives the request.
func (im *ImpersonationMiddleware) LogActions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := validationFrom(r)
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		entry := impersonation.ActionEntry{
			Action:     r.Method + " " + r.URL.Path,
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			StatusCode: rw.status,
			Duration:   time.Since(start),
			IPAddress:  GetClientIP(r),
			UserAgent:  r.UserAgent(),
			Timestamp:  im.manager.Now(),
		}
		ctx := context.WithoutCancel(r.Context())
		sessionID := v.Session.SessionID

		im.inflight.Add(1)
		go func() {
			defer im.inflight.Done()
			im.manager.LogAction(ctx, sessionID, entry)
		}()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
