package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyUser is the context key for the effective user. While impersonating it
	// holds the target user.
	ContextKeyUser ContextKey = "user"
	// ContextKeyOriginalUser is the context key for the super admin behind an
	// impersonated request.
	ContextKeyOriginalUser ContextKey = "original_user"
	// ContextKeyImpersonation is the context key for the *ImpersonationContext.
	ContextKeyImpersonation ContextKey = "impersonation"
)

// Cookie session keys.
const (
	sessionKeyLogged   = "logged"
	sessionKeyUserID   = "user_id"
	sessionKeyState    = "state"
	sessionKeyNonce    = "nonce"
	sessionKeyReturnTo = "return_to"
)

// Reasons a cookie session carries no usable user.
const (
	sessionNotLoggedIn = "not_authenticated"
	sessionCorrupted   = "session_corrupted"
)

func setSessionUser(session *sessions.Session, userID uuid.UUID) {
	session.Values[sessionKeyLogged] = true
	session.Values[sessionKeyUserID] = userID.String()
}

func clearSessionUser(session *sessions.Session) {
	delete(session.Values, sessionKeyLogged)
	delete(session.Values, sessionKeyUserID)
}

// sessionUserID returns the logged-in user id, or a reason when there is none.
func sessionUserID(session *sessions.Session) (uuid.UUID, string) {
	if logged, _ := session.Values[sessionKeyLogged].(bool); !logged {
		return uuid.Nil, sessionNotLoggedIn
	}
	raw, _ := session.Values[sessionKeyUserID].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, sessionCorrupted
	}
	return id, ""
}

// SessionMiddleware provides session-based authentication middleware.
type SessionMiddleware struct {
	sessionStore sessions.Store
	cookieName   string
	userStore    UserStore
}

// NewSessionMiddleware creates a new session middleware.
func NewSessionMiddleware(sessionStore sessions.Store, cookieName string, userStore UserStore) *SessionMiddleware {
	return &SessionMiddleware{
		sessionStore: sessionStore,
		cookieName:   cookieName,
		userStore:    userStore,
	}
}

// Authenticate validates the session cookie and returns the logged-in user.
func (m *SessionMiddleware) Authenticate(r *http.Request) (*types.User, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", err)
	}

	userID, reason := sessionUserID(session)
	switch reason {
	case "":
	case sessionNotLoggedIn:
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil)
	default:
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", nil)
	}

	user, err := m.userStore.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
	}
	if !user.IsActive() {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "User is disabled", nil)
	}

	return user, nil
}

// RequireAuth returns middleware that requires authentication. A user already placed
// in the context by the impersonation chain is used as is.
func (m *SessionMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.Authenticate(r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication required")
			types.WriteHTTPError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequireSuperAdmin returns middleware that requires the acting user to be a super
// admin. While impersonating, the acting user is the original super admin.
func (m *SessionMiddleware) RequireSuperAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		actor := GetActorFromContext(r.Context())
		if actor == nil || !actor.IsSuperAdmin() {
			ev := log.Warn().Str("path", r.URL.Path)
			if actor != nil {
				ev = ev.Str("user_id", actor.ID.String()).Str("email", actor.Email)
			}
			ev.Msg("User is not a super admin")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Super admin privileges required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserFromContext retrieves the effective user from the request context.
func GetUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// GetOriginalUserFromContext returns the super admin behind an impersonated request.
func GetOriginalUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyOriginalUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// GetActorFromContext returns the human responsible for the request: the original
// super admin while impersonating, the effective user otherwise.
func GetActorFromContext(ctx context.Context) *types.User {
	if original := GetOriginalUserFromContext(ctx); original != nil {
		return original
	}
	return GetUserFromContext(ctx)
}

// GetActorIDForAudit returns the correct user ID for audit logging.
// If impersonation is active, it returns the super admin's ID.
func GetActorIDForAudit(ctx context.Context) uuid.UUID {
	if actor := GetActorFromContext(ctx); actor != nil {
		return actor.ID
	}
	return uuid.Nil
}

// NewAuditLogWithContext starts an audit entry attributed to the request's actor. Under
// impersonation the entry also names the session and the user acted on behalf of.
func NewAuditLogWithContext(ctx context.Context, action, resourceType, resourceID string) *types.AuditLog {
	var actor *types.NullUUID
	if id := GetActorIDForAudit(ctx); id != uuid.Nil {
		actor = &types.NullUUID{UUID: id, Valid: true}
	}
	entry := types.NewAuditLog(actor, action, resourceType, resourceID)

	if ic := GetImpersonationContext(ctx); ic != nil && ic.IsImpersonated {
		entry.WithImpersonation(ic.Session.SessionID, ic.ImpersonatedUser.ID)
	}
	return entry
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
