// Package auth provides OIDC login, cookie sessions, and the impersonation
// middleware chain.
package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// OIDCCallbackPath is the default callback path for OIDC.
	OIDCCallbackPath = "/api/oidc/callback"

	// ReturnToParam names the login query parameter holding where to land afterwards.
	ReturnToParam = "return_to"
)

// OIDCProvider verifies super admin logins against the configured issuer.
type OIDCProvider struct {
	callbackPath string

	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// OIDCProviderConfig holds configuration for creating an OIDC provider.
type OIDCProviderConfig struct {
	ServerURL    string
	OIDCConfig   types.OIDCConfig
	CallbackPath string
}

// NewOIDCProvider discovers the issuer and creates a provider.
func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	callback := cmp.Or(cfg.CallbackPath, OIDCCallbackPath)

	provider, err := oidc.NewProvider(ctx, cfg.OIDCConfig.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC issuer %s: %w", cfg.OIDCConfig.Issuer, err)
	}

	scopes := cfg.OIDCConfig.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		callbackPath: callback,
		provider:     provider,
		verifier:     provider.Verifier(&oidc.Config{ClientID: cfg.OIDCConfig.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.OIDCConfig.ClientID,
			ClientSecret: cfg.OIDCConfig.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  strings.TrimSuffix(cfg.ServerURL, "/") + callback,
			Scopes:       scopes,
		},
	}, nil
}

// CallbackPath returns the OIDC callback path.
func (p *OIDCProvider) CallbackPath() string {
	return p.callbackPath
}

// AuthCodeURL generates the authorization URL for the OIDC flow.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange exchanges an authorization code for tokens.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.oauth2Config.Exchange(ctx, code)
}

// ProcessCallback verifies the ID token in an exchanged token and returns its claims,
// filling gaps from the userinfo endpoint.
func (p *OIDCProvider) ProcessCallback(ctx context.Context, expectedNonce string, token *oauth2.Token) (*types.OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("missing id token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}
	if idToken.Nonce != expectedNonce {
		return nil, errors.New("nonce did not match")
	}

	var claims types.OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id token claims: %w", err)
	}

	userinfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		log.Warn().Err(err).Str("sub", claims.Sub).Msg("Userinfo unavailable, using id token claims only")
		return &claims, nil
	}
	if userinfo.Subject != claims.Sub {
		log.Warn().Str("sub", claims.Sub).Str("userinfo_sub", userinfo.Subject).Msg("Ignoring userinfo for another subject")
		return &claims, nil
	}

	var extra types.OIDCClaims
	if err := userinfo.Claims(&extra); err != nil {
		log.Warn().Err(err).Msg("Decoding userinfo claims")
	}
	claims.Merge(&extra)
	claims.Email = cmp.Or(claims.Email, userinfo.Email)
	claims.EmailVerified = cmp.Or(claims.EmailVerified, types.FlexibleBoolean(userinfo.EmailVerified))

	return &claims, nil
}

// GenerateRandomState returns a URL-safe random string for OIDC state and nonce.
func GenerateRandomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// UserStore is the interface for user database operations.
type UserStore interface {
	CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// AuditLogger is the interface for audit logging.
type AuditLogger interface {
	CreateAuditLog(ctx context.Context, log *types.AuditLog) error
}

// SessionEnder ends every active impersonation session a super admin holds.
type SessionEnder interface {
	EndAllActiveSessions(ctx context.Context, actorID uuid.UUID) (int, error)
}

// OIDCHandlers serves login, callback, logout and session check.
type OIDCHandlers struct {
	provider     *OIDCProvider
	sessionStore sessions.Store
	cookieName   string
	userStore    UserStore
	auditLogger  AuditLogger
	ender        SessionEnder
}

// NewOIDCHandlers creates new OIDC handlers.
func NewOIDCHandlers(provider *OIDCProvider, sessionStore sessions.Store, cookieName string, userStore UserStore, auditLogger AuditLogger) *OIDCHandlers {
	return &OIDCHandlers{
		provider:     provider,
		sessionStore: sessionStore,
		cookieName:   cookieName,
		userStore:    userStore,
		auditLogger:  auditLogger,
	}
}

// EndImpersonationOnLogout makes logout end the actor's impersonation sessions. Their
// delegation tokens are bound to the cookie, so they would be unusable anyway.
func (h *OIDCHandlers) EndImpersonationOnLogout(e SessionEnder) *OIDCHandlers {
	h.ender = e
	return h
}

func (h *OIDCHandlers) audit(r *http.Request, userID uuid.UUID, action string, changes map[string]interface{}) {
	if h.auditLogger == nil || userID == uuid.Nil {
		return
	}
	entry := NewAuditLogWithContext(r.Context(), action, types.ResourceTypeUser, userID.String()).
		WithChanges(changes).
		WithIPAddress(GetClientIP(r)).
		WithUserAgent(r.UserAgent())
	if !entry.ActorUserID.Valid {
		entry.ActorUserID = types.NullUUID{UUID: userID, Valid: true}
	}
	if err := h.auditLogger.CreateAuditLog(r.Context(), entry); err != nil {
		log.Error().Err(err).Str("action", action).Str("user_id", userID.String()).Msg("Failed to create audit log")
	}
}

// safeReturnTo accepts only same-origin absolute paths.
func safeReturnTo(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.ContainsAny(p, "\\\r\n") {
		return "/"
	}
	return p
}

// LoginHandler redirects to the OIDC provider for authentication.
func (h *OIDCHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		// A cookie signed with rotated keys is replaced rather than rejected.
		log.Debug().Err(err).Msg("Discarding unreadable session cookie")
	}

	state, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	nonce, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session.Values[sessionKeyState] = state
	session.Values[sessionKeyNonce] = nonce
	session.Values[sessionKeyReturnTo] = safeReturnTo(r.URL.Query().Get(ReturnToParam))
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// CallbackHandler completes the OIDC flow and logs the user in.
func (h *OIDCHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid session", err))
		return
	}

	state, _ := session.Values[sessionKeyState].(string)
	nonce, _ := session.Values[sessionKeyNonce].(string)
	returnTo, _ := session.Values[sessionKeyReturnTo].(string)
	// Single use, whatever the outcome.
	delete(session.Values, sessionKeyState)
	delete(session.Values, sessionKeyNonce)
	delete(session.Values, sessionKeyReturnTo)

	switch {
	case state == "" || r.URL.Query().Get("state") != state:
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid state parameter", nil))
		return
	case nonce == "":
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Nonce not found", nil))
		return
	}
	if idpErr := r.URL.Query().Get("error"); idpErr != "" {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Login rejected by identity provider: "+idpErr, nil))
		return
	}

	token, err := h.provider.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Unable to exchange authorization code", err))
		return
	}

	claims, err := h.provider.ProcessCallback(ctx, nonce, token)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Failed to process OIDC callback", err))
		return
	}

	user, err := h.userStore.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	if err := h.userStore.UpdateLastLogin(ctx, user.ID); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	setSessionUser(session, user.ID)
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	h.audit(r, user.ID, types.ActionUserLoggedIn, map[string]interface{}{
		"email": user.Email,
		"role":  string(user.Role),
	})
	log.Info().Str("user_id", user.ID.String()).Str("email", user.Email).Str("role", string(user.Role)).Msg("User logged in")
	http.Redirect(w, r, safeReturnTo(returnTo), http.StatusFound)
}

// LogoutHandler clears the session. Impersonation sessions held by the user are ended
// first when EndImpersonationOnLogout is set.
func (h *OIDCHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", err))
		return
	}

	userID, _ := sessionUserID(session)

	ended := 0
	if h.ender != nil && userID != uuid.Nil {
		if ended, err = h.ender.EndAllActiveSessions(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to end impersonation sessions on logout")
		}
	}

	clearSessionUser(session)
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	h.audit(r, userID, types.ActionUserLoggedOut, map[string]interface{}{
		"impersonation_sessions_ended": ended,
	})
	types.WriteMessage(w, http.StatusOK, "Logged out successfully", map[string]int{"impersonation_sessions_ended": ended})
}

// SessionCheckHandler reports the current session status, including the active
// impersonation when the request carried a valid delegation token.
func (h *OIDCHandlers) SessionCheckHandler(w http.ResponseWriter, r *http.Request) {
	unauthenticated := func(reason string) {
		types.WriteJSON(w, http.StatusUnauthorized, &types.SessionResponse{Reason: reason})
	}

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		unauthenticated("session_invalid")
		return
	}

	userID, reason := sessionUserID(session)
	switch reason {
	case "":
	case sessionNotLoggedIn:
		if session.IsNew {
			reason = "session_expired"
		}
		unauthenticated(reason)
		return
	default:
		clearSessionUser(session)
		if err := session.Save(r, w); err != nil {
			log.Error().Err(err).Msg("Failed to clear session")
		}
		unauthenticated(reason)
		return
	}

	user, err := h.userStore.GetUserByID(r.Context(), userID)
	if err != nil || !user.IsActive() {
		clearSessionUser(session)
		if err := session.Save(r, w); err != nil {
			log.Error().Err(err).Msg("Failed to clear session")
		}
		unauthenticated("user_not_found")
		return
	}

	response := &types.SessionResponse{Authenticated: true, User: user}
	if ic := GetImpersonationContext(r.Context()); ic != nil && ic.IsImpersonated {
		response.Impersonation = ic.Session
	}
	types.WriteJSON(w, http.StatusOK, response)
}
