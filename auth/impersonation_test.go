package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonator/auth"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/store"
	"github.com/juanfont/impersonator/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cookieName = "impersonator_session"
	testSecret = "0123456789abcdef0123456789abcdef"
)

type env struct {
	path     string
	store    *store.Store
	manager  *impersonation.Manager
	cookies  *sessions.CookieStore
	sessions *auth.SessionMiddleware
	chain    *auth.ImpersonationMiddleware

	admin  *types.User
	target *types.User
	other  *types.User
}

func newEnv(t *testing.T, mutate func(*impersonation.Policy)) *env {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "auth.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tenant := &types.Tenant{Name: "Acme", Slug: "acme"}
	require.NoError(t, s.Users.CreateTenant(ctx, tenant))

	e := &env{path: path, store: s}
	e.admin = &types.User{Email: "root@example.com", Role: types.RoleSuperAdmin}
	require.NoError(t, s.Users.CreateUser(ctx, e.admin))
	e.other = &types.User{Email: "other-root@example.com", Role: types.RoleSuperAdmin}
	require.NoError(t, s.Users.CreateUser(ctx, e.other))
	e.target = &types.User{
		Email:       "alice@acme.example",
		Role:        types.RoleUser,
		Permissions: types.StringArray{"projects:read"},
		TenantID:    types.NullUUID{UUID: tenant.ID, Valid: true},
	}
	require.NoError(t, s.Users.CreateUser(ctx, e.target))

	policy := impersonation.DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	e.manager = impersonation.NewManager(impersonation.Options{
		Policy:      policy,
		Records:     s.Impersonation,
		Identities:  s.Users,
		TokenSecret: testSecret,
		Audit:       s.Audit,
		Notifier:    s.Notifications,
	})
	require.NoError(t, e.manager.Initialize(ctx))

	e.cookies = sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	e.sessions = auth.NewSessionMiddleware(e.cookies, cookieName, s.Users)
	e.chain = auth.NewImpersonationMiddleware(e.manager, s.Users, e.sessions)
	return e
}

func (e *env) startSession(t *testing.T) *impersonation.StartResult {
	t.Helper()
	res, err := e.manager.StartImpersonation(context.Background(), impersonation.StartRequest{
		ActorID:      e.admin.ID,
		ActorEmail:   e.admin.Email,
		TargetUserID: e.target.ID,
		Reason:       "reproducing a billing issue",
	})
	require.NoError(t, err)
	return res
}

func (e *env) loginCookie(t *testing.T, user *types.User) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := e.cookies.Get(req, cookieName)
	require.NoError(t, err)
	session.Values["logged"] = true
	session.Values["user_id"] = user.ID.String()
	require.NoError(t, session.Save(req, rec))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

type seen struct {
	user     *types.User
	original *types.User
	ic       *auth.ImpersonationContext
}

func recordingHandler(out *seen) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out.user = auth.GetUserFromContext(r.Context())
		out.original = auth.GetOriginalUserFromContext(r.Context())
		out.ic = auth.GetImpersonationContext(r.Context())
		types.WriteJSON(w, http.StatusOK, nil)
	})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) types.Envelope {
	t.Helper()
	var env types.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestChain_PassesThroughWithoutToken(t *testing.T) {
	e := newEnv(t, nil)
	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got.user)
	assert.Nil(t, got.ic)
	assert.Empty(t, rec.Header().Get(auth.HeaderImpersonated))
}

func TestChain_RejectsInvalidToken(t *testing.T) {
	e := newEnv(t, nil)
	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, "not-a-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)
	assert.Nil(t, got.user)
}

func TestChain_SubstitutesTargetAndLogs(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	req.Header.Set("User-Agent", "chain-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	e.chain.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.user)
	assert.Equal(t, e.target.ID, got.user.ID)
	assert.Equal(t, types.RoleUser, got.user.Role)
	assert.Equal(t, types.StringArray{"projects:read"}, got.user.Permissions)
	require.NotNil(t, got.original)
	assert.Equal(t, e.admin.ID, got.original.ID)
	require.NotNil(t, got.ic)
	assert.True(t, got.ic.IsImpersonated)
	assert.Equal(t, res.Record.SessionID, got.ic.Session.SessionID)

	assert.Equal(t, "true", rec.Header().Get(auth.HeaderImpersonated))
	assert.Equal(t, res.Record.SessionID, rec.Header().Get(auth.HeaderImpersonationSession))
	assert.Equal(t, e.admin.ID.String(), rec.Header().Get(auth.HeaderOriginalUserID))
	assert.Equal(t, e.target.ID.String(), rec.Header().Get(auth.HeaderImpersonatedUserID))
	assert.Equal(t, "0", rec.Header().Get(auth.HeaderImpersonationRisk))
	assert.NotEmpty(t, rec.Header().Get(auth.HeaderImpersonationStart))

	actions, err := e.store.Impersonation.ListActions(context.Background(), res.Record.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "/api/projects", actions[0].Endpoint)
	assert.Equal(t, http.StatusOK, actions[0].StatusCode)
	assert.Equal(t, "chain-test", actions[0].UserAgent)
}

func TestChain_RateLimit(t *testing.T) {
	e := newEnv(t, func(p *impersonation.Policy) { p.ActionRateLimit = 2 })
	res := e.startSession(t)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		req.Header.Set(auth.HeaderImpersonationToken, res.Token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		e.chain.Wait()
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Message, "2")
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestChain_FlagsAdminPathAccess(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	e.chain.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := e.store.Impersonation.GetRecord(context.Background(), res.Record.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Flags, impersonation.FlagSuspiciousActivity)
	assert.Contains(t, stored.Flags, impersonation.FlagAdminPathAccess)
	assert.Contains(t, stored.Flags, impersonation.FlagAdminEndpointUsed)
	assert.Equal(t, 10, stored.RiskScore)
}

func TestChain_RejectsTokenFromOtherSession(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	req.AddCookie(e.loginCookie(t, e.other))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got.user)

	req = httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	req.AddCookie(e.loginCookie(t, e.admin))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	e.chain.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChain_EndedSessionRejected(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)
	_, err := e.manager.EndImpersonation(context.Background(), res.Record.SessionID, e.admin.ID, "")
	require.NoError(t, err)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func (e *env) serveToken(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set(auth.HeaderImpersonationToken, token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	e.chain.Wait()
	return rec
}

func TestChain_WrongTokenTypeIsUnauthorized(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	claims := &impersonation.Claims{
		ImpersonationID: res.Record.ID.String(),
		SessionID:       res.Record.SessionID,
		SuperAdminID:    e.admin.ID.String(),
		TargetUserID:    e.target.ID.String(),
		Type:            "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    impersonation.DefaultTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	var got seen
	rec := e.serveToken(t, e.chain.Chain(recordingHandler(&got)), token)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "invalid impersonation token", env.Message)
	assert.Nil(t, got.user)
}

func TestChain_TokenWithoutRecordIsUnauthorized(t *testing.T) {
	e := newEnv(t, nil)

	issuer := impersonation.NewTokenIssuer(testSecret, "", time.Hour)
	token, err := issuer.Sign(&types.ImpersonationRecord{
		ID:           uuid.New(),
		SessionID:    "imp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		SuperAdminID: e.admin.ID,
		TargetUserID: e.target.ID,
		StartTime:    time.Now(),
	})
	require.NoError(t, err)

	var got seen
	rec := e.serveToken(t, e.chain.Chain(recordingHandler(&got)), token)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid impersonation token", decodeEnvelope(t, rec).Message)
	assert.Nil(t, got.user)
}

func TestChain_RecordPastLifetimeEndsSession(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)
	shortenLifetime(t, e.path, res.Record.ID, 0)

	var got seen
	h := e.chain.Chain(recordingHandler(&got))

	rec := e.serveToken(t, h, res.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got.user)

	rec = e.serveToken(t, h, res.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ctx := context.Background()
	stored, err := e.store.Impersonation.GetRecord(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, types.EndCauseExpired, stored.EndCause)

	notes, err := e.store.Notifications.ListForUser(ctx, e.admin.ID, false)
	require.NoError(t, err)
	assert.Len(t, notes.Notifications, 1)

	logs, err := e.store.Audit.ListBySession(ctx, res.Record.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, types.ActionImpersonationExpired, logs[1].Action)
}

func TestLogout_UnderImpersonationIsAttributed(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	handlers := auth.NewOIDCHandlers(nil, e.cookies, cookieName, e.store.Users, e.store.Audit).
		EndImpersonationOnLogout(e.manager)
	h := e.chain.Chain(http.HandlerFunc(handlers.LogoutHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	req.AddCookie(e.loginCookie(t, e.admin))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	e.chain.Wait()

	require.Equal(t, http.StatusOK, rec.Code)

	logs, err := e.store.Audit.ListBySession(context.Background(), res.Record.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, types.ActionImpersonationStarted, logs[0].Action)
	assert.Equal(t, types.ActionImpersonationEndedAll, logs[1].Action)

	logout := logs[2]
	assert.Equal(t, types.ActionUserLoggedOut, logout.Action)
	assert.Equal(t, e.admin.ID, logout.ActorUserID.UUID)
	assert.Equal(t, res.Record.SessionID, logout.ImpersonationSessionID.String)
	assert.True(t, logout.ImpersonatedUserID.Valid)
	assert.Equal(t, e.target.ID, logout.ImpersonatedUserID.UUID)
}

func TestRequireAuthAndSuperAdmin(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	ok := func(w http.ResponseWriter, r *http.Request) { types.WriteJSON(w, http.StatusOK, nil) }
	authed := e.chain.Chain(e.sessions.RequireAuth(ok))
	admin := e.chain.Chain(e.sessions.RequireSuperAdmin(ok))

	serve := func(h http.Handler, token string, cookie *http.Cookie) int {
		req := httptest.NewRequest(http.MethodGet, "/api/impersonation/active", nil)
		if token != "" {
			req.Header.Set(auth.HeaderImpersonationToken, token)
		}
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		e.chain.Wait()
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(authed, "", nil))
	assert.Equal(t, http.StatusOK, serve(authed, res.Token, nil))
	assert.Equal(t, http.StatusOK, serve(authed, "", e.loginCookie(t, e.target)))

	assert.Equal(t, http.StatusForbidden, serve(admin, "", e.loginCookie(t, e.target)))
	assert.Equal(t, http.StatusOK, serve(admin, "", e.loginCookie(t, e.admin)))
	assert.Equal(t, http.StatusOK, serve(admin, res.Token, nil))
}

func TestNewAuditLogWithContext(t *testing.T) {
	e := newEnv(t, nil)
	res := e.startSession(t)

	var entry *types.AuditLog
	h := e.chain.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry = auth.NewAuditLogWithContext(r.Context(), "project.updated", "project", "p1")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1", nil)
	req.Header.Set(auth.HeaderImpersonationToken, res.Token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	e.chain.Wait()

	require.NotNil(t, entry)
	assert.Equal(t, e.admin.ID, entry.ActorUserID.UUID)
	assert.Equal(t, e.target.ID, entry.ImpersonatedUserID.UUID)
	assert.True(t, entry.ImpersonatedUserID.Valid)
	assert.Equal(t, res.Record.SessionID, entry.ImpersonationSessionID.String)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", auth.GetClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", auth.GetClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", auth.GetClientIP(req))
}

// shortenLifetime rewrites a stored record's lifetime while its token stays valid.
func shortenLifetime(t *testing.T, path string, id uuid.UUID, seconds int64) {
	t.Helper()
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE impersonation_records SET max_duration_seconds = ? WHERE id = ?`, seconds, id)
	require.NoError(t, err)
}
