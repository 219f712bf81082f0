// Package admin provides the HTTP surface for impersonation sessions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juanfont/impersonator/auth"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// NotificationStore lists and acknowledges a user's notifications.
type NotificationStore interface {
	ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool) (*types.NotificationListResponse, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
}

// AuditTrail lists the audit entries tied to an impersonation session.
type AuditTrail interface {
	ListBySession(ctx context.Context, sessionID string) ([]types.AuditLog, error)
}

// Handlers provides HTTP handlers for impersonation sessions.
type Handlers struct {
	manager       *impersonation.Manager
	notifications NotificationStore
	audit         AuditTrail
	validate      *validator.Validate

	startPerMinute int
	now            func() time.Time
	mu             sync.Mutex
	limiters       map[uuid.UUID]*startLimiter
	lastPrune      time.Time
}

// startLimiterIdle is how long an actor's start limiter may sit unused before it is
// dropped. By then it has refilled to its full burst, so a fresh one is equivalent.
const startLimiterIdle = 10 * time.Minute

type startLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHandlers creates new admin handlers. startPerMinute caps how many sessions one
// super admin may start per minute; zero disables the throttle.
func NewHandlers(manager *impersonation.Manager, notifications NotificationStore, startPerMinute int) *Handlers {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handlers{
		manager:        manager,
		notifications:  notifications,
		validate:       v,
		startPerMinute: startPerMinute,
		now:            time.Now,
		limiters:       make(map[uuid.UUID]*startLimiter),
	}
}

// WithAuditTrail enables GET /api/impersonation/sessions/{sessionID}/audit.
func (h *Handlers) WithAuditTrail(a AuditTrail) *Handlers {
	h.audit = a
	return h
}

// RegisterRoutes mounts the impersonation and notification routes on api, the router
// serving /api.
func (h *Handlers) RegisterRoutes(api *mux.Router, sm *auth.SessionMiddleware) {
	imp := api.PathPrefix("/impersonation").Subrouter()
	imp.HandleFunc("/start", sm.RequireSuperAdmin(h.StartHandler)).Methods(http.MethodPost)
	imp.HandleFunc("/end", sm.RequireSuperAdmin(h.EndHandler)).Methods(http.MethodPost)
	imp.HandleFunc("/end-all", sm.RequireSuperAdmin(h.EndAllHandler)).Methods(http.MethodPost)
	imp.HandleFunc("/active", sm.RequireSuperAdmin(h.ActiveHandler)).Methods(http.MethodGet)
	imp.HandleFunc("/history", sm.RequireSuperAdmin(h.HistoryHandler)).Methods(http.MethodGet)
	imp.HandleFunc("/sessions/{sessionID}", sm.RequireSuperAdmin(h.SessionHandler)).Methods(http.MethodGet)
	if h.audit != nil {
		imp.HandleFunc("/sessions/{sessionID}/audit", sm.RequireSuperAdmin(h.SessionAuditHandler)).Methods(http.MethodGet)
	}
	imp.HandleFunc("/stats", sm.RequireSuperAdmin(h.StatsHandler)).Methods(http.MethodGet)
	imp.HandleFunc("/validate", sm.RequireSuperAdmin(h.ValidateHandler)).Methods(http.MethodPost)
	imp.HandleFunc("/cleanup", sm.RequireSuperAdmin(h.CleanupHandler)).Methods(http.MethodPost)
	imp.HandleFunc("/context", sm.RequireAuth(h.ContextHandler)).Methods(http.MethodGet)

	api.HandleFunc("/notifications", sm.RequireAuth(h.NotificationsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", sm.RequireAuth(h.MarkNotificationReadHandler)).Methods(http.MethodPost)
}

func (h *Handlers) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return types.NewHTTPError(http.StatusBadRequest, validationMessage(err), err)
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return "Invalid request: " + strings.Join(parts, ", ")
}

func (h *Handlers) allowStart(actorID uuid.UUID) bool {
	if h.startPerMinute <= 0 {
		return true
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastPrune) >= startLimiterIdle {
		h.pruneLimiters(now)
	}

	l, ok := h.limiters[actorID]
	if !ok {
		l = &startLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.startPerMinute)), h.startPerMinute),
		}
		h.limiters[actorID] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// pruneLimiters drops idle limiters. Callers hold h.mu.
func (h *Handlers) pruneLimiters(now time.Time) {
	for id, l := range h.limiters {
		if now.Sub(l.lastSeen) >= startLimiterIdle {
			delete(h.limiters, id)
		}
	}
	h.lastPrune = now
}

// StartHandler handles POST /api/impersonation/start.
func (h *Handlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.GetActorFromContext(ctx)

	if ic := auth.GetImpersonationContext(ctx); ic != nil && ic.IsImpersonated {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest,
			"Already impersonating another user. End the current session first.", nil))
		return
	}

	var req types.ImpersonationStartRequest
	if err := h.decode(r, &req); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	if !h.allowStart(actor.ID) {
		impersonation.StartThrottled()
		log.Warn().Str("admin_id", actor.ID.String()).Msg("Impersonation start throttled")
		w.Header().Set("Retry-After", "60")
		types.WriteHTTPError(w, impersonation.ToHTTPError(impersonation.ErrStartThrottled))
		return
	}

	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Target user ID is invalid", err))
		return
	}

	res, err := h.manager.StartImpersonation(ctx, impersonation.StartRequest{
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		TargetUserID: targetID,
		Reason:       req.Reason,
		IPAddress:    auth.GetClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}

	types.WriteMessage(w, http.StatusCreated,
		fmt.Sprintf("Now impersonating %s", res.Record.TargetUserEmail),
		types.ImpersonationStartResponse{
			Record:  res.Record,
			Token:   res.Token,
			Session: res.Session,
		})
}

// EndHandler handles POST /api/impersonation/end. When the request carries a
// delegation token and no session id, the token's session is ended.
func (h *Handlers) EndHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.GetActorFromContext(ctx)

	var req types.ImpersonationEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	if req.SessionID == "" {
		if ic := auth.GetImpersonationContext(ctx); ic != nil && ic.IsImpersonated {
			req.SessionID = ic.Session.SessionID
		}
	}
	if err := h.validate.Struct(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, validationMessage(err), err))
		return
	}

	rec, err := h.manager.EndImpersonation(ctx, req.SessionID, actor.ID, req.Reason)
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}

	types.WriteMessage(w, http.StatusOK, "Impersonation ended", rec)
}

// EndAllHandler handles POST /api/impersonation/end-all.
func (h *Handlers) EndAllHandler(w http.ResponseWriter, r *http.Request) {
	actor := auth.GetActorFromContext(r.Context())

	n, err := h.manager.EndAllActiveSessions(r.Context(), actor.ID)
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}

	types.WriteMessage(w, http.StatusOK, fmt.Sprintf("Ended %d impersonation sessions", n),
		map[string]int{"ended": n})
}

// ActiveHandler handles GET /api/impersonation/active. ?scope=me limits the result to
// the caller's sessions.
func (h *Handlers) ActiveHandler(w http.ResponseWriter, r *http.Request) {
	var actorID *uuid.UUID
	if r.URL.Query().Get("scope") == "me" {
		id := auth.GetActorFromContext(r.Context()).ID
		actorID = &id
	}
	sessions := h.manager.ActiveSessions(actorID)
	if sessions == nil {
		sessions = []*types.ImpersonationSession{}
	}
	types.WriteJSON(w, http.StatusOK, sessions)
}

// HistoryHandler handles GET /api/impersonation/history.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	page, err := h.manager.History(r.Context(), filter)
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}
	types.WriteJSON(w, http.StatusOK, page)
}

// SessionHandler handles GET /api/impersonation/sessions/{sessionID}.
func (h *Handlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	withActions := r.URL.Query().Get("actions") != "false"

	rec, err := h.manager.GetRecord(r.Context(), sessionID, withActions)
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}
	types.WriteJSON(w, http.StatusOK, rec)
}

// SessionAuditHandler handles GET /api/impersonation/sessions/{sessionID}/audit.
func (h *Handlers) SessionAuditHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if _, err := h.manager.GetRecord(r.Context(), sessionID, false); err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}

	logs, err := h.audit.ListBySession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load session audit trail")
		types.WriteHTTPError(w, err)
		return
	}
	types.WriteJSON(w, http.StatusOK, logs)
}

// StatsHandler handles GET /api/impersonation/stats.
func (h *Handlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter impersonation.StatsFilter

	if q.Get("scope") == "me" {
		id := auth.GetActorFromContext(r.Context()).ID
		filter.SuperAdminID = &id
	}
	var err error
	if filter.From, err = parseTime(q.Get("from"), "from"); err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to"), "to"); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	stats, err := h.manager.Stats(r.Context(), filter)
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}
	types.WriteJSON(w, http.StatusOK, stats)
}

// ValidateHandler handles POST /api/impersonation/validate. An unusable token is a
// normal answer, not a request failure.
func (h *Handlers) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	var req types.ImpersonationValidateRequest
	if err := h.decode(r, &req); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	v, err := h.manager.ValidateToken(r.Context(), req.Token)
	switch {
	case err == nil:
		types.WriteJSON(w, http.StatusOK, types.ImpersonationValidateResponse{
			Valid:   true,
			Session: v.Session,
			Record:  v.Record,
		})
	case impersonation.HTTPStatus(err) != http.StatusInternalServerError:
		types.WriteJSON(w, http.StatusOK, types.ImpersonationValidateResponse{
			Valid: false,
			Error: err.Error(),
		})
	default:
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
	}
}

// ContextHandler handles GET /api/impersonation/context.
func (h *Handlers) ContextHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := types.ImpersonationContextResponse{User: auth.GetUserFromContext(ctx)}

	if ic := auth.GetImpersonationContext(ctx); ic != nil && ic.IsImpersonated {
		resp.IsImpersonated = true
		resp.Session = ic.Session
		resp.OriginalUser = ic.OriginalUser
		resp.ImpersonatedUser = ic.ImpersonatedUser
	}
	types.WriteJSON(w, http.StatusOK, resp)
}

// CleanupHandler handles POST /api/impersonation/cleanup.
func (h *Handlers) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.CleanupExpiredSessions(r.Context())
	if err != nil {
		types.WriteHTTPError(w, impersonation.ToHTTPError(err))
		return
	}
	types.WriteMessage(w, http.StatusOK, fmt.Sprintf("Cleaned up %d expired sessions", n),
		map[string]int{"cleaned": n})
}

// NotificationsHandler handles GET /api/notifications.
func (h *Handlers) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	actor := auth.GetActorFromContext(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, err := h.notifications.ListForUser(r.Context(), actor.ID, unreadOnly)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	types.WriteJSON(w, http.StatusOK, list)
}

// MarkNotificationReadHandler handles POST /api/notifications/{id}/read.
func (h *Handlers) MarkNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	actor := auth.GetActorFromContext(r.Context())

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid notification ID", err))
		return
	}

	if err := h.notifications.MarkRead(r.Context(), actor.ID, id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusNotFound, "Notification not found", err))
			return
		}
		types.WriteHTTPError(w, err)
		return
	}
	types.WriteMessage(w, http.StatusOK, "Notification marked as read", nil)
}

func parseHistoryFilter(r *http.Request) (impersonation.HistoryFilter, error) {
	q := r.URL.Query()
	var f impersonation.HistoryFilter
	var err error

	if f.SuperAdminID, err = parseUUID(q.Get("super_admin_id"), "super_admin_id"); err != nil {
		return f, err
	}
	if f.TargetUserID, err = parseUUID(q.Get("target_user_id"), "target_user_id"); err != nil {
		return f, err
	}
	if f.TenantID, err = parseUUID(q.Get("tenant_id"), "tenant_id"); err != nil {
		return f, err
	}
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if s := q.Get("active"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, badParam("active", err)
		}
		f.Active = &b
	}
	if s := q.Get("flagged"); s != "" {
		if f.FlaggedOnly, err = strconv.ParseBool(s); err != nil {
			return f, badParam("flagged", err)
		}
	}
	if f.MinRiskScore, err = parseInt(q.Get("min_risk"), "min_risk"); err != nil {
		return f, err
	}
	if f.Page, err = parseInt(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.PerPage, err = parseInt(q.Get("per_page"), "per_page"); err != nil {
		return f, err
	}
	return f, nil
}

func badParam(name string, err error) error {
	return types.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid %s parameter", name), err)
}

func parseUUID(s, name string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, badParam(name, err)
	}
	return &id, nil
}

func parseTime(s, name string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, badParam(name, err)
	}
	t = t.UTC()
	return &t, nil
}

func parseInt(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badParam(name, err)
	}
	return n, nil
}
