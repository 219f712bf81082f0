package impersonation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
)

// FailureHandler is told about actions that could not be appended to a trail.
type FailureHandler func(sessionID string, entry ActionEntry, err error)

// Options configures a Manager.
type Options struct {
	Policy     Policy
	Records    RecordStore
	Identities IdentityStore

	// Cache defaults to an insertion-order BoundedCache sized by Policy.CacheSize.
	Cache SessionCache

	TokenSecret string
	TokenIssuer string

	Audit    AuditLogger
	Notifier Notifier

	OnLogFailure FailureHandler

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the impersonation lifecycle: issuing sessions, validating delegation
// tokens, recording actions, and ending sessions.
//
// The session cache is mutex-guarded. Requests within one session are not serialized,
// so concurrent LogAction calls can interleave their risk recomputation and the later
// write wins. Ending a session is a conditional update on the active flag, so exactly
// one caller observes each transition.
type Manager struct {
	policy     Policy
	records    RecordStore
	identities IdentityStore
	cache      SessionCache
	tokens     *TokenIssuer
	audit      AuditLogger
	notifier   Notifier
	onFailure  FailureHandler
	now        func() time.Time

	ready atomic.Bool
}

// NewManager builds a Manager. It must be initialized before sessions are issued.
func NewManager(opts Options) *Manager {
	p := opts.Policy.withDefaults()

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	cache := opts.Cache
	if cache == nil {
		cache = NewBoundedCache(p.CacheSize, EvictInsertionOrder)
	}

	tokens := NewTokenIssuer(opts.TokenSecret, opts.TokenIssuer, p.MaxDuration)
	tokens.now = now

	return &Manager{
		policy:     p,
		records:    opts.Records,
		identities: opts.Identities,
		cache:      cache,
		tokens:     tokens,
		audit:      opts.Audit,
		notifier:   opts.Notifier,
		onFailure:  opts.OnLogFailure,
		now:        now,
	}
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Cache exposes the in-memory session store.
func (m *Manager) Cache() SessionCache {
	return m.cache
}

// Now returns the manager's clock reading in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Initialize sweeps sessions left over from a previous run and marks the manager
// ready. Cleanup failures are logged and do not prevent startup.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.records == nil || m.identities == nil {
		return errors.New("impersonation manager requires record and identity stores")
	}

	n, err := m.CleanupExpiredSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Initial impersonation cleanup failed")
	}

	m.ready.Store(true)
	log.Info().
		Bool("enabled", m.policy.Enabled).
		Dur("max_duration", m.policy.MaxDuration).
		Int("max_active_sessions", m.policy.MaxActiveSessions).
		Int("cache_size", m.cache.Cap()).
		Int("expired_ended", n).
		Msg("Impersonation manager initialized")
	return nil
}

// Ready reports whether Initialize has completed.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// StartRequest carries what the issuer needs to open a session.
type StartRequest struct {
	ActorID      uuid.UUID
	ActorEmail   string
	TargetUserID uuid.UUID
	Reason       string
	IPAddress    string
	UserAgent    string
}

// StartResult is a freshly issued session.
type StartResult struct {
	Record  *types.ImpersonationRecord
	Token   string
	Session *types.ImpersonationSession
}

// StartImpersonation checks policy, persists a new record, and issues a delegation
// token for it.
func (m *Manager) StartImpersonation(ctx context.Context, req StartRequest) (*StartResult, error) {
	if !m.ready.Load() {
		return nil, m.reject("not_initialized", ErrNotInitialized)
	}
	if !m.policy.Enabled {
		return nil, m.reject("disabled", ErrDisabled)
	}

	reason := strings.TrimSpace(req.Reason)
	if m.policy.RequireReason && len([]rune(reason)) < m.policy.MinReasonLength {
		return nil, m.reject("reason", fmt.Errorf("%w: at least %d characters required",
			ErrInvalidReason, m.policy.MinReasonLength))
	}

	if req.TargetUserID == req.ActorID {
		return nil, m.reject("self", fmt.Errorf("%w: cannot impersonate yourself", ErrInvalidTarget))
	}

	active, err := m.records.CountActiveRecords(ctx, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	if active >= m.policy.MaxActiveSessions {
		return nil, m.reject("session_limit", fmt.Errorf("%w: maximum %d concurrent sessions",
			ErrSessionLimit, m.policy.MaxActiveSessions))
	}

	target, err := m.identities.GetUserByID(ctx, req.TargetUserID)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !target.IsActive()) {
		return nil, m.reject("target_not_found", ErrTargetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading target user: %w", err)
	}

	if !target.TenantID.Valid {
		return nil, m.reject("tenant_not_found", ErrTenantNotFound)
	}
	tenant, err := m.identities.GetTenantByID(ctx, target.TenantID.UUID)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !tenant.IsActive()) {
		return nil, m.reject("tenant_not_found", ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading target tenant: %w", err)
	}

	if target.IsSuperAdmin() && !m.policy.AllowAdminTargets {
		return nil, m.reject("forbidden_target", ErrForbiddenTarget)
	}

	now := m.Now()
	rec := &types.ImpersonationRecord{
		ID:                    uuid.New(),
		SessionID:             newSessionID(),
		SuperAdminID:          req.ActorID,
		SuperAdminEmail:       req.ActorEmail,
		TargetUserID:          target.ID,
		TargetUserEmail:       target.Email,
		TargetTenantID:        tenant.ID,
		TargetTenantName:      tenant.Name,
		TargetUserRole:        target.Role,
		TargetUserPermissions: append(types.StringArray{}, target.Permissions...),
		Reason:                reason,
		StartTime:             now,
		MaxDurationSeconds:    int64(m.policy.MaxDuration / time.Second),
		IsActive:              true,
		IPAddress:             req.IPAddress,
		UserAgent:             req.UserAgent,
		Flags:                 types.StringArray{},
	}

	if err := m.records.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating impersonation record: %w", err)
	}

	token, err := m.tokens.Sign(rec)
	if err != nil {
		if _, endErr := m.records.EndRecord(ctx, rec.ID, now, types.EndCauseEnded, "token signing failed"); endErr != nil {
			log.Error().Err(endErr).Str("session_id", rec.SessionID).Msg("Failed to close unsigned impersonation record")
		}
		return nil, err
	}

	session := types.NewImpersonationSession(rec, token)
	for _, id := range m.cache.Put(session) {
		cacheEvictions.Inc()
		log.Warn().Str("session_id", id).Msg("Evicted impersonation session from cache")
	}
	cachedSessions.Set(float64(m.cache.Len()))

	log.Info().
		Str("super_admin_id", req.ActorID.String()).
		Str("super_admin_email", req.ActorEmail).
		Str("target_user_id", target.ID.String()).
		Str("target_user_email", target.Email).
		Str("tenant_id", tenant.ID.String()).
		Str("session_id", rec.SessionID).
		Str("reason", reason).
		Msg("Impersonation session started")

	m.writeAudit(ctx, &req.ActorID, types.ActionImpersonationStarted, rec, map[string]interface{}{
		"target_user_id":   target.ID.String(),
		"target_tenant_id": tenant.ID.String(),
		"reason":           reason,
	}, req.IPAddress, req.UserAgent)

	sessionsStarted.Inc()

	return &StartResult{Record: rec, Token: token, Session: session.Clone()}, nil
}

// Validation is the outcome of a successful token check.
type Validation struct {
	Session *types.ImpersonationSession
	Record  *types.ImpersonationRecord
	Claims  *Claims
}

// ValidateToken checks a delegation token and resolves it to its active session.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	v, err := m.validateToken(ctx, token)
	if err != nil {
		validationFailures.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}
	return v, nil
}

func (m *Manager) validateToken(ctx context.Context, token string) (*Validation, error) {
	claims, err := m.tokens.Parse(token)
	if errors.Is(err, ErrTokenExpired) && claims != nil {
		if id, perr := uuid.Parse(claims.ImpersonationID); perr == nil {
			m.expire(ctx, id)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(claims.ImpersonationID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed impersonation id", ErrTokenInvalid)
	}

	rec, err := m.records.GetRecord(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading impersonation record: %w", err)
	}
	if rec.SessionID != claims.SessionID {
		return nil, fmt.Errorf("%w: session mismatch", ErrTokenInvalid)
	}

	session, err := m.checkRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Validation{Session: session, Record: rec, Claims: claims}, nil
}

// RecheckSession reloads the record behind v and confirms the session is still usable.
// A record found past its lifetime is ended, as ValidateToken would.
func (m *Manager) RecheckSession(ctx context.Context, v *Validation) (*Validation, error) {
	rv, err := m.recheckSession(ctx, v)
	if err != nil {
		validationFailures.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}
	return rv, nil
}

func (m *Manager) recheckSession(ctx context.Context, v *Validation) (*Validation, error) {
	rec, err := m.records.GetRecord(ctx, v.Record.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reloading impersonation record: %w", err)
	}

	session, err := m.checkRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Validation{Session: session, Record: rec, Claims: v.Claims}, nil
}

// checkRecord applies the record-level checks shared by token validation and
// rechecks: active, within its lifetime, and present in the cache.
func (m *Manager) checkRecord(ctx context.Context, rec *types.ImpersonationRecord) (*types.ImpersonationSession, error) {
	if !rec.IsActive {
		return nil, ErrSessionInactive
	}
	if rec.IsExpired(m.Now()) {
		m.endRecord(ctx, rec, types.EndCauseExpired, "session exceeded maximum duration", nil)
		return nil, ErrSessionExpired
	}

	session, ok := m.cache.Get(rec.SessionID)
	if !ok {
		return nil, ErrSessionNotCached
	}
	session.RefreshFrom(rec)
	return session, nil
}

// expire ends the record behind an expired token. Only the first caller changes it.
func (m *Manager) expire(ctx context.Context, id uuid.UUID) {
	rec, err := m.records.GetRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			log.Error().Err(err).Str("impersonation_id", id.String()).Msg("Failed to load expired impersonation record")
		}
		return
	}
	if !rec.IsActive {
		m.cache.Delete(rec.SessionID)
		return
	}
	m.endRecord(ctx, rec, types.EndCauseExpired, "delegation token expired", nil)
}

// ActionEntry describes one request made under a session.
type ActionEntry struct {
	Action     string
	Endpoint   string
	Method     string
	StatusCode int
	Duration   time.Duration
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time
}

// LogAction appends an action to the session's trail and rederives its risk. It never
// fails the caller: errors are logged, counted, and handed to the FailureHandler.
func (m *Manager) LogAction(ctx context.Context, sessionID string, entry ActionEntry) {
	if err := m.logAction(ctx, sessionID, entry); err != nil {
		actionLogFailures.Inc()
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("method", entry.Method).
			Str("endpoint", entry.Endpoint).
			Msg("Failed to log impersonation action")
		if m.onFailure != nil {
			m.onFailure(sessionID, entry, err)
		}
	}
}

func (m *Manager) logAction(ctx context.Context, sessionID string, entry ActionEntry) error {
	rec, err := m.records.GetRecordBySessionID(ctx, sessionID)
	if errors.Is(err, types.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = m.Now()
	}
	action := &types.ImpersonationAction{
		RecordID:   rec.ID,
		Action:     entry.Action,
		Endpoint:   entry.Endpoint,
		Method:     entry.Method,
		StatusCode: entry.StatusCode,
		DurationMS: entry.Duration.Milliseconds(),
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
		Timestamp:  ts.UTC(),
	}
	if action.Action == "" {
		action.Action = entry.Method + " " + entry.Endpoint
	}

	updated, err := m.records.AppendAction(ctx, rec.ID, action, rescore)
	if err != nil {
		return err
	}

	m.cache.Update(sessionID, func(s *types.ImpersonationSession) { s.RefreshFrom(updated) })
	actionsLogged.Inc()

	if updated.RiskScore >= m.policy.HighRiskThreshold && rec.RiskScore < m.policy.HighRiskThreshold {
		log.Warn().
			Str("session_id", sessionID).
			Int("risk_score", updated.RiskScore).
			Msg("Impersonation session reached high risk")
	}
	return nil
}

// rescore rederives risk from the full history. The stored score never decreases and
// flags only accumulate.
func rescore(rec *types.ImpersonationRecord, actions []types.ImpersonationAction) {
	score, flags := ScoreActions(actions)
	rec.RiskScore = max(rec.RiskScore, score)
	rec.Flags = MergeFlags(rec.Flags, flags)
}

// SessionActions returns the action trail of a record, oldest first.
func (m *Manager) SessionActions(ctx context.Context, recordID uuid.UUID) ([]types.ImpersonationAction, error) {
	return m.records.ListActions(ctx, recordID)
}

// FlagSession merges flags into the session's record and refreshes the cache.
func (m *Manager) FlagSession(ctx context.Context, sessionID string, flags []string, matched []string) error {
	rec, err := m.records.GetRecordBySessionID(ctx, sessionID)
	if errors.Is(err, types.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	updated, err := m.records.AddFlags(ctx, rec.ID, flags)
	if err != nil {
		return fmt.Errorf("flagging session: %w", err)
	}
	m.cache.Update(sessionID, func(s *types.ImpersonationSession) { s.RefreshFrom(updated) })

	var added []string
	for _, f := range updated.Flags {
		if !containsFlag(rec.Flags, f) {
			added = append(added, f)
			flagsRaised.WithLabelValues(f).Inc()
		}
	}

	log.Warn().
		Str("session_id", sessionID).
		Str("super_admin_id", rec.SuperAdminID.String()).
		Strs("patterns", matched).
		Strs("flags", updated.Flags).
		Msg("Suspicious impersonation activity")

	if len(added) > 0 {
		m.writeAudit(ctx, &rec.SuperAdminID, types.ActionImpersonationFlagged, updated, map[string]interface{}{
			"flags":    added,
			"patterns": matched,
		}, "", "")
	}
	return nil
}

// EndImpersonation ends a session on behalf of the super admin who owns it. Sessions
// that are missing, inactive, or owned by someone else are indistinguishable.
func (m *Manager) EndImpersonation(ctx context.Context, sessionID string, actorID uuid.UUID, reason string) (*types.ImpersonationRecord, error) {
	rec, err := m.records.GetRecordBySessionID(ctx, sessionID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.SuperAdminID != actorID || !rec.IsActive {
		return nil, ErrSessionNotFound
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "ended by super admin"
	}
	if !m.endRecord(ctx, rec, types.EndCauseEnded, reason, &actorID) {
		return nil, ErrSessionNotFound
	}

	ended, err := m.records.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return ended, nil
}

// EndAllActiveSessions ends every active session of an actor and reports how many
// records changed.
func (m *Manager) EndAllActiveSessions(ctx context.Context, actorID uuid.UUID) (int, error) {
	recs, err := m.records.ListActiveRecords(ctx, &actorID)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	n := 0
	for i := range recs {
		if m.endRecord(ctx, &recs[i], types.EndCauseEndedAll, "all sessions ended by super admin", &actorID) {
			n++
		}
	}

	for _, s := range m.cache.Snapshot() {
		if s.SuperAdminID == actorID {
			m.cache.Delete(s.SessionID)
		}
	}
	cachedSessions.Set(float64(m.cache.Len()))

	log.Info().Str("super_admin_id", actorID.String()).Int("ended", n).Msg("Ended all impersonation sessions")
	return n, nil
}

// CleanupExpiredSessions ends active records past their lifetime and drops cache
// entries whose record is gone or inactive. It returns the number of records ended.
// Per-record failures are logged and skipped.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	recs, err := m.records.ListActiveRecords(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	now := m.Now()
	n := 0
	for i := range recs {
		if !recs[i].IsExpired(now) {
			continue
		}
		if m.endRecord(ctx, &recs[i], types.EndCauseCleanup, "session exceeded maximum duration", nil) {
			n++
		}
	}

	swept := 0
	for _, s := range m.cache.Snapshot() {
		rec, err := m.records.GetRecord(ctx, s.ImpersonationID)
		switch {
		case errors.Is(err, types.ErrNotFound):
		case err != nil:
			log.Error().Err(err).Str("session_id", s.SessionID).Msg("Failed to check cached impersonation session")
			continue
		case rec.IsActive:
			continue
		}
		if m.cache.Delete(s.SessionID) {
			swept++
		}
	}
	cachedSessions.Set(float64(m.cache.Len()))

	if n > 0 || swept > 0 {
		log.Info().Int("ended", n).Int("cache_swept", swept).Msg("Cleaned up expired impersonation sessions")
	}
	return n, nil
}

// endRecord transitions rec to inactive. Side effects run only for the caller that
// won the transition; it reports whether that was this caller.
func (m *Manager) endRecord(ctx context.Context, rec *types.ImpersonationRecord, cause, reason string, actorID *uuid.UUID) bool {
	now := m.Now()
	changed, err := m.records.EndRecord(ctx, rec.ID, now, cause, reason)
	m.cache.Delete(rec.SessionID)
	cachedSessions.Set(float64(m.cache.Len()))
	if err != nil {
		log.Error().Err(err).Str("session_id", rec.SessionID).Str("cause", cause).Msg("Failed to end impersonation session")
		return false
	}
	if !changed {
		return false
	}

	sessionsEnded.WithLabelValues(cause).Inc()
	log.Info().
		Str("session_id", rec.SessionID).
		Str("super_admin_id", rec.SuperAdminID.String()).
		Str("target_user_id", rec.TargetUserID.String()).
		Str("cause", cause).
		Dur("duration", now.Sub(rec.StartTime)).
		Msg("Impersonation session ended")

	actor := actorID
	if actor == nil {
		actor = &rec.SuperAdminID
	}
	m.writeAudit(ctx, actor, auditActionForCause(cause), rec, map[string]interface{}{
		"cause":  cause,
		"reason": reason,
	}, "", "")

	if actorID == nil && m.notifier != nil {
		if err := m.notifier.CreateNotification(ctx, types.NewSessionEndedNotification(rec, reason, now)); err != nil {
			log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Failed to notify super admin")
		}
	}
	return true
}

func auditActionForCause(cause string) string {
	switch cause {
	case types.EndCauseEndedAll:
		return types.ActionImpersonationEndedAll
	case types.EndCauseExpired:
		return types.ActionImpersonationExpired
	case types.EndCauseCleanup:
		return types.ActionImpersonationCleanup
	default:
		return types.ActionImpersonationEnded
	}
}

// ActiveSessions lists cached sessions, optionally only those of one actor.
func (m *Manager) ActiveSessions(actorID *uuid.UUID) []*types.ImpersonationSession {
	all := m.cache.Snapshot()
	if actorID == nil {
		return all
	}
	out := make([]*types.ImpersonationSession, 0, len(all))
	for _, s := range all {
		if s.SuperAdminID == *actorID {
			out = append(out, s)
		}
	}
	return out
}

// History returns one page of records matching filter, newest first.
func (m *Manager) History(ctx context.Context, filter HistoryFilter) (*types.ImpersonationHistoryPage, error) {
	filter.Normalize()
	recs, total, err := m.records.ListRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing impersonation history: %w", err)
	}
	if recs == nil {
		recs = []types.ImpersonationRecord{}
	}
	return &types.ImpersonationHistoryPage{
		Records:    recs,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		Total:      total,
		TotalPages: (total + filter.PerPage - 1) / filter.PerPage,
	}, nil
}

// Stats aggregates history. Zero thresholds fall back to the policy.
func (m *Manager) Stats(ctx context.Context, filter StatsFilter) (*types.ImpersonationStats, error) {
	if filter.HighRiskThreshold <= 0 {
		filter.HighRiskThreshold = m.policy.HighRiskThreshold
	}
	if filter.TopN <= 0 {
		filter.TopN = 5
	}
	stats, err := m.records.Stats(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("computing impersonation stats: %w", err)
	}
	stats.CachedSessions = m.cache.Len()
	return stats, nil
}

// GetRecord loads a record by session id, with its action trail when requested.
func (m *Manager) GetRecord(ctx context.Context, sessionID string, withActions bool) (*types.ImpersonationRecord, error) {
	rec, err := m.records.GetRecordBySessionID(ctx, sessionID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if withActions {
		actions, err := m.records.ListActions(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("listing actions: %w", err)
		}
		rec.Actions = actions
	}
	return rec, nil
}

func (m *Manager) reject(label string, err error) error {
	startRejected.WithLabelValues(label).Inc()
	log.Debug().Err(err).Str("reason", label).Msg("Impersonation start rejected")
	return err
}

func (m *Manager) writeAudit(ctx context.Context, actorID *uuid.UUID, action string, rec *types.ImpersonationRecord,
	changes map[string]interface{}, ip, ua string,
) {
	if m.audit == nil {
		return
	}
	entry := types.NewAuditLog(&types.NullUUID{UUID: *actorID, Valid: true}, action,
		types.ResourceTypeImpersonation, rec.SessionID).
		WithImpersonation(rec.SessionID, rec.TargetUserID).
		WithChanges(changes).
		WithIPAddress(ip).
		WithUserAgent(ua)
	entry.Timestamp = m.Now()
	if err := m.audit.CreateAuditLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", action).Str("session_id", rec.SessionID).Msg("Failed to create audit log")
	}
}

func newSessionID() string {
	return "imp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
