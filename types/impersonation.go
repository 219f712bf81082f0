package types

import (
	"time"

	"github.com/google/uuid"
)

// End causes annotate how a record left the active state. A record has a single
// terminal state; the cause is informational.
const (
	EndCauseEnded    = "ended"
	EndCauseEndedAll = "ended_all"
	EndCauseExpired  = "expired"
	EndCauseCleanup  = "cleanup"
)

// ImpersonationRecord is the durable audit entity for one impersonation session.
type ImpersonationRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`

	SuperAdminID    uuid.UUID `db:"super_admin_id" json:"super_admin_id"`
	SuperAdminEmail string    `db:"super_admin_email" json:"super_admin_email"`

	TargetUserID          uuid.UUID   `db:"target_user_id" json:"target_user_id"`
	TargetUserEmail       string      `db:"target_user_email" json:"target_user_email"`
	TargetTenantID        uuid.UUID   `db:"target_tenant_id" json:"target_tenant_id"`
	TargetTenantName      string      `db:"target_tenant_name" json:"target_tenant_name"`
	TargetUserRole        Role        `db:"target_user_role" json:"target_user_role"`
	TargetUserPermissions StringArray `db:"target_user_permissions" json:"target_user_permissions"`

	Reason             string     `db:"reason" json:"reason"`
	StartTime          time.Time  `db:"start_time" json:"start_time"`
	MaxDurationSeconds int64      `db:"max_duration_seconds" json:"max_duration_seconds"`
	EndTime            *time.Time `db:"end_time" json:"end_time,omitempty"`
	EndCause           string     `db:"end_cause" json:"end_cause,omitempty"`
	EndReason          string     `db:"end_reason" json:"end_reason,omitempty"`
	IsActive           bool       `db:"is_active" json:"is_active"`

	IPAddress string `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent string `db:"user_agent" json:"user_agent,omitempty"`

	RiskScore int         `db:"risk_score" json:"risk_score"`
	Flags     StringArray `db:"flags" json:"flags"`

	Actions []ImpersonationAction `db:"-" json:"actions,omitempty"`
}

// MaxDuration is the lifetime granted to the record when it was issued.
func (r *ImpersonationRecord) MaxDuration() time.Duration {
	return time.Duration(r.MaxDurationSeconds) * time.Second
}

// ExpiresAt returns the instant after which the record is expired.
func (r *ImpersonationRecord) ExpiresAt() time.Time {
	return r.StartTime.Add(r.MaxDuration())
}

// IsExpired reports whether now is past the record's lifetime. It is independent of
// any token expiry.
func (r *ImpersonationRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// Duration returns how long the session ran, or has been running if still active.
func (r *ImpersonationRecord) Duration(now time.Time) time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// ImpersonationAction is one request performed under an impersonated identity.
type ImpersonationAction struct {
	ID         int64     `db:"id" json:"id"`
	RecordID   uuid.UUID `db:"record_id" json:"-"`
	Action     string    `db:"action" json:"action"`
	Endpoint   string    `db:"endpoint" json:"endpoint"`
	Method     string    `db:"method" json:"method"`
	StatusCode int       `db:"status_code" json:"status_code"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	IPAddress  string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string    `db:"user_agent" json:"user_agent,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
}

// ImpersonationSession is the cached view of an active record. RiskScore and Flags
// are copied from the record and never written back.
type ImpersonationSession struct {
	ImpersonationID uuid.UUID `json:"impersonation_id"`
	SessionID       string    `json:"session_id"`
	Token           string    `json:"-"`

	SuperAdminID    uuid.UUID `json:"super_admin_id"`
	SuperAdminEmail string    `json:"super_admin_email"`

	TargetUserID          uuid.UUID `json:"target_user_id"`
	TargetUserEmail       string    `json:"target_user_email"`
	TargetTenantID        uuid.UUID `json:"target_tenant_id"`
	TargetTenantName      string    `json:"target_tenant_name"`
	TargetUserRole        Role      `json:"target_user_role"`
	TargetUserPermissions []string  `json:"target_user_permissions"`

	StartTime time.Time `json:"start_time"`
	Reason    string    `json:"reason"`
	IsActive  bool      `json:"is_active"`
	RiskScore int       `json:"risk_score"`
	Flags     []string  `json:"flags"`
}

// NewImpersonationSession builds the cached view of a record.
func NewImpersonationSession(rec *ImpersonationRecord, token string) *ImpersonationSession {
	s := &ImpersonationSession{
		ImpersonationID:       rec.ID,
		SessionID:             rec.SessionID,
		Token:                 token,
		SuperAdminID:          rec.SuperAdminID,
		SuperAdminEmail:       rec.SuperAdminEmail,
		TargetUserID:          rec.TargetUserID,
		TargetUserEmail:       rec.TargetUserEmail,
		TargetTenantID:        rec.TargetTenantID,
		TargetTenantName:      rec.TargetTenantName,
		TargetUserRole:        rec.TargetUserRole,
		TargetUserPermissions: append([]string(nil), rec.TargetUserPermissions...),
		StartTime:             rec.StartTime,
		Reason:                rec.Reason,
		IsActive:              rec.IsActive,
	}
	s.RefreshFrom(rec)
	return s
}

// RefreshFrom copies the derived risk metadata from the durable record.
func (s *ImpersonationSession) RefreshFrom(rec *ImpersonationRecord) {
	s.RiskScore = rec.RiskScore
	s.Flags = append([]string(nil), rec.Flags...)
	s.IsActive = rec.IsActive
}

// Clone returns a copy that callers may keep without racing cache refreshes.
func (s *ImpersonationSession) Clone() *ImpersonationSession {
	c := *s
	c.TargetUserPermissions = append([]string(nil), s.TargetUserPermissions...)
	c.Flags = append([]string(nil), s.Flags...)
	return &c
}

// EffectiveUser returns the identity requests run as while the session is attached.
func (s *ImpersonationSession) EffectiveUser() *User {
	return &User{
		ID:          s.TargetUserID,
		Email:       s.TargetUserEmail,
		Role:        s.TargetUserRole,
		Permissions: append(StringArray(nil), s.TargetUserPermissions...),
		TenantID:    NullUUID{UUID: s.TargetTenantID, Valid: true},
	}
}

// ImpersonationStartRequest is the request body for starting impersonation.
type ImpersonationStartRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required,uuid"`
	Reason       string `json:"reason" validate:"max=500"`
}

// ImpersonationEndRequest is the request body for ending impersonation.
type ImpersonationEndRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
}

// ImpersonationValidateRequest is the request body for the validate endpoint.
type ImpersonationValidateRequest struct {
	Token string `json:"token" validate:"required"`
}

// ImpersonationStartResponse is returned when a session is issued.
type ImpersonationStartResponse struct {
	Record  *ImpersonationRecord  `json:"record"`
	Token   string                `json:"token"`
	Session *ImpersonationSession `json:"session"`
}

// ImpersonationValidateResponse is returned by the validate endpoint.
type ImpersonationValidateResponse struct {
	Valid   bool                  `json:"valid"`
	Error   string                `json:"error,omitempty"`
	Session *ImpersonationSession `json:"session,omitempty"`
	Record  *ImpersonationRecord  `json:"record,omitempty"`
}

// ImpersonationContextResponse describes who a request really runs as.
type ImpersonationContextResponse struct {
	IsImpersonated   bool                  `json:"is_impersonated"`
	Session          *ImpersonationSession `json:"session,omitempty"`
	OriginalUser     *User                 `json:"original_user,omitempty"`
	ImpersonatedUser *User                 `json:"impersonated_user,omitempty"`
	User             *User                 `json:"user,omitempty"`
}

// ImpersonationHistoryPage is one page of history results.
type ImpersonationHistoryPage struct {
	Records    []ImpersonationRecord `json:"records"`
	Page       int                   `json:"page"`
	PerPage    int                   `json:"per_page"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"total_pages"`
}

// ImpersonationCount pairs an identity with a session count.
type ImpersonationCount struct {
	UserID uuid.UUID `db:"user_id" json:"user_id"`
	Email  string    `db:"email" json:"email"`
	Count  int       `db:"count" json:"count"`
}

// ImpersonationStats aggregates impersonation history.
type ImpersonationStats struct {
	TotalSessions      int                  `json:"total_sessions"`
	ActiveSessions     int                  `json:"active_sessions"`
	EndedSessions      int                  `json:"ended_sessions"`
	ExpiredSessions    int                  `json:"expired_sessions"`
	HighRiskSessions   int                  `json:"high_risk_sessions"`
	TotalActions       int                  `json:"total_actions"`
	AvgDurationSeconds float64              `json:"avg_duration_seconds"`
	AvgRiskScore       float64              `json:"avg_risk_score"`
	TopSuperAdmins     []ImpersonationCount `json:"top_super_admins"`
	TopTargets         []ImpersonationCount `json:"top_targets"`
	HourlyStarts       [24]int              `json:"hourly_starts"`
	CachedSessions     int                  `json:"cached_sessions"`
}
