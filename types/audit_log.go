package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AuditLog is a platform-level audit entry. Impersonation actions themselves live on
// the impersonation record; the audit log captures lifecycle events around them and
// anything other code records while a session is in use.
//
// ActorUserID is always the human responsible. When the entry was written under an
// impersonation session, ImpersonationSessionID and ImpersonatedUserID say on whose
// behalf.
type AuditLog struct {
	ID           int64     `db:"id" json:"id"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	ActorUserID  NullUUID  `db:"actor_user_id" json:"actor_user_id"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	Changes      JSONMap   `db:"changes" json:"changes"`

	ImpersonationSessionID sql.NullString `db:"impersonation_session_id" json:"impersonation_session_id,omitempty"`
	ImpersonatedUserID     NullUUID       `db:"impersonated_user_id" json:"impersonated_user_id,omitempty"`

	IPAddress sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
}

const (
	ActionUserLoggedIn  = "user.logged_in"
	ActionUserLoggedOut = "user.logged_out"

	ActionImpersonationStarted  = "impersonation.started"
	ActionImpersonationEnded    = "impersonation.ended"
	ActionImpersonationEndedAll = "impersonation.ended_all"
	ActionImpersonationExpired  = "impersonation.expired"
	ActionImpersonationCleanup  = "impersonation.cleanup"
	ActionImpersonationFlagged  = "impersonation.flagged"
)

const (
	ResourceTypeUser          = "user"
	ResourceTypeImpersonation = "impersonation"
)

// NewAuditLog starts an entry attributed to actorUserID, which may be nil for
// system-initiated events.
func NewAuditLog(actorUserID *NullUUID, action, resourceType, resourceID string) *AuditLog {
	entry := &AuditLog{
		Timestamp:    time.Now().UTC(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      JSONMap{},
	}
	if actorUserID != nil && actorUserID.Valid {
		entry.ActorUserID = *actorUserID
	}
	return entry
}

// WithImpersonation marks the entry as written under sessionID on behalf of targetID.
func (a *AuditLog) WithImpersonation(sessionID string, targetID uuid.UUID) *AuditLog {
	a.ImpersonationSessionID = sql.NullString{String: sessionID, Valid: sessionID != ""}
	a.ImpersonatedUserID = NullUUID{UUID: targetID, Valid: targetID != uuid.Nil}
	return a
}

// WithChanges merges changes into the entry's details.
func (a *AuditLog) WithChanges(changes map[string]interface{}) *AuditLog {
	if a.Changes == nil {
		a.Changes = JSONMap{}
	}
	for k, v := range changes {
		a.Changes[k] = v
	}
	return a
}

func (a *AuditLog) WithIPAddress(ip string) *AuditLog {
	a.IPAddress = sql.NullString{String: ip, Valid: ip != ""}
	return a
}

func (a *AuditLog) WithUserAgent(ua string) *AuditLog {
	a.UserAgent = sql.NullString{String: ua, Valid: ua != ""}
	return a
}
