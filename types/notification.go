package types

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeWarning NotificationType = "warning"
)

// Notification is a message for a user, currently raised when one of their
// impersonation sessions is ended without their explicit request.
type Notification struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	UserID    uuid.UUID        `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	SessionID string           `db:"session_id" json:"session_id,omitempty"`
	Read      bool             `db:"read" json:"read"`
	ReadAt    sql.NullTime     `db:"read_at" json:"-"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// NewSessionEndedNotification tells a super admin that a session was closed for them.
func NewSessionEndedNotification(rec *ImpersonationRecord, cause string, now time.Time) *Notification {
	return &Notification{
		ID:     uuid.New(),
		UserID: rec.SuperAdminID,
		Type:   NotificationTypeWarning,
		Title:  "Impersonation session ended",
		Message: fmt.Sprintf("Your impersonation of %s (%s) was closed: %s.",
			rec.TargetUserEmail, rec.TargetTenantName, cause),
		SessionID: rec.SessionID,
		CreatedAt: now,
	}
}

// NotificationListResponse is the response for listing notifications.
type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}
