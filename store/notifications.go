package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/types"
)

// NotificationStore persists user notifications.
type NotificationStore struct {
	db *database.Database
}

// CreateNotification inserts a notification.
func (s *NotificationStore) CreateNotification(ctx context.Context, n *types.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, session_id, read, read_at, created_at)
		VALUES (:id, :user_id, :type, :title, :message, :session_id, :read, :read_at, :created_at)`, n)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListForUser returns a user's notifications, newest first, and the unread count.
func (s *NotificationStore) ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool) (*types.NotificationListResponse, error) {
	query := `SELECT id, user_id, type, title, message, session_id, read, read_at, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	resp := &types.NotificationListResponse{Notifications: []types.Notification{}}
	if err := s.db.DB().SelectContext(ctx, &resp.Notifications, query, userID); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	if err := s.db.DB().GetContext(ctx, &resp.UnreadCount,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID); err != nil {
		return nil, fmt.Errorf("count unread notifications: %w", err)
	}
	return resp, nil
}

// MarkRead marks one of a user's notifications as read.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, types.ErrNotFound)
	}
	return nil
}
