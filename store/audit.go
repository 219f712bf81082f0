package store

import (
	"context"
	"fmt"

	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/types"
)

// AuditStore writes the platform audit log.
type AuditStore struct {
	db *database.Database
}

// CreateAuditLog inserts an audit entry.
func (s *AuditStore) CreateAuditLog(ctx context.Context, entry *types.AuditLog) error {
	if entry.Changes == nil {
		entry.Changes = types.JSONMap{}
	}
	res, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor_user_id, action, resource_type, resource_id,
			changes, impersonation_session_id, impersonated_user_id, ip_address, user_agent)
		VALUES (:timestamp, :actor_user_id, :action, :resource_type, :resource_id,
			:changes, :impersonation_session_id, :impersonated_user_id, :ip_address, :user_agent)`, entry)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

const auditColumns = `id, timestamp, actor_user_id, action, resource_type, resource_id, changes,
	impersonation_session_id, impersonated_user_id, ip_address, user_agent`

// ListByResource returns the audit entries for a resource, oldest first.
func (s *AuditStore) ListByResource(ctx context.Context, resourceType, resourceID string) ([]types.AuditLog, error) {
	logs := []types.AuditLog{}
	err := s.db.DB().SelectContext(ctx, &logs, `SELECT `+auditColumns+`
		FROM audit_log WHERE resource_type = ? AND resource_id = ? ORDER BY id`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}

// ListBySession returns every entry tied to an impersonation session: its lifecycle
// events and anything recorded while it was in use. Oldest first.
func (s *AuditStore) ListBySession(ctx context.Context, sessionID string) ([]types.AuditLog, error) {
	logs := []types.AuditLog{}
	err := s.db.DB().SelectContext(ctx, &logs, `SELECT `+auditColumns+`
		FROM audit_log
		WHERE impersonation_session_id = ? OR (resource_type = ? AND resource_id = ?)
		ORDER BY id`, sessionID, types.ResourceTypeImpersonation, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session audit logs: %w", err)
	}
	return logs, nil
}
