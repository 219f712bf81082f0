package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/types"
)

const recordColumns = `id, session_id, super_admin_id, super_admin_email,
	target_user_id, target_user_email, target_tenant_id, target_tenant_name,
	target_user_role, target_user_permissions, reason, start_time, max_duration_seconds,
	end_time, end_cause, end_reason, is_active, ip_address, user_agent, risk_score, flags`

const actionColumns = `id, record_id, action, endpoint, method, status_code, duration_ms,
	ip_address, user_agent, timestamp`

// ImpersonationStore persists impersonation records and their action trails.
type ImpersonationStore struct {
	db *database.Database
}

var _ impersonation.RecordStore = (*ImpersonationStore)(nil)

// CreateRecord inserts a new record.
func (s *ImpersonationStore) CreateRecord(ctx context.Context, rec *types.ImpersonationRecord) error {
	if rec.Flags == nil {
		rec.Flags = types.StringArray{}
	}
	if rec.TargetUserPermissions == nil {
		rec.TargetUserPermissions = types.StringArray{}
	}
	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO impersonation_records (`+recordColumns+`)
		VALUES (:id, :session_id, :super_admin_id, :super_admin_email,
			:target_user_id, :target_user_email, :target_tenant_id, :target_tenant_name,
			:target_user_role, :target_user_permissions, :reason, :start_time, :max_duration_seconds,
			:end_time, :end_cause, :end_reason, :is_active, :ip_address, :user_agent, :risk_score, :flags)`, rec)
	if err != nil {
		return fmt.Errorf("insert impersonation record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by id.
func (s *ImpersonationStore) GetRecord(ctx context.Context, id uuid.UUID) (*types.ImpersonationRecord, error) {
	return getRecord(ctx, s.db.DB(), `id = ?`, id)
}

// GetRecordBySessionID retrieves a record by its session id.
func (s *ImpersonationStore) GetRecordBySessionID(ctx context.Context, sessionID string) (*types.ImpersonationRecord, error) {
	return getRecord(ctx, s.db.DB(), `session_id = ?`, sessionID)
}

func getRecord(ctx context.Context, q queryer, where string, arg interface{}) (*types.ImpersonationRecord, error) {
	var rec types.ImpersonationRecord
	err := q.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM impersonation_records WHERE `+where, arg)
	if err != nil {
		return nil, notFound(err, "impersonation record")
	}
	return &rec, nil
}

// ListActiveRecords lists active records, optionally for a single super admin.
func (s *ImpersonationStore) ListActiveRecords(ctx context.Context, actorID *uuid.UUID) ([]types.ImpersonationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM impersonation_records WHERE is_active = 1`
	var args []interface{}
	if actorID != nil {
		query += ` AND super_admin_id = ?`
		args = append(args, *actorID)
	}
	query += ` ORDER BY start_time`

	recs := []types.ImpersonationRecord{}
	if err := s.db.DB().SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("list active impersonation records: %w", err)
	}
	return recs, nil
}

// CountActiveRecords counts the active records of a super admin.
func (s *ImpersonationStore) CountActiveRecords(ctx context.Context, actorID uuid.UUID) (int, error) {
	var n int
	err := s.db.DB().GetContext(ctx, &n,
		`SELECT COUNT(*) FROM impersonation_records WHERE is_active = 1 AND super_admin_id = ?`, actorID)
	if err != nil {
		return 0, fmt.Errorf("count active impersonation records: %w", err)
	}
	return n, nil
}

// EndRecord deactivates a record if it is still active.
func (s *ImpersonationStore) EndRecord(ctx context.Context, id uuid.UUID, at time.Time, cause, reason string) (bool, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE impersonation_records
		SET is_active = 0, end_time = ?, end_cause = ?, end_reason = ?
		WHERE id = ? AND is_active = 1`, at.UTC(), cause, reason, id)
	if err != nil {
		return false, fmt.Errorf("end impersonation record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end impersonation record: %w", err)
	}
	return n == 1, nil
}

// AppendAction inserts an action and rederives the record's risk metadata.
func (s *ImpersonationStore) AppendAction(
	ctx context.Context,
	recordID uuid.UUID,
	action *types.ImpersonationAction,
	recompute func(*types.ImpersonationRecord, []types.ImpersonationAction),
) (*types.ImpersonationRecord, error) {
	var rec *types.ImpersonationRecord
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		action.RecordID = recordID
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO impersonation_actions (record_id, action, endpoint, method, status_code,
				duration_ms, ip_address, user_agent, timestamp)
			VALUES (:record_id, :action, :endpoint, :method, :status_code,
				:duration_ms, :ip_address, :user_agent, :timestamp)`, action)
		if err != nil {
			return fmt.Errorf("insert impersonation action: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			action.ID = id
		}

		rec, err = getRecord(ctx, tx, `id = ?`, recordID)
		if err != nil {
			return err
		}
		actions, err := listActions(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if recompute != nil {
			recompute(rec, actions)
		}
		return updateRisk(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListActions lists a record's actions, oldest first.
func (s *ImpersonationStore) ListActions(ctx context.Context, recordID uuid.UUID) ([]types.ImpersonationAction, error) {
	return listActions(ctx, s.db.DB(), recordID)
}

func listActions(ctx context.Context, q queryer, recordID uuid.UUID) ([]types.ImpersonationAction, error) {
	actions := []types.ImpersonationAction{}
	err := q.SelectContext(ctx, &actions,
		`SELECT `+actionColumns+` FROM impersonation_actions WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list impersonation actions: %w", err)
	}
	return actions, nil
}

// AddFlags merges flags into a record.
func (s *ImpersonationStore) AddFlags(ctx context.Context, recordID uuid.UUID, flags []string) (*types.ImpersonationRecord, error) {
	var rec *types.ImpersonationRecord
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		rec, err = getRecord(ctx, tx, `id = ?`, recordID)
		if err != nil {
			return err
		}
		rec.Flags = impersonation.MergeFlags(rec.Flags, flags)
		return updateRisk(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func updateRisk(ctx context.Context, tx *sqlx.Tx, rec *types.ImpersonationRecord) error {
	if rec.Flags == nil {
		rec.Flags = types.StringArray{}
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE impersonation_records SET risk_score = ?, flags = ? WHERE id = ?`,
		rec.RiskScore, rec.Flags, rec.ID)
	if err != nil {
		return fmt.Errorf("update impersonation risk: %w", err)
	}
	return nil
}

// ListRecords returns one page of records matching filter, newest first, and the
// total number of matches.
func (s *ImpersonationStore) ListRecords(ctx context.Context, filter impersonation.HistoryFilter) ([]types.ImpersonationRecord, int, error) {
	filter.Normalize()
	where, args := historyWhere(filter)

	var total int
	if err := s.db.DB().GetContext(ctx, &total,
		`SELECT COUNT(*) FROM impersonation_records`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count impersonation history: %w", err)
	}

	recs := []types.ImpersonationRecord{}
	query := `SELECT ` + recordColumns + ` FROM impersonation_records` + where +
		` ORDER BY start_time DESC, id LIMIT ? OFFSET ?`
	if err := s.db.DB().SelectContext(ctx, &recs, query,
		append(args, filter.PerPage, filter.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("list impersonation history: %w", err)
	}
	return recs, total, nil
}

func historyWhere(f impersonation.HistoryFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.SuperAdminID != nil {
		conds = append(conds, "super_admin_id = ?")
		args = append(args, *f.SuperAdminID)
	}
	if f.TargetUserID != nil {
		conds = append(conds, "target_user_id = ?")
		args = append(args, *f.TargetUserID)
	}
	if f.TenantID != nil {
		conds = append(conds, "target_tenant_id = ?")
		args = append(args, *f.TenantID)
	}
	if f.Active != nil {
		conds = append(conds, "is_active = ?")
		args = append(args, *f.Active)
	}
	if f.From != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, f.To.UTC())
	}
	if f.MinRiskScore > 0 {
		conds = append(conds, "risk_score >= ?")
		args = append(args, f.MinRiskScore)
	}
	if f.FlaggedOnly {
		conds = append(conds, "flags <> '[]'")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
