package impersonation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/types"
)

// RecordStore persists impersonation records and their action trail.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *types.ImpersonationRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*types.ImpersonationRecord, error)
	GetRecordBySessionID(ctx context.Context, sessionID string) (*types.ImpersonationRecord, error)
	ListActiveRecords(ctx context.Context, actorID *uuid.UUID) ([]types.ImpersonationRecord, error)
	CountActiveRecords(ctx context.Context, actorID uuid.UUID) (int, error)

	// EndRecord marks an active record ended. It reports false when the record was
	// already inactive so exactly one caller observes each transition.
	EndRecord(ctx context.Context, id uuid.UUID, at time.Time, cause, reason string) (bool, error)

	// AppendAction stores the action, then calls recompute with the record and its full
	// history so risk metadata can be rederived, and persists the record's RiskScore and
	// Flags. Both writes happen in one transaction.
	AppendAction(ctx context.Context, recordID uuid.UUID, action *types.ImpersonationAction,
		recompute func(*types.ImpersonationRecord, []types.ImpersonationAction)) (*types.ImpersonationRecord, error)
	ListActions(ctx context.Context, recordID uuid.UUID) ([]types.ImpersonationAction, error)
	AddFlags(ctx context.Context, recordID uuid.UUID, flags []string) (*types.ImpersonationRecord, error)

	ListRecords(ctx context.Context, filter HistoryFilter) ([]types.ImpersonationRecord, int, error)
	Stats(ctx context.Context, filter StatsFilter) (*types.ImpersonationStats, error)
}

// IdentityStore resolves users and tenants.
type IdentityStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error)
	GetTenantByID(ctx context.Context, id uuid.UUID) (*types.Tenant, error)
}

// AuditLogger records lifecycle events in the platform audit log.
type AuditLogger interface {
	CreateAuditLog(ctx context.Context, log *types.AuditLog) error
}

// Notifier informs super admins of sessions ended on their behalf.
type Notifier interface {
	CreateNotification(ctx context.Context, n *types.Notification) error
}

// HistoryFilter selects records for the history query.
type HistoryFilter struct {
	SuperAdminID *uuid.UUID
	TargetUserID *uuid.UUID
	TenantID     *uuid.UUID
	Active       *bool
	From         *time.Time
	To           *time.Time
	MinRiskScore int
	FlaggedOnly  bool
	Page         int
	PerPage      int
}

// Normalize applies paging defaults and bounds.
func (f *HistoryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
}

// Offset is the number of rows skipped for the current page.
func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// StatsFilter scopes the statistics query.
type StatsFilter struct {
	SuperAdminID      *uuid.UUID
	From              *time.Time
	To                *time.Time
	HighRiskThreshold int
	TopN              int
}
