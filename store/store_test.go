package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/store"
	"github.com/juanfont/impersonator/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	admin  *types.User
	target *types.User
	tenant *types.Tenant
}

func seed(t *testing.T, s *store.Store) fixture {
	t.Helper()
	ctx := context.Background()

	tenant := &types.Tenant{Name: "Acme", Slug: "acme"}
	require.NoError(t, s.Users.CreateTenant(ctx, tenant))

	admin := &types.User{Email: "root@example.com", Name: "root", Role: types.RoleSuperAdmin}
	require.NoError(t, s.Users.CreateUser(ctx, admin))

	target := &types.User{
		Email:       "alice@acme.example",
		Name:        "alice",
		Role:        types.RoleUser,
		Permissions: types.StringArray{"projects:read"},
		TenantID:    types.NullUUID{UUID: tenant.ID, Valid: true},
	}
	require.NoError(t, s.Users.CreateUser(ctx, target))

	return fixture{admin: admin, target: target, tenant: tenant}
}

func newRecord(f fixture, start time.Time) *types.ImpersonationRecord {
	return &types.ImpersonationRecord{
		ID:                 uuid.New(),
		SessionID:          "imp_" + uuid.NewString(),
		SuperAdminID:       f.admin.ID,
		SuperAdminEmail:    f.admin.Email,
		TargetUserID:       f.target.ID,
		TargetUserEmail:    f.target.Email,
		TargetTenantID:     f.tenant.ID,
		TargetTenantName:   f.tenant.Name,
		TargetUserRole:     f.target.Role,
		Reason:             "investigating ticket 1234",
		StartTime:          start.UTC(),
		MaxDurationSeconds: 3600,
		IsActive:           true,
	}
}

func TestUserStore(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	got, err := s.Users.GetUserByID(ctx, f.target.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@acme.example", got.Email)
	assert.Equal(t, types.RoleUser, got.Role)
	assert.Equal(t, types.StringArray{"projects:read"}, got.Permissions)
	assert.True(t, got.TenantID.Valid)
	assert.Equal(t, f.tenant.ID, got.TenantID.UUID)

	tenant, err := s.Users.GetTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.True(t, tenant.IsActive())

	_, err = s.Users.GetUserByID(ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = s.Users.CreateUser(ctx, &types.User{Email: "ALICE@acme.example"})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.Users.DeleteUser(ctx, f.target.ID))
	got, err = s.Users.GetUserByID(ctx, f.target.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
}

func TestCreateOrUpdateUserFromClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Users.SetSuperAdminEmails([]string{"Boss@Example.com"})

	claims := &types.OIDCClaims{
		Sub:           "42",
		Iss:           "https://idp.example.com",
		Email:         "boss@example.com",
		EmailVerified: true,
		Username:      "boss",
		Name:          "The Boss",
	}

	user, err := s.Users.CreateOrUpdateUserFromClaim(ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, types.RoleSuperAdmin, user.Role)
	assert.Equal(t, "The Boss", user.DisplayName)

	claims.Name = "Renamed Boss"
	again, err := s.Users.CreateOrUpdateUserFromClaim(ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, "Renamed Boss", again.DisplayName)

	plain, err := s.Users.CreateOrUpdateUserFromClaim(ctx, &types.OIDCClaims{
		Sub: "43", Iss: "https://idp.example.com", Email: "someone@example.com", EmailVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, plain.Role)

	require.NoError(t, s.Users.UpdateLastLogin(ctx, plain.ID))
	reloaded, err := s.Users.GetUserByID(ctx, plain.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastLogin)
}

func TestImpersonationStore_EndRecordOnce(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	rec := newRecord(f, time.Now())
	require.NoError(t, s.Impersonation.CreateRecord(ctx, rec))

	n, err := s.Impersonation.CountActiveRecords(ctx, f.admin.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changed, err := s.Impersonation.EndRecord(ctx, rec.ID, time.Now(), types.EndCauseEnded, "done")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Impersonation.EndRecord(ctx, rec.ID, time.Now(), types.EndCauseCleanup, "again")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.Impersonation.GetRecordBySessionID(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, types.EndCauseEnded, got.EndCause)
	assert.Equal(t, "done", got.EndReason)
	require.NotNil(t, got.EndTime)

	_, err = s.Impersonation.GetRecordBySessionID(ctx, "imp_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestImpersonationStore_AppendAction(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	rec := newRecord(f, time.Now())
	require.NoError(t, s.Impersonation.CreateRecord(ctx, rec))

	var seen int
	recompute := func(r *types.ImpersonationRecord, actions []types.ImpersonationAction) {
		seen = len(actions)
		score, flags := impersonation.ScoreActions(actions)
		r.RiskScore = score
		r.Flags = impersonation.MergeFlags(r.Flags, flags)
	}

	_, err := s.Impersonation.AppendAction(ctx, rec.ID, &types.ImpersonationAction{
		Action: "list projects", Endpoint: "/api/projects", Method: "GET", StatusCode: 200,
		Timestamp: time.Now().UTC(),
	}, recompute)
	require.NoError(t, err)

	updated, err := s.Impersonation.AppendAction(ctx, rec.ID, &types.ImpersonationAction{
		Action: "delete project", Endpoint: "/api/admin/projects/1", Method: "DELETE", StatusCode: 204,
		Timestamp: time.Now().UTC(),
	}, recompute)
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 15, updated.RiskScore)
	assert.Contains(t, updated.Flags, impersonation.FlagAdminEndpointUsed)
	assert.Contains(t, updated.Flags, impersonation.FlagDestructiveMethod)

	actions, err := s.Impersonation.ListActions(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "GET", actions[0].Method)
	assert.Equal(t, "DELETE", actions[1].Method)

	flagged, err := s.Impersonation.AddFlags(ctx, rec.ID, []string{impersonation.FlagSuspiciousActivity, impersonation.FlagAdminEndpointUsed})
	require.NoError(t, err)
	assert.Equal(t, 15, flagged.RiskScore)
	assert.Len(t, flagged.Flags, 3)
}

func TestImpersonationStore_ListRecords(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		rec := newRecord(f, base.Add(time.Duration(i)*time.Minute))
		if i%5 == 0 {
			rec.RiskScore = 80
			rec.Flags = types.StringArray{impersonation.FlagSuspiciousActivity}
		}
		require.NoError(t, s.Impersonation.CreateRecord(ctx, rec))
		if i < 10 {
			_, err := s.Impersonation.EndRecord(ctx, rec.ID, rec.StartTime.Add(time.Minute), types.EndCauseEnded, "")
			require.NoError(t, err)
		}
	}

	recs, total, err := s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{PerPage: 10, Page: 3})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, recs, 5)

	recs, _, err = s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 20)
	assert.True(t, recs[0].StartTime.After(recs[1].StartTime))

	active := true
	_, total, err = s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, 15, total)

	_, total, err = s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{FlaggedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	_, total, err = s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{MinRiskScore: 70})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	other := uuid.New()
	_, total, err = s.Impersonation.ListRecords(ctx, impersonation.HistoryFilter{SuperAdminID: &other})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestImpersonationStore_Stats(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := newRecord(f, start)
	first.RiskScore = 90
	require.NoError(t, s.Impersonation.CreateRecord(ctx, first))
	_, err := s.Impersonation.EndRecord(ctx, first.ID, start.Add(10*time.Minute), types.EndCauseEnded, "")
	require.NoError(t, err)

	second := newRecord(f, start.Add(5*time.Hour))
	second.RiskScore = 10
	require.NoError(t, s.Impersonation.CreateRecord(ctx, second))
	_, err = s.Impersonation.EndRecord(ctx, second.ID, start.Add(5*time.Hour+20*time.Minute), types.EndCauseCleanup, "")
	require.NoError(t, err)

	third := newRecord(f, start.Add(5*time.Hour+time.Minute))
	require.NoError(t, s.Impersonation.CreateRecord(ctx, third))
	_, err = s.Impersonation.AppendAction(ctx, third.ID, &types.ImpersonationAction{
		Action: "view", Endpoint: "/api/projects", Method: "GET", StatusCode: 200, Timestamp: start,
	}, nil)
	require.NoError(t, err)

	stats, err := s.Impersonation.Stats(ctx, impersonation.StatsFilter{HighRiskThreshold: 70, TopN: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 2, stats.EndedSessions)
	assert.Equal(t, 1, stats.ExpiredSessions)
	assert.Equal(t, 1, stats.HighRiskSessions)
	assert.Equal(t, 1, stats.TotalActions)
	assert.InDelta(t, 900.0, stats.AvgDurationSeconds, 0.001)
	assert.InDelta(t, 100.0/3, stats.AvgRiskScore, 0.001)
	assert.Equal(t, 1, stats.HourlyStarts[9])
	assert.Equal(t, 2, stats.HourlyStarts[14])
	require.Len(t, stats.TopSuperAdmins, 1)
	assert.Equal(t, f.admin.ID, stats.TopSuperAdmins[0].UserID)
	assert.Equal(t, 3, stats.TopSuperAdmins[0].Count)
	require.Len(t, stats.TopTargets, 1)
	assert.Equal(t, f.target.Email, stats.TopTargets[0].Email)

	other := uuid.New()
	scoped, err := s.Impersonation.Stats(ctx, impersonation.StatsFilter{SuperAdminID: &other, HighRiskThreshold: 70})
	require.NoError(t, err)
	assert.Equal(t, 0, scoped.TotalSessions)
	assert.Empty(t, scoped.TopSuperAdmins)
}

func TestNotificationStore(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	rec := newRecord(f, time.Now())
	n := types.NewSessionEndedNotification(rec, "session exceeded maximum duration", time.Now().UTC())
	require.NoError(t, s.Notifications.CreateNotification(ctx, n))

	list, err := s.Notifications.ListForUser(ctx, f.admin.ID, false)
	require.NoError(t, err)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, 1, list.UnreadCount)
	assert.Equal(t, rec.SessionID, list.Notifications[0].SessionID)

	assert.ErrorIs(t, s.Notifications.MarkRead(ctx, f.target.ID, n.ID), types.ErrNotFound)
	require.NoError(t, s.Notifications.MarkRead(ctx, f.admin.ID, n.ID))

	list, err = s.Notifications.ListForUser(ctx, f.admin.ID, true)
	require.NoError(t, err)
	assert.Empty(t, list.Notifications)
	assert.Equal(t, 0, list.UnreadCount)
}

func TestAuditStore(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	entry := types.NewAuditLog(&types.NullUUID{UUID: f.admin.ID, Valid: true},
		types.ActionImpersonationStarted, types.ResourceTypeImpersonation, "imp_abc").
		WithChanges(map[string]interface{}{"reason": "support ticket"}).
		WithIPAddress("10.0.0.1")
	require.NoError(t, s.Audit.CreateAuditLog(ctx, entry))
	assert.NotZero(t, entry.ID)

	logs, err := s.Audit.ListByResource(ctx, types.ResourceTypeImpersonation, "imp_abc")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, f.admin.ID, logs[0].ActorUserID.UUID)
	assert.Equal(t, "support ticket", logs[0].Changes["reason"])
	assert.Equal(t, "10.0.0.1", logs[0].IPAddress.String)
	assert.False(t, logs[0].ImpersonatedUserID.Valid)

	during := types.NewAuditLog(&types.NullUUID{UUID: f.admin.ID, Valid: true},
		"project.updated", "project", "p1").
		WithImpersonation("imp_abc", f.target.ID)
	require.NoError(t, s.Audit.CreateAuditLog(ctx, during))
	unrelated := types.NewAuditLog(nil, "project.updated", "project", "p2")
	require.NoError(t, s.Audit.CreateAuditLog(ctx, unrelated))

	trail, err := s.Audit.ListBySession(ctx, "imp_abc")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.ActionImpersonationStarted, trail[0].Action)
	assert.Equal(t, "p1", trail[1].ResourceID)
	assert.Equal(t, f.target.ID, trail[1].ImpersonatedUserID.UUID)
	assert.Equal(t, "imp_abc", trail[1].ImpersonationSessionID.String)
}
