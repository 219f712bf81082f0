package impersonation

import (
	"testing"
	"time"

	"github.com/juanfont/impersonator/types"
	"github.com/stretchr/testify/assert"
)

func action(method, endpoint string, status int, ts time.Time) types.ImpersonationAction {
	return types.ImpersonationAction{Method: method, Endpoint: endpoint, StatusCode: status, Timestamp: ts}
}

func TestActionWeight(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		endpoint string
		status   int
		want     int
	}{
		{"read", "GET", "/api/projects", 200, 0},
		{"write", "POST", "/api/projects", 201, 2},
		{"patch", "PATCH", "/api/projects/1", 200, 2},
		{"delete", "DELETE", "/api/projects/1", 204, 5},
		{"admin read", "GET", "/api/admin/users", 200, 10},
		{"super admin path", "GET", "/super-admin/tenants", 200, 10},
		{"export", "GET", "/api/reports/export", 200, 5},
		{"forbidden", "GET", "/api/projects", 403, 3},
		{"not found", "GET", "/api/projects/9", 404, 1},
		{"admin delete denied", "DELETE", "/admin/users/1", 401, 18},
		{"lowercase method", "delete", "/api/projects/1", 200, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ActionWeight(tt.method, tt.endpoint, tt.status))
		})
	}
}

func TestScoreActions(t *testing.T) {
	now := time.Now()

	score, flags := ScoreActions(nil)
	assert.Equal(t, 0, score)
	assert.Empty(t, flags)

	history := []types.ImpersonationAction{
		action("GET", "/api/projects", 200, now),
		action("DELETE", "/api/admin/users/1", 204, now),
		action("GET", "/api/reports/export", 200, now),
		action("POST", "/api/projects", 403, now),
	}
	score, flags = ScoreActions(history)
	assert.Equal(t, 0+15+5+5, score)
	assert.Equal(t, []string{
		FlagAdminEndpointUsed,
		FlagDestructiveMethod,
		FlagExportEndpointUsed,
		FlagAccessDenied,
	}, flags)

	again, _ := ScoreActions(history)
	assert.Equal(t, score, again)
}

func TestScoreActions_MonotonicAndCapped(t *testing.T) {
	now := time.Now()
	var history []types.ImpersonationAction
	prev := 0
	for i := 0; i < 20; i++ {
		history = append(history, action("DELETE", "/api/admin/things", 200, now))
		score, _ := ScoreActions(history)
		assert.GreaterOrEqual(t, score, prev)
		assert.LessOrEqual(t, score, MaxRiskScore)
		prev = score
	}
	assert.Equal(t, MaxRiskScore, prev)
}

func TestAssess_AdminPath(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now()

	a := Assess(nil, RequestMeta{Method: "GET", Path: "/api/admin/settings", TargetRole: types.RoleUser, Now: now}, p)
	assert.True(t, a.Suspicious())
	assert.Equal(t, []string{"admin_path_without_admin_role"}, a.Matched)
	assert.Equal(t, []string{FlagSuspiciousActivity, FlagAdminPathAccess}, a.Flags)
	assert.Equal(t, 10, a.RiskDelta)
	assert.Equal(t, 10, a.ProjectedScore)

	a = Assess(nil, RequestMeta{Method: "GET", Path: "/api/admin/settings", TargetRole: types.RoleTenantAdmin, Now: now}, p)
	assert.False(t, a.Suspicious())

	a = Assess(nil, RequestMeta{Method: "GET", Path: "/api/administrators", TargetRole: types.RoleUser, Now: now}, p)
	assert.False(t, a.Suspicious())
}

func TestAssess_DestructiveAtElevatedRisk(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now()

	var history []types.ImpersonationAction
	for i := 0; i < 8; i++ {
		history = append(history, action("DELETE", "/api/projects/1", 204, now))
	}
	score, _ := ScoreActions(history)
	assert.Equal(t, 40, score)

	a := Assess(history, RequestMeta{Method: "DELETE", Path: "/api/projects/2", TargetRole: types.RoleUser, Now: now}, p)
	assert.Equal(t, []string{"destructive_at_elevated_risk"}, a.Matched)
	assert.Contains(t, a.Flags, FlagHighRiskDestructive)
	assert.Equal(t, 45, a.ProjectedScore)

	a = Assess(history, RequestMeta{Method: "POST", Path: "/api/projects/2/purge", TargetRole: types.RoleUser, Now: now}, p)
	assert.Equal(t, []string{"destructive_at_elevated_risk"}, a.Matched)

	a = Assess(history[:7], RequestMeta{Method: "DELETE", Path: "/api/projects/2", TargetRole: types.RoleUser, Now: now}, p)
	assert.False(t, a.Suspicious())

	a = Assess(history, RequestMeta{Method: "POST", Path: "/api/projects", TargetRole: types.RoleUser, Now: now}, p)
	assert.False(t, a.Suspicious())
}

func TestAssess_BulkExport(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now()

	var history []types.ImpersonationAction
	for i := 0; i < 9; i++ {
		history = append(history, action("GET", "/api/users/export", 200, now.Add(-time.Duration(i)*time.Second)))
	}

	req := RequestMeta{Method: "GET", Path: "/api/invoices/download", TargetRole: types.RoleUser, Now: now}
	a := Assess(history, req, p)
	assert.Equal(t, []string{"bulk_export_threshold"}, a.Matched)
	assert.Equal(t, []string{FlagSuspiciousActivity, FlagBulkExport}, a.Flags)

	a = Assess(history[:8], req, p)
	assert.False(t, a.Suspicious())

	for i := range history {
		history[i].Timestamp = now.Add(-2 * time.Minute)
	}
	a = Assess(history, req, p)
	assert.False(t, a.Suspicious())
}

func TestAssess_CombinedPatternsShareFlags(t *testing.T) {
	p := DefaultPolicy()
	p.BulkExportThreshold = 1
	now := time.Now()

	a := Assess(nil, RequestMeta{Method: "GET", Path: "/admin/export", TargetRole: types.RoleUser, Now: now}, p)
	assert.Equal(t, []string{"admin_path_without_admin_role", "bulk_export_threshold"}, a.Matched)
	assert.Equal(t, []string{FlagSuspiciousActivity, FlagAdminPathAccess, FlagBulkExport}, a.Flags)
}

func TestCountRecentActions(t *testing.T) {
	now := time.Now()
	history := []types.ImpersonationAction{
		action("GET", "/a", 200, now.Add(-2*time.Minute)),
		action("GET", "/b", 200, now.Add(-59*time.Second)),
		action("GET", "/c", 200, now),
	}
	assert.Equal(t, 2, CountRecentActions(history, now, time.Minute))
	assert.Equal(t, 0, CountRecentActions(nil, now, time.Minute))
}

func TestMergeFlags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, MergeFlags([]string{"a", "b"}, []string{"b", "c", "", "a"}))
	assert.Equal(t, []string{"a"}, MergeFlags(nil, []string{"a"}))

	existing := []string{"a"}
	out := MergeFlags(existing, []string{"b"})
	assert.Equal(t, []string{"a"}, existing)
	assert.Equal(t, []string{"a", "b"}, out)
}
