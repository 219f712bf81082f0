package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/types"
)

// Stats aggregates impersonation history. Durations and the hourly histogram are
// computed from the matching rows.
func (s *ImpersonationStore) Stats(ctx context.Context, filter impersonation.StatsFilter) (*types.ImpersonationStats, error) {
	where, args := statsWhere(filter, "")
	db := s.db.DB()

	var totals struct {
		Total    int     `db:"total"`
		Active   int     `db:"active"`
		Expired  int     `db:"expired"`
		HighRisk int     `db:"high_risk"`
		AvgRisk  float64 `db:"avg_risk"`
	}
	err := db.GetContext(ctx, &totals, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN end_cause IN ('expired', 'cleanup') THEN 1 ELSE 0 END), 0) AS expired,
			COALESCE(SUM(CASE WHEN risk_score >= ? THEN 1 ELSE 0 END), 0) AS high_risk,
			COALESCE(AVG(risk_score), 0.0) AS avg_risk
		FROM impersonation_records`+where, append([]interface{}{filter.HighRiskThreshold}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("impersonation totals: %w", err)
	}

	stats := &types.ImpersonationStats{
		TotalSessions:    totals.Total,
		ActiveSessions:   totals.Active,
		EndedSessions:    totals.Total - totals.Active,
		ExpiredSessions:  totals.Expired,
		HighRiskSessions: totals.HighRisk,
		AvgRiskScore:     totals.AvgRisk,
	}

	var spans []struct {
		StartTime time.Time  `db:"start_time"`
		EndTime   *time.Time `db:"end_time"`
	}
	if err := db.SelectContext(ctx, &spans,
		`SELECT start_time, end_time FROM impersonation_records`+where, args...); err != nil {
		return nil, fmt.Errorf("impersonation durations: %w", err)
	}
	var total time.Duration
	ended := 0
	for _, sp := range spans {
		stats.HourlyStarts[sp.StartTime.UTC().Hour()]++
		if sp.EndTime != nil {
			total += sp.EndTime.Sub(sp.StartTime)
			ended++
		}
	}
	if ended > 0 {
		stats.AvgDurationSeconds = total.Seconds() / float64(ended)
	}

	joined, _ := statsWhere(filter, "r.")
	if err := db.GetContext(ctx, &stats.TotalActions, `SELECT COUNT(*) FROM impersonation_actions a
		JOIN impersonation_records r ON r.id = a.record_id`+joined, args...); err != nil {
		return nil, fmt.Errorf("impersonation action count: %w", err)
	}

	topN := filter.TopN
	if topN <= 0 {
		topN = 5
	}
	stats.TopSuperAdmins = []types.ImpersonationCount{}
	if err := db.SelectContext(ctx, &stats.TopSuperAdmins, `
		SELECT super_admin_id AS user_id, MAX(super_admin_email) AS email, COUNT(*) AS count
		FROM impersonation_records`+where+`
		GROUP BY super_admin_id ORDER BY count DESC, email LIMIT ?`, append(args, topN)...); err != nil {
		return nil, fmt.Errorf("top super admins: %w", err)
	}
	stats.TopTargets = []types.ImpersonationCount{}
	if err := db.SelectContext(ctx, &stats.TopTargets, `
		SELECT target_user_id AS user_id, MAX(target_user_email) AS email, COUNT(*) AS count
		FROM impersonation_records`+where+`
		GROUP BY target_user_id ORDER BY count DESC, email LIMIT ?`, append(args, topN)...); err != nil {
		return nil, fmt.Errorf("top targets: %w", err)
	}

	return stats, nil
}

func statsWhere(f impersonation.StatsFilter, alias string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.SuperAdminID != nil {
		conds = append(conds, alias+"super_admin_id = ?")
		args = append(args, *f.SuperAdminID)
	}
	if f.From != nil {
		conds = append(conds, alias+"start_time >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, alias+"start_time <= ?")
		args = append(args, f.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
