package impersonation

import (
	"net/http"
	"strings"
	"time"

	"github.com/juanfont/impersonator/types"
)

// MaxRiskScore caps the risk score.
const MaxRiskScore = 100

// Flags derived from the action history by ScoreActions.
const (
	FlagAdminEndpointUsed  = "admin_endpoint_used"
	FlagDestructiveMethod  = "destructive_method_used"
	FlagExportEndpointUsed = "export_endpoint_used"
	FlagAccessDenied       = "access_denied"
)

// Flags raised by the suspicious-pattern heuristics in Assess.
const (
	FlagSuspiciousActivity  = "suspicious_activity"
	FlagAdminPathAccess     = "admin_path_access"
	FlagHighRiskDestructive = "high_risk_destructive"
	FlagBulkExport          = "bulk_export"
)

// RequestMeta describes the request about to run under a session.
type RequestMeta struct {
	Method     string
	Path       string
	TargetRole types.Role
	Now        time.Time
}

// Assessment is the outcome of evaluating a request against the heuristics.
type Assessment struct {
	// RiskDelta is what the request will add to the score once it is logged.
	RiskDelta int
	// ProjectedScore is the score after the request is logged.
	ProjectedScore int
	Flags          []string
	// Matched names the heuristics that fired.
	Matched []string
}

// Suspicious reports whether any heuristic fired.
func (a Assessment) Suspicious() bool {
	return len(a.Matched) > 0
}

// ScoreActions derives the risk score and flags from an action history. It is
// deterministic, and appending actions never lowers the score.
func ScoreActions(actions []types.ImpersonationAction) (int, []string) {
	score := 0
	var flags []string
	for _, a := range actions {
		score += ActionWeight(a.Method, a.Endpoint, a.StatusCode)

		if isAdminPath(a.Endpoint) {
			flags = MergeFlags(flags, []string{FlagAdminEndpointUsed})
		}
		if isDestructive(a.Method, a.Endpoint) {
			flags = MergeFlags(flags, []string{FlagDestructiveMethod})
		}
		if isBulkPath(a.Endpoint) {
			flags = MergeFlags(flags, []string{FlagExportEndpointUsed})
		}
		if a.StatusCode == http.StatusUnauthorized || a.StatusCode == http.StatusForbidden {
			flags = MergeFlags(flags, []string{FlagAccessDenied})
		}
	}
	return min(score, MaxRiskScore), flags
}

// ActionWeight is the risk contributed by a single action.
func ActionWeight(method, endpoint string, status int) int {
	w := 0
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		w = 2
	case http.MethodDelete:
		w = 5
	}
	if isAdminPath(endpoint) {
		w += 10
	}
	if isBulkPath(endpoint) {
		w += 5
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		w += 3
	case status >= http.StatusBadRequest:
		w++
	}
	return w
}

// Assess evaluates the suspicious-pattern heuristics for a pending request:
// admin paths without an admin target role, destructive requests at elevated risk, and
// export or bulk requests beyond the threshold within the rate window.
func Assess(history []types.ImpersonationAction, req RequestMeta, p Policy) Assessment {
	p = p.withDefaults()
	current, _ := ScoreActions(history)
	delta := ActionWeight(req.Method, req.Path, 0)

	a := Assessment{
		RiskDelta:      delta,
		ProjectedScore: min(current+delta, MaxRiskScore),
	}

	if isAdminPath(req.Path) && !req.TargetRole.IsAdmin() {
		a.Matched = append(a.Matched, "admin_path_without_admin_role")
		a.Flags = MergeFlags(a.Flags, []string{FlagSuspiciousActivity, FlagAdminPathAccess})
	}

	if isDestructive(req.Method, req.Path) && current >= p.ElevatedRiskThreshold {
		a.Matched = append(a.Matched, "destructive_at_elevated_risk")
		a.Flags = MergeFlags(a.Flags, []string{FlagSuspiciousActivity, FlagHighRiskDestructive})
	}

	if isBulkPath(req.Path) {
		recent := 0
		cutoff := req.Now.Add(-p.RateWindow)
		for _, h := range history {
			if isBulkPath(h.Endpoint) && h.Timestamp.After(cutoff) {
				recent++
			}
		}
		if recent+1 >= p.BulkExportThreshold {
			a.Matched = append(a.Matched, "bulk_export_threshold")
			a.Flags = MergeFlags(a.Flags, []string{FlagSuspiciousActivity, FlagBulkExport})
		}
	}

	return a
}

// CountRecentActions counts actions inside the trailing window ending at now.
func CountRecentActions(actions []types.ImpersonationAction, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, a := range actions {
		if a.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// MergeFlags returns existing with any new flags appended, preserving order and
// dropping duplicates. Flags are never removed.
func MergeFlags(existing, added []string) []string {
	out := append([]string(nil), existing...)
	for _, f := range added {
		if f == "" || containsFlag(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsFlag(flags []string, f string) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

func pathSegments(p string) []string {
	p = strings.ToLower(strings.Trim(p, "/"))
	if p == "" {
		return nil
	}
	segs := strings.Split(p, "/")
	if segs[0] == "api" {
		segs = segs[1:]
	}
	return segs
}

func isAdminPath(p string) bool {
	segs := pathSegments(p)
	return len(segs) > 0 && (segs[0] == "admin" || segs[0] == "super-admin")
}

func isBulkPath(p string) bool {
	for _, s := range pathSegments(p) {
		if strings.Contains(s, "export") || strings.Contains(s, "bulk") || strings.Contains(s, "download") {
			return true
		}
	}
	return false
}

func isDestructive(method, p string) bool {
	if strings.EqualFold(method, http.MethodDelete) {
		return true
	}
	if !strings.EqualFold(method, http.MethodPost) {
		return false
	}
	for _, s := range pathSegments(p) {
		switch s {
		case "delete", "purge", "destroy":
			return true
		}
	}
	return false
}
