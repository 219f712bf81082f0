package impersonation

import "time"

// Policy holds the impersonation rules enforced by the Manager and the middleware.
type Policy struct {
	Enabled bool

	// MaxDuration is both the token lifetime and the record lifetime.
	MaxDuration time.Duration

	// MaxActiveSessions caps concurrently active records per super admin.
	MaxActiveSessions int

	RequireReason   bool
	MinReasonLength int

	// CacheSize bounds the in-memory session store.
	CacheSize int

	HighRiskThreshold     int
	ElevatedRiskThreshold int

	ActionRateLimit     int
	RateWindow          time.Duration
	BulkExportThreshold int

	// AllowAdminTargets permits impersonating other super admins.
	AllowAdminTargets bool
}

// DefaultPolicy returns the policy used when configuration does not override it.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:               true,
		MaxDuration:           time.Hour,
		MaxActiveSessions:     5,
		RequireReason:         true,
		MinReasonLength:       10,
		CacheSize:             100,
		HighRiskThreshold:     70,
		ElevatedRiskThreshold: 40,
		ActionRateLimit:       100,
		RateWindow:            time.Minute,
		BulkExportThreshold:   10,
	}
}

// withDefaults fills zero values so a partially configured policy stays usable.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxDuration <= 0 {
		p.MaxDuration = d.MaxDuration
	}
	if p.MaxActiveSessions <= 0 {
		p.MaxActiveSessions = d.MaxActiveSessions
	}
	if p.MinReasonLength < 0 {
		p.MinReasonLength = 0
	}
	if p.CacheSize <= 0 {
		p.CacheSize = d.CacheSize
	}
	if p.HighRiskThreshold <= 0 {
		p.HighRiskThreshold = d.HighRiskThreshold
	}
	if p.ElevatedRiskThreshold <= 0 {
		p.ElevatedRiskThreshold = d.ElevatedRiskThreshold
	}
	if p.ActionRateLimit <= 0 {
		p.ActionRateLimit = d.ActionRateLimit
	}
	if p.RateWindow <= 0 {
		p.RateWindow = d.RateWindow
	}
	if p.BulkExportThreshold <= 0 {
		p.BulkExportThreshold = d.BulkExportThreshold
	}
	return p
}
