// Package sqliteconfig builds modernc.org/sqlite connection strings from a validated
// pragma configuration.
package sqliteconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by config validation.
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrBusyTimeoutNegative = errors.New("busy_timeout must be >= 0")
	ErrWALAutocheckpoint   = errors.New("wal_autocheckpoint must be >= -1")
	ErrInvalidPragma       = errors.New("invalid pragma value")
)

// DefaultBusyTimeout is the default busy timeout in milliseconds.
const DefaultBusyTimeout = 10000

var allowed = map[string][]string{
	"journal_mode": {"WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF"},
	"auto_vacuum":  {"NONE", "FULL", "INCREMENTAL"},
	"synchronous":  {"OFF", "NORMAL", "FULL", "EXTRA"},
	"_txlock":      {"deferred", "immediate", "exclusive"},
}

// Config holds SQLite database configuration.
type Config struct {
	Path              string // file path or ":memory:"
	BusyTimeout       int    // milliseconds, 0 leaves the driver default
	JournalMode       string
	AutoVacuum        string
	WALAutocheckpoint int // pages; -1 leaves the default
	Synchronous       string
	ForeignKeys       bool
	TxLock            string
}

// Default returns the production configuration: WAL, NORMAL sync, immediate write
// transactions.
func Default(path string) *Config {
	return &Config{
		Path:              path,
		BusyTimeout:       DefaultBusyTimeout,
		JournalMode:       "WAL",
		AutoVacuum:        "INCREMENTAL",
		WALAutocheckpoint: 1000,
		Synchronous:       "NORMAL",
		ForeignKeys:       true,
		TxLock:            "immediate",
	}
}

// Memory returns a configuration for in-memory databases.
func Memory() *Config {
	return &Config{
		Path:              ":memory:",
		WALAutocheckpoint: -1,
		ForeignKeys:       true,
	}
}

// Validate checks if all configuration values are valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrPathEmpty
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrBusyTimeoutNegative, c.BusyTimeout)
	}
	if c.WALAutocheckpoint < -1 {
		return fmt.Errorf("%w, got %d", ErrWALAutocheckpoint, c.WALAutocheckpoint)
	}

	for name, value := range map[string]string{
		"journal_mode": c.JournalMode,
		"auto_vacuum":  c.AutoVacuum,
		"synchronous":  c.Synchronous,
		"_txlock":      c.TxLock,
	} {
		if value == "" {
			continue
		}
		if !contains(allowed[name], value) {
			return fmt.Errorf("%w: %s=%s", ErrInvalidPragma, name, value)
		}
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, a := range values {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}

// ToURL builds the connection string using _pragma parameters.
func (c *Config) ToURL() (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("invalid config: %w", err)
	}

	var params []string
	if c.TxLock != "" {
		params = append(params, "_txlock="+strings.ToLower(c.TxLock))
	}
	if c.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		params = append(params, "_pragma=journal_mode="+strings.ToUpper(c.JournalMode))
	}
	if c.AutoVacuum != "" {
		params = append(params, "_pragma=auto_vacuum="+strings.ToUpper(c.AutoVacuum))
	}
	if c.WALAutocheckpoint >= 0 {
		params = append(params, fmt.Sprintf("_pragma=wal_autocheckpoint=%d", c.WALAutocheckpoint))
	}
	if c.Synchronous != "" {
		params = append(params, "_pragma=synchronous="+strings.ToUpper(c.Synchronous))
	}
	if c.ForeignKeys {
		params = append(params, "_pragma=foreign_keys=ON")
	}

	base := ":memory:"
	if c.Path != ":memory:" {
		base = "file:" + c.Path
	}
	if len(params) > 0 {
		base += "?" + strings.Join(params, "&")
	}
	return base, nil
}
