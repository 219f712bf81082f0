package sqliteconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToURL(t *testing.T) {
	t.Run("default file config", func(t *testing.T) {
		url, err := Default("/tmp/imp.db").ToURL()
		require.NoError(t, err)
		assert.Equal(t,
			"file:/tmp/imp.db?_txlock=immediate&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL"+
				"&_pragma=auto_vacuum=INCREMENTAL&_pragma=wal_autocheckpoint=1000&_pragma=synchronous=NORMAL"+
				"&_pragma=foreign_keys=ON",
			url)
	})

	t.Run("memory", func(t *testing.T) {
		url, err := Memory().ToURL()
		require.NoError(t, err)
		assert.Equal(t, ":memory:?_pragma=foreign_keys=ON", url)
	})

	t.Run("rejects unknown journal mode", func(t *testing.T) {
		cfg := Default("x.db")
		cfg.JournalMode = "SIDEWAYS"
		_, err := cfg.ToURL()
		assert.ErrorIs(t, err, ErrInvalidPragma)
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := (&Config{}).ToURL()
		assert.ErrorIs(t, err, ErrPathEmpty)
	})

	t.Run("rejects negative busy timeout", func(t *testing.T) {
		cfg := Default("x.db")
		cfg.BusyTimeout = -1
		assert.ErrorIs(t, cfg.Validate(), ErrBusyTimeoutNegative)
	})
}
