package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{
			URL:       "libsql://ratewatch.turso.io",
			AuthToken: "token123",
		})
		require.NoError(t, err)
		require.Equal(t, "libsql://ratewatch.turso.io?authToken=token123", dsn)
	})

	t.Run("URLKeepsExplicitToken", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{
			URL:       "libsql://ratewatch.turso.io?authToken=mine",
			AuthToken: "other",
		})
		require.NoError(t, err)
		require.Equal(t, "libsql://ratewatch.turso.io?authToken=mine", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: "file:./ratewatch.db"})
		require.NoError(t, err)
		require.Equal(t, "file:./ratewatch.db", dsn)
	})

	t.Run("PlainPathCreatesDir", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "ratewatch.db")
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: path})
		require.NoError(t, err)
		require.Equal(t, "file:"+path, dsn)
		require.DirExists(t, filepath.Dir(path))
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestRateLimitQueryValidate(t *testing.T) {
	require.Error(t, RateLimitQuery{}.Validate())
	require.NoError(t, RateLimitQuery{All: true}.Validate())
	require.NoError(t, RateLimitQuery{Host: "10.0.0.1:8000"}.Validate())
	require.NoError(t, RateLimitQuery{Prefix: "10.0."}.Validate())
}

func TestHistoryQueryWhereClause(t *testing.T) {
	where, args := HistoryQuery{}.whereClause()
	require.Empty(t, where)
	require.Empty(t, args)

	where, args = HistoryQuery{Agent: "edge-1", Stream: "requests"}.whereClause()
	require.Equal(t, "WHERE agent_id = ? AND stream = ?", where)
	require.Equal(t, []any{"edge-1", "requests"}, args)
}

func TestNilStore(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Migrate(context.Background()), ErrNotInitialized)
	_, err := s.ListHistory(context.Background(), HistoryQuery{})
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, s.CheckHealth(context.Background()), ErrNotInitialized)
}
