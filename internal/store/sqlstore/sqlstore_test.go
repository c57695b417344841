package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), DriverSQLite, ":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := DefaultSQLiteDSN(filepath.Join(t.TempDir(), "data"))
	fireAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	s, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	_, err = s.InsertTimers(ctx, []model.Timer{{
		TaskID: "t1", Purpose: model.PurposeStartCheck, SLAType: model.SLATypeStart,
		FireAt: fireAt, Deadline: fireAt.Add(time.Hour),
	}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer s.Close()

	cur, err := s.Current(ctx, model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, cur.State)
	assert.True(t, cur.FireAt.Equal(fireAt))
}

func TestSQLiteConcurrentClaimsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	dsn := DefaultSQLiteDSN(filepath.Join(t.TempDir(), "data"))

	a, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer b.Close()

	storetest.ConcurrentClaims(t, a, a, b)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestRebind(t *testing.T) {
	pg := &Store{postgres: true}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := &Store{}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", pg.forUpdate(true))
	assert.Empty(t, lite.forUpdate(true))
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ""},
		{"file:/tmp/x/slawarden.db?_busy_timeout=5000&_txlock=immediate", "/tmp/x/slawarden.db"},
		{"/var/lib/s.db", "/var/lib/s.db"},
		{"file::memory:?cache=shared", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlitePath(tt.dsn), tt.dsn)
	}
}
