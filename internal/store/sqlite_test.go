package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "board.db")
	st, err := NewSQLite(dbPath, resilience.DefaultRetryConfig(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))

	snap, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version, "re-migration must not reset the singleton row")
}

func TestSQLite_VersionMonotonic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := st.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
			l.Append(model.RibbonRecord{TraceID: fmt.Sprintf("t%d", i)})
			return true, nil
		})
		require.NoError(t, err)

		snap, err := st.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), snap.Version)
	}
}

func TestSQLite_ConcurrentMutationsSerialize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const writers = 8
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("t%d", i)
		g.Go(func() error {
			return st.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
				if l.FindTrace(id) != nil {
					return false, nil
				}
				l.Append(model.RibbonRecord{TraceID: id})
				return true, nil
			})
		})
	}
	require.NoError(t, g.Wait())

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Ribbons, writers, "every writer's record lands exactly once")
	assert.Equal(t, int64(writers), snap.Version)
}

func TestSQLite_ExpiresAtSurvivesRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour)

	err := st.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
		l.Append(model.RibbonRecord{TraceID: "t1", CreatedAt: created, ExpiresAt: &expires})
		l.Append(model.RibbonRecord{TraceID: "t2", CreatedAt: created})
		return true, nil
	})
	require.NoError(t, err)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Ribbons, 2)
	require.NotNil(t, snap.Ribbons[0].ExpiresAt)
	assert.True(t, snap.Ribbons[0].ExpiresAt.Equal(expires))
	assert.Nil(t, snap.Ribbons[1].ExpiresAt)
}
