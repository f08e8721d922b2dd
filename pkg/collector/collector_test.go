package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/provider"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/store"
	"tagwatch/pkg/store/memory"
)

func TestRunOnceCollectsKnownAndStoredEntities(t *testing.T) {
	st := memory.New()
	today := dates.Today(time.Now())

	// An entity already in the store is discovered without configuration.
	_, err := st.Merge(context.Background(), store.Key{Class: store.Publisher, ID: "p1"},
		[]string{document.ColDateKey, document.ColTagID, document.ColImpressions},
		[]document.Row{{dates.AddDays(today, -10), "t1", 1.0}}, today)
	require.NoError(t, err)

	orch := reconcile.New(st, provider.NewMock(), 2, zap.NewNop().Sugar())
	c := New(Config{
		Enabled:      true,
		RunAt:        "06:00",
		LookbackDays: 3,
		Workers:      2,
		SeatIDs:      []string{"s1", "s2"},
	}, st, orch, zap.NewNop().Sugar())

	summary, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Entities)
	require.Equal(t, 3, summary.Succeeded)
	require.Equal(t, 0, summary.Failed)
	require.Greater(t, summary.RowsAppended, 0)

	keys, err := st.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 3)

	status := c.Status()
	require.True(t, status.Enabled)
	require.False(t, status.Running)
	require.NotNil(t, status.LastRun)
	require.Equal(t, 3, status.LastRun.Succeeded)
}

func TestRunOnceDeduplicatesTargets(t *testing.T) {
	st := memory.New()
	orch := reconcile.New(st, provider.NewMock(), 1, zap.NewNop().Sugar())
	c := New(Config{LookbackDays: 2, Workers: 1, SeatIDs: []string{"s1", "s1", ""}}, st, orch, zap.NewNop().Sugar())

	summary, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
}

func TestUntilNext(t *testing.T) {
	now := time.Date(2026, 8, 26, 5, 0, 0, 0, time.UTC)

	require.Equal(t, time.Hour, untilNext(now, "06:00"))
	// Already past today's slot: wait for tomorrow's.
	require.Equal(t, 23*time.Hour, untilNext(now, "04:00"))
	// Malformed schedule falls back to a day.
	require.Equal(t, 24*time.Hour, untilNext(now, "not-a-time"))
}
