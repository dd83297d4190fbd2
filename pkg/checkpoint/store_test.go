package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadClear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cp, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.Save(ctx, &Checkpoint{
		CampaignID:     "c1",
		NextRowIndex:   40,
		TotalRows:      100,
		GeneratedCount: 38,
		FailedCount:    2,
		Status:         "processing",
	}))

	cp, err = s.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 40, cp.NextRowIndex)
	assert.Equal(t, 38, cp.GeneratedCount)
	assert.Equal(t, 2, cp.FailedCount)
	assert.WithinDuration(t, time.Now(), cp.UpdatedAt, 5*time.Second)

	require.NoError(t, s.Clear(ctx, "c1"))
	cp, err = s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSaveNeverRegresses(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Checkpoint{CampaignID: "c1", NextRowIndex: 60, TotalRows: 100, GeneratedCount: 60, Status: "processing"}))
	// A stale write from an older batch must not undo progress.
	require.NoError(t, s.Save(ctx, &Checkpoint{CampaignID: "c1", NextRowIndex: 40, TotalRows: 100, GeneratedCount: 40, Status: "processing"}))

	cp, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 60, cp.NextRowIndex)
	assert.Equal(t, 60, cp.GeneratedCount)
}

func TestSaveValidates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{"missing campaign", Checkpoint{NextRowIndex: 1, TotalRows: 10}},
		{"negative index", Checkpoint{CampaignID: "c1", NextRowIndex: -1, TotalRows: 10}},
		{"index past total", Checkpoint{CampaignID: "c1", NextRowIndex: 11, TotalRows: 10}},
		{"counts exceed processed", Checkpoint{CampaignID: "c1", NextRowIndex: 5, TotalRows: 10, GeneratedCount: 4, FailedCount: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Save(ctx, &tt.cp))
		})
	}
}

func TestIsStale(t *testing.T) {
	cp := &Checkpoint{UpdatedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, cp.IsStale(time.Hour))
	assert.False(t, cp.IsStale(3*time.Hour))
	assert.False(t, cp.IsStale(0))
}

func TestWriterCoalesces(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := NewWriter(s, 500*time.Millisecond, nil)

	// Leading edge: first submission writes immediately.
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 10, TotalRows: 100, GeneratedCount: 10, Status: "processing"})

	require.Eventually(t, func() bool {
		cp, err := s.Load(ctx, "c1")
		return err == nil && cp != nil && cp.NextRowIndex == 10
	}, 2*time.Second, 10*time.Millisecond)

	// Burst inside the interval: only the latest survives the trailing write.
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 20, TotalRows: 100, GeneratedCount: 20, Status: "processing"})
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 30, TotalRows: 100, GeneratedCount: 30, Status: "processing"})
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 40, TotalRows: 100, GeneratedCount: 40, Status: "processing"})

	require.Eventually(t, func() bool {
		cp, err := s.Load(ctx, "c1")
		return err == nil && cp != nil && cp.NextRowIndex == 40
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
}

func TestWriterFlush(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := NewWriter(s, time.Hour, nil)
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 10, TotalRows: 100, GeneratedCount: 10, Status: "processing"})

	// First submit wrote on the leading edge; the second would wait an hour.
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 20, TotalRows: 100, GeneratedCount: 20, Status: "paused"})
	require.NoError(t, w.Flush(ctx))

	cp, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 20, cp.NextRowIndex)
	assert.Equal(t, "paused", cp.Status)
	require.NoError(t, w.Close())
}

func TestWriterFlushWaitsForLeadingWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := NewWriter(s, time.Hour, nil)

	// The submission takes the leading edge, so the save runs in the
	// background and nothing is pending. Flush must still not return before
	// that write is durable: a pause followed by process exit reads back
	// through Load immediately.
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 10, TotalRows: 100, GeneratedCount: 10, Status: "paused"})
	require.NoError(t, w.Flush(ctx))

	cp, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 10, cp.NextRowIndex)
	assert.Equal(t, "paused", cp.Status)
	require.NoError(t, w.Close())
}

func TestWriterDropsRegressions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := NewWriter(s, time.Hour, nil)
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 10, TotalRows: 100, GeneratedCount: 10, Status: "processing"})
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 50, TotalRows: 100, GeneratedCount: 50, Status: "processing"})
	w.Submit(Checkpoint{CampaignID: "c1", NextRowIndex: 30, TotalRows: 100, GeneratedCount: 30, Status: "processing"})
	require.NoError(t, w.Flush(ctx))

	cp, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 50, cp.NextRowIndex)
	require.NoError(t, w.Close())
}
