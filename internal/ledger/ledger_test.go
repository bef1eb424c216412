package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords(base time.Time) []domain.ExecutionRecord {
	return []domain.ExecutionRecord{
		{ID: "a", SessionID: "s", RoundID: 1, Stake: 15, TargetMultiplier: 1.85, ExitMode: domain.ExitModeDefault,
			EntryResult: "confirmed", ExitResult: "exited", ExitStrategy: domain.ExitMethodPrimary,
			RealizedMultiplier: 1.9, MaxObserved: 1.9, PnL: 13.5, Status: domain.StatusSettledWin,
			StartedAt: base, FinishedAt: base.Add(3 * time.Second)},
		{ID: "b", SessionID: "s", RoundID: 2, Stake: 21, TargetMultiplier: 1.85, ExitMode: domain.ExitModeDefault,
			EntryResult: "confirmed", ExitResult: "failed", PnL: -21, Status: domain.StatusFailedExit,
			Reason: "exit_failed", NeedsReconcile: true,
			StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + 5*time.Second)},
		{ID: "c", SessionID: "s", RoundID: 3, Stake: 15, TargetMultiplier: 1.5, ExitMode: domain.ExitModeDefensive,
			EntryResult: "confirmed", ExitResult: "crashed", PnL: -15, Status: domain.StatusSettledLoss,
			Reason: "crashed", StartedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(2*time.Minute + time.Second)},
	}
}

type readerLedger interface {
	Reader
	AppendOutcome(ctx context.Context, o domain.RoundOutcome) error
	AppendRecord(ctx context.Context, r domain.ExecutionRecord) error
	Close() error
}

func exerciseLedger(t *testing.T, l readerLedger) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.AppendOutcome(ctx, domain.RoundOutcome{RoundID: 1, CrashMultiplier: 2.3, Duration: 8 * time.Second, Timestamp: base}))
	// 重复写入被忽略
	require.NoError(t, l.AppendOutcome(ctx, domain.RoundOutcome{RoundID: 1, CrashMultiplier: 9.9, Timestamp: base}))

	for _, r := range sampleRecords(base) {
		require.NoError(t, l.AppendRecord(ctx, r))
	}

	recent, err := l.RecentRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
	assert.Equal(t, domain.StatusFailedExit, recent[1].Status)
	assert.True(t, recent[1].NeedsReconcile)
	assert.True(t, recent[0].StartedAt.Equal(base.Add(2*time.Minute)))

	pending, err := l.PendingReconcile(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestSQLiteLedger(t *testing.T) {
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	exerciseLedger(t, l)
}

func TestBadgerLedger(t *testing.T) {
	l, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer l.Close()
	exerciseLedger(t, l)

	o, found, err := l.Outcome(1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2.3, o.CrashMultiplier)
}

type slowLedger struct {
	Nop
	block chan struct{}
	n     int
}

func (s *slowLedger) AppendRecord(ctx context.Context, r domain.ExecutionRecord) error {
	<-s.block
	s.n++
	return nil
}

func TestAsync_NeverBlocksAndDrainsOnClose(t *testing.T) {
	inner := &slowLedger{block: make(chan struct{})}
	a := NewAsync(inner, 2)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.AppendRecord(context.Background(), domain.ExecutionRecord{RoundID: int64(i)}))
	}
	assert.Less(t, time.Since(start), time.Second)

	dropped, _ := a.Stats()
	assert.GreaterOrEqual(t, dropped, int64(7))

	close(inner.block)
	require.NoError(t, a.Close())
	assert.Equal(t, int64(10)-dropped, int64(inner.n))

	assert.Error(t, a.AppendRecord(context.Background(), domain.ExecutionRecord{RoundID: 99}))
}

func TestOpen_Drivers(t *testing.T) {
	a, err := Open(config.LedgerConfig{Driver: "none"})
	require.NoError(t, err)
	require.NoError(t, a.AppendOutcome(context.Background(), domain.RoundOutcome{RoundID: 1}))
	require.NoError(t, a.Close())

	a, err = Open(config.LedgerConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x", "l.db"), Buffer: 8})
	require.NoError(t, err)
	require.NoError(t, a.AppendRecord(context.Background(), sampleRecords(time.Now())[0]))
	require.NoError(t, a.Close())

	_, err = Open(config.LedgerConfig{Driver: "mongo"})
	assert.Error(t, err)
}
