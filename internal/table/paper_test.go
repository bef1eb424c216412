package table

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time      { return c.t }
func (c *fakeClock) Add(d time.Duration) { c.t = c.t.Add(d) }

func secondsFor(m, growth float64) time.Duration {
	return time.Duration(math.Log(m) / growth * float64(time.Second))
}

func newTestPaper(clock *fakeClock) *Paper {
	p := NewPaper(PaperOptions{Seed: 7, Balance: 100, Edge: 0.03, BetWindow: time.Second, Growth: 0.25, Now: clock.Now})
	p.crashAt = 3.0
	return p
}

func TestCrashMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, CrashMultiplier(0, 0.03))
	assert.Equal(t, 1.94, CrashMultiplier(0.5, 0.03))
	assert.Equal(t, 2.0, CrashMultiplier(0.5, 0))
	assert.Equal(t, 9.7, CrashMultiplier(0.9, 0.03))
	assert.True(t, CrashMultiplier(1, 0.03) > 1e6)
}

func TestPaper_EnterAndCashOut(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPaper(clock)

	phase, _ := p.Phase(ctx)
	assert.Equal(t, domain.PhaseWaiting, phase)
	_, ok, _ := p.ReadValue(ctx)
	assert.False(t, ok)

	accepted, err := p.SubmitEntry(ctx, 15)
	require.NoError(t, err)
	assert.True(t, accepted)
	confirmed, _ := p.EntryConfirmed(ctx)
	assert.True(t, confirmed)
	bal, _ := p.ReadBalance(ctx)
	assert.Equal(t, 85.0, bal)

	// 同一轮不能重复下注
	accepted, _ = p.SubmitEntry(ctx, 15)
	assert.False(t, accepted)

	clock.Add(time.Second + secondsFor(2.005, 0.25))
	phase, _ = p.Phase(ctx)
	assert.Equal(t, domain.PhaseRunning, phase)
	v, ok, _ := p.ReadValue(ctx)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	// 运行中不能下注
	accepted, _ = p.SubmitEntry(ctx, 15)
	assert.False(t, accepted)

	accepted, _ = p.SubmitExit(ctx, domain.ExitMethodPrimary)
	assert.True(t, accepted)
	bal, _ = p.ReadBalance(ctx)
	assert.Equal(t, 115.0, bal)

	// 没有持仓时出场不被受理
	accepted, _ = p.SubmitExit(ctx, domain.ExitMethodPrimary)
	assert.False(t, accepted)
}

func TestPaper_CrashSettlesAndStartsNextRound(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPaper(clock)

	_, err := p.SubmitEntry(ctx, 20)
	require.NoError(t, err)
	clock.Add(time.Second + secondsFor(3.0, 0.25) + 10*time.Millisecond)

	_, ok, _ := p.ReadValue(ctx)
	assert.False(t, ok)
	confirmed, _ := p.EntryConfirmed(ctx)
	assert.False(t, confirmed, "爆点后持仓清空")
	bal, _ := p.ReadBalance(ctx)
	assert.Equal(t, 80.0, bal)

	select {
	case out := <-p.Outcomes():
		assert.Equal(t, int64(1), out.RoundID)
		assert.Equal(t, 3.0, out.CrashMultiplier)
	default:
		t.Fatalf("expected an outcome")
	}
	assert.Equal(t, int64(1), <-p.RoundStarts())
	assert.Equal(t, int64(2), <-p.RoundStarts())
}

func TestPaper_FailingExitMethod(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPaper(clock)
	p.FailExits(domain.ExitMethodPrimary)

	_, _ = p.SubmitEntry(ctx, 10)
	clock.Add(time.Second + secondsFor(1.5, 0.25))

	accepted, _ := p.SubmitExit(ctx, domain.ExitMethodPrimary)
	assert.True(t, accepted)
	bal, _ := p.ReadBalance(ctx)
	assert.Equal(t, 90.0, bal, "primary 受理但无效")

	accepted, _ = p.SubmitExit(ctx, domain.ExitMethodKeyboard)
	assert.True(t, accepted)
	bal, _ = p.ReadBalance(ctx)
	assert.Greater(t, bal, 100.0)
}
