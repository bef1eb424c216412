package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable 按脚本回放倍数的牌桌。values 中 0 表示本轮还没开始，<0 表示爆点。
type fakeTable struct {
	mu sync.Mutex

	balance    float64
	values     []float64
	idx        int
	last       float64
	crashed    bool
	entered    bool
	readErrs   int
	rejectAll  bool
	noDebit    bool // 下注受理但余额不扣减
	balanceErr bool
	ended      bool // 本轮已结束（倍数可能停在爆点不动）
	working    map[domain.ExitMethod]bool
	exits      []domain.ExitMethod
	entries    int
	stake      float64
}

func newFakeTable(values ...float64) *fakeTable {
	return &fakeTable{
		balance: 1000,
		values:  values,
		working: map[domain.ExitMethod]bool{domain.ExitMethodPrimary: true},
	}
}

func (f *fakeTable) ReadValue(ctx context.Context) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErrs > 0 {
		f.readErrs--
		return 0, false, fmt.Errorf("read timeout")
	}
	if f.crashed {
		return 0, false, nil
	}
	if f.idx < len(f.values) {
		v := f.values[f.idx]
		f.idx++
		if v < 0 {
			f.crashed = true
			return 0, false, nil
		}
		f.last = v
	}
	if f.last == 0 {
		return 0, false, nil
	}
	return f.last, true, nil
}

func (f *fakeTable) ReadBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr {
		return 0, fmt.Errorf("balance unavailable")
	}
	return f.balance, nil
}

func (f *fakeTable) Phase(ctx context.Context) (domain.Phase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entered && !f.crashed && !f.ended && f.last > 1 {
		return domain.PhaseRunning, nil
	}
	return domain.PhaseWaiting, nil
}

func (f *fakeTable) SubmitEntry(ctx context.Context, stake float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries++
	if f.rejectAll {
		return false, nil
	}
	f.entered = true
	f.stake = stake
	if !f.noDebit {
		f.balance -= stake
	}
	return true, nil
}

func (f *fakeTable) SubmitExit(ctx context.Context, method domain.ExitMethod) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, method)
	if f.working[method] && f.entered && !f.crashed {
		f.balance += f.stake * f.last
		f.entered = false
	}
	return true, nil
}

func (f *fakeTable) set(fn func(f *fakeTable)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

// confirmingTable 额外支持下注状态读回
type confirmingTable struct {
	*fakeTable
}

func (c confirmingTable) EntryConfirmed(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered, nil
}

func testConfig() config.ExecutorConfig {
	cfg := config.Default().Executor
	cfg.EntryBackoff = time.Millisecond
	cfg.ConfirmTimeout = 30 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.ExitVerifyWait = 10 * time.Millisecond
	cfg.MaxWait = 2 * time.Second
	return cfg
}

func allMethods() []domain.ExitMethod {
	return []domain.ExitMethod{
		domain.ExitMethodPrimary, domain.ExitMethodForcedDispatch,
		domain.ExitMethodDirectEvent, domain.ExitMethodKeyboard,
	}
}

func req(target float64) Request {
	return Request{SessionID: "s1", RoundID: 7, Stake: 15, Target: target, Mode: domain.ExitModeDefault}
}

func TestExecute_TargetReached(t *testing.T) {
	tbl := newFakeTable(0, 1.05, 1.3, 1.6, 1.9, 2.4)
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettledWin, rec.Status)
	assert.Equal(t, domain.ExitMethodPrimary, rec.ExitStrategy)
	assert.Equal(t, 1.9, rec.RealizedMultiplier)
	assert.Equal(t, 13.5, rec.PnL)
	assert.Equal(t, 1.9, rec.MaxObserved)
	assert.Equal(t, ReasonTargetReached, rec.Reason)
	assert.Equal(t, StateIdle, ex.State())
	assert.NotEmpty(t, rec.ID)
}

func TestExecute_Crash(t *testing.T) {
	tbl := newFakeTable(0, 1.1, 1.3, -1)
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettledLoss, rec.Status)
	assert.Equal(t, -15.0, rec.PnL)
	assert.Equal(t, ReasonCrashed, rec.Reason)
	assert.Equal(t, 1.3, rec.MaxObserved)
	assert.Empty(t, tbl.exits)
}

func TestExecute_EntryRetriesExhausted(t *testing.T) {
	tbl := newFakeTable()
	tbl.rejectAll = true
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEntryFailed), "got %v", err)
	assert.Equal(t, domain.StatusAborted, rec.Status)
	assert.False(t, rec.Counted())
	assert.Equal(t, 3, tbl.entries)
}

func TestExecute_ExitFallsBackToNextStrategy(t *testing.T) {
	tbl := newFakeTable(0, 1.2, 2.0)
	tbl.working = map[domain.ExitMethod]bool{domain.ExitMethodDirectEvent: true}
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, domain.ExitMethodDirectEvent, rec.ExitStrategy)
	assert.Equal(t, []domain.ExitMethod{
		domain.ExitMethodPrimary, domain.ExitMethodForcedDispatch, domain.ExitMethodDirectEvent,
	}, tbl.exits)
	assert.Equal(t, 15.0, rec.PnL)
}

func TestExecute_AllExitStrategiesFail(t *testing.T) {
	tbl := newFakeTable(0, 1.2, 2.0)
	tbl.working = map[domain.ExitMethod]bool{}
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExitFailed))
	assert.Equal(t, domain.StatusFailedExit, rec.Status)
	assert.True(t, rec.NeedsReconcile)
	assert.Equal(t, -15.0, rec.PnL)
	assert.Equal(t, domain.ResultLoss, rec.Result())
	assert.Len(t, tbl.exits, 4)
}

func TestExecute_FastPath(t *testing.T) {
	tbl := newFakeTable(2.5)
	// 下注确认时本轮已经在跑
	tbl.last = 2.5
	tbl.idx = 1
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, ReasonFastPath, rec.Reason)
	assert.Equal(t, 2.5, rec.RealizedMultiplier)
	assert.Equal(t, 22.5, rec.PnL)
}

func TestExecute_FastPathBelowTarget(t *testing.T) {
	tbl := newFakeTable(1.3, 1.4, 1.5, -1)
	tbl.last = 1.3
	tbl.idx = 1
	ex := New(tbl, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, ReasonFastPath, rec.Reason)
	assert.Equal(t, domain.StatusSettledWin, rec.Status)
	assert.Equal(t, 1.4, rec.RealizedMultiplier)
	assert.Equal(t, 6.0, rec.PnL)
	assert.Equal(t, []domain.ExitMethod{domain.ExitMethodPrimary}, tbl.exits)
}

func TestExecute_FrozenValueAfterRoundEnds(t *testing.T) {
	tbl := newFakeTable(0, 1.3)
	ex := New(tbl, testConfig(), allMethods(), nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.set(func(f *fakeTable) { f.ended = true })
	}()
	start := time.Now()
	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettledLoss, rec.Status)
	assert.Equal(t, ReasonCrashed, rec.Reason)
	assert.False(t, rec.NeedsReconcile)
	assert.Empty(t, tbl.exits)
	assert.Less(t, time.Since(start), testConfig().MaxWait)
}

func TestExecute_ExitVerifiedByNeutralStateWithoutBalance(t *testing.T) {
	tbl := newFakeTable(0, 1.2, 2.0)
	tbl.balanceErr = true
	tbl.working = map[domain.ExitMethod]bool{domain.ExitMethodDirectEvent: true}
	ex := New(confirmingTable{tbl}, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	// 前两种方式被受理但下注仍然有效，继续尝试下一种
	assert.Equal(t, []domain.ExitMethod{
		domain.ExitMethodPrimary, domain.ExitMethodForcedDispatch, domain.ExitMethodDirectEvent,
	}, tbl.exits)
	assert.Equal(t, domain.ExitMethodDirectEvent, rec.ExitStrategy)
	assert.Equal(t, 2.0, rec.RealizedMultiplier)
	assert.True(t, rec.NeedsReconcile, "余额未校验")
}

func TestExecute_ExitNeverNeutralFails(t *testing.T) {
	tbl := newFakeTable(0, 1.2, 2.0)
	tbl.balanceErr = true
	tbl.working = map[domain.ExitMethod]bool{}
	ex := New(confirmingTable{tbl}, testConfig(), allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	assert.True(t, errors.Is(err, domain.ErrExitFailed), "got %v", err)
	assert.Equal(t, domain.StatusFailedExit, rec.Status)
	assert.Len(t, tbl.exits, 4)
}

func TestExecute_StopDuringEntryConfirmation(t *testing.T) {
	tbl := newFakeTable(0)
	tbl.noDebit = true
	cfg := testConfig()
	cfg.ConfirmTimeout = 200 * time.Millisecond
	ex := New(tbl, cfg, allMethods(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	rec, err := ex.Execute(ctx, req(1.85))
	assert.True(t, errors.Is(err, domain.ErrEntryFailed), "got %v", err)
	assert.Equal(t, domain.StatusAborted, rec.Status)
	assert.True(t, rec.NeedsReconcile, "已受理但未确认的下注需要对账")
	assert.Equal(t, 1, tbl.entries, "停止后不再重试下注")
}

func TestExecute_StopDuringEntryConfirmedOnReadback(t *testing.T) {
	tbl := newFakeTable(0)
	tbl.noDebit = true
	cfg := testConfig()
	cfg.ConfirmTimeout = 200 * time.Millisecond
	ex := New(tbl, cfg, allMethods(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		tbl.set(func(f *fakeTable) { f.balance -= f.stake })
	}()
	rec, err := ex.Execute(ctx, req(1.85))
	require.NoError(t, err)
	assert.Equal(t, "confirmed", rec.EntryResult)
	assert.Equal(t, ReasonStopped, rec.Reason)
	assert.Equal(t, domain.StatusSettledLoss, rec.Status)
	assert.False(t, rec.NeedsReconcile)
	assert.Equal(t, 1, tbl.entries)
}

func TestExecute_MaxWaitForcesExit(t *testing.T) {
	tbl := newFakeTable(0, 1.3)
	cfg := testConfig()
	cfg.MaxWait = 50 * time.Millisecond
	ex := New(tbl, cfg, allMethods(), nil)

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxWait, rec.Reason)
	assert.Equal(t, 1.3, rec.RealizedMultiplier)
	assert.Equal(t, 4.5, rec.PnL)
}

func TestExecute_ReadFailuresEscalate(t *testing.T) {
	tbl := newFakeTable(0, 1.4)
	cfg := testConfig()
	cfg.MaxReadFailures = 3
	ex := New(tbl, cfg, allMethods(), nil)

	// 先让倍数被观察到，再开始持续读失败
	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.mu.Lock()
		tbl.readErrs = 1000
		tbl.mu.Unlock()
	}()

	rec, err := ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.Equal(t, ReasonReadFailures, rec.Reason)
	assert.Equal(t, domain.StatusSettledWin, rec.Status)
	assert.Equal(t, 1.4, rec.RealizedMultiplier)
}

func TestExecute_StopTriggersBestEffortExit(t *testing.T) {
	tbl := newFakeTable(0, 1.2)
	ex := New(tbl, testConfig(), allMethods(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	rec, err := ex.Execute(ctx, req(1.85))
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, rec.Reason)
	assert.Equal(t, domain.ExitMethodPrimary, rec.ExitStrategy)
	assert.Equal(t, 3.0, rec.PnL)
}

func TestExecute_SingleActiveExecutor(t *testing.T) {
	slot := NewSlot()
	require.NoError(t, slot.TryAcquire("round:1"))

	ex := New(newFakeTable(0, 2.0), testConfig(), allMethods(), slot)
	rec, err := ex.Execute(context.Background(), req(1.85))
	assert.True(t, errors.Is(err, domain.ErrExecutorBusy), "got %v", err)
	assert.Equal(t, domain.ExecutionRecord{}, rec)

	slot.Release("round:1")
	_, err = ex.Execute(context.Background(), req(1.85))
	require.NoError(t, err)
	assert.NoError(t, slot.TryAcquire("round:2"), "执行结束后槽位应已释放")
}

func TestReconcile(t *testing.T) {
	// 本轮已结束：可以继续
	tbl := newFakeTable()
	ex := New(tbl, testConfig(), allMethods(), nil)
	ok, err := ex.Reconcile(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, ok)

	// 仍在运行且出场失败：不能继续
	tbl = newFakeTable()
	tbl.entered, tbl.last, tbl.stake = true, 1.5, 15
	tbl.working = map[domain.ExitMethod]bool{}
	ex = New(tbl, testConfig(), allMethods(), nil)
	ok, err = ex.Reconcile(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, ok)

	// 仍在运行，补救出场成功
	tbl.working[domain.ExitMethodKeyboard] = true
	ok, err = ex.Reconcile(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcile_ValueUnreadable(t *testing.T) {
	tbl := newFakeTable()
	tbl.entered, tbl.last, tbl.stake = true, 1.5, 15
	tbl.readErrs = 1000
	tbl.working = map[domain.ExitMethod]bool{}
	ex := New(tbl, testConfig(), allMethods(), nil)

	ok, err := ex.Reconcile(context.Background(), 9)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, domain.ErrChannelUnavailable), "got %v", err)
	assert.Len(t, tbl.exits, 4, "读不到倍数时仍然尝试出场")

	tbl.set(func(f *fakeTable) { f.working[domain.ExitMethodPrimary] = true })
	ok, err = ex.Reconcile(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPnL(t *testing.T) {
	assert.Equal(t, 12.75, pnl(15, 1.85, true))
	assert.Equal(t, -15.0, pnl(15, 0, false))
	assert.Equal(t, 0.0, pnl(15, 1.0, true))
}
