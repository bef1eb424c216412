package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "execution")

// State 单轮执行状态
type State string

const (
	StateIdle         State = "IDLE"
	StateEntryPending State = "ENTRY_PENDING"
	StateMonitoring   State = "MONITORING"
	StateExitPending  State = "EXIT_PENDING"
	StateSettled      State = "SETTLED"
	StateAborted      State = "ABORTED"
)

// 结束原因
const (
	ReasonTargetReached = "target_reached"
	ReasonFastPath      = "fast_path"
	ReasonCrashed       = "crashed"
	ReasonMaxWait       = "max_wait"
	ReasonReadFailures  = "channel_unavailable"
	ReasonStopped       = "stopped"
	ReasonEntryFailed   = "entry_failed"
	ReasonExitFailed    = "exit_failed"
)

// Request 一轮下注请求（由编排器在所有闸门通过后构造）
type Request struct {
	SessionID string
	RoundID   int64
	Stake     float64
	Target    float64
	Mode      domain.ExitMode
}

// Executor 单轮执行状态机：下注 -> 监控 -> 出场 -> 结算。
//
// 同一进程内共享一个 Slot，保证任意时刻只有一轮处于非终态。
type Executor struct {
	table      ports.Table
	cfg        config.ExecutorConfig
	strategies []ExitStrategy
	slot       *Slot
	now        func() time.Time

	state atomic.Value // State
}

// New 创建执行器；slot 为 nil 时自动创建。
func New(table ports.Table, cfg config.ExecutorConfig, methods []domain.ExitMethod, slot *Slot) *Executor {
	if slot == nil {
		slot = NewSlot()
	}
	e := &Executor{
		table:      table,
		cfg:        cfg,
		strategies: StrategiesFor(table, methods),
		slot:       slot,
		now:        time.Now,
	}
	e.state.Store(StateIdle)
	return e
}

// SetConfig 热更新（只能在两轮之间调用）
func (e *Executor) SetConfig(cfg config.ExecutorConfig, methods []domain.ExitMethod) {
	e.cfg = cfg
	if len(methods) > 0 {
		e.strategies = StrategiesFor(e.table, methods)
	}
}

// State 当前状态
func (e *Executor) State() State {
	return e.state.Load().(State)
}

func (e *Executor) setState(s State, roundID int64) {
	prev := e.State()
	e.state.Store(s)
	if prev != s {
		log.WithField("round_id", roundID).Debugf("[Executor] %s -> %s", prev, s)
	}
}

// round 单轮内部状态
type round struct {
	req          Request
	rec          domain.ExecutionRecord
	balanceAfter float64 // 下注确认后的余额；<0 表示未知
	last         float64 // 最近一次读到的倍数
	running      bool    // 本轮已经观察到倍数上升
	unconfirmed  bool    // 下注已受理但确认被停止打断，仓位状态未知
}

// Execute 执行一轮，返回审计记录。
//
// 错误约定：
//   - ErrExecutorBusy：已有一轮在执行，本次没有任何动作，记录为空
//   - ErrEntryFailed：下注重试耗尽，记录状态为 aborted
//   - ErrExitFailed：出场方式全部失败，记录状态为 failed_exit（需要对账）
func (e *Executor) Execute(ctx context.Context, req Request) (domain.ExecutionRecord, error) {
	key := fmt.Sprintf("round:%d", req.RoundID)
	if err := e.slot.TryAcquire(key); err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer e.slot.Release(key)
	defer e.setState(StateIdle, req.RoundID)

	r := &round{
		req:          req,
		balanceAfter: -1,
		rec: domain.ExecutionRecord{
			ID:               uuid.NewString(),
			SessionID:        req.SessionID,
			RoundID:          req.RoundID,
			Stake:            req.Stake,
			TargetMultiplier: req.Target,
			ExitMode:         req.Mode,
			StartedAt:        e.now(),
		},
	}
	l := log.WithField("round_id", req.RoundID)

	e.setState(StateEntryPending, req.RoundID)
	if err := e.enter(ctx, r); err != nil {
		e.setState(StateAborted, req.RoundID)
		r.rec.EntryResult = "failed"
		r.rec.Status = domain.StatusAborted
		r.rec.Reason = ReasonEntryFailed
		r.rec.NeedsReconcile = r.unconfirmed
		r.rec.FinishedAt = e.now()
		l.Warnf("⚠️ [Executor] 下注失败，本轮放弃: needs_reconcile=%v err=%v", r.unconfirmed, err)
		return r.rec, err
	}
	r.rec.EntryResult = "confirmed"
	l.Infof("🎯 [Executor] 下注已确认: stake=%.2f target=%.2fx mode=%s", req.Stake, req.Target, req.Mode)

	// 快速通道：确认时本轮已在运行，直接按当前倍数出场
	if v, ok := e.fastPath(ctx, r); ok {
		return e.finishWithExit(ctx, r, v, ReasonFastPath)
	}

	e.setState(StateMonitoring, req.RoundID)
	return e.monitor(ctx, r)
}

// enter 提交下注并确认，失败按 backoff 重试。
func (e *Executor) enter(ctx context.Context, r *round) error {
	attempts := e.cfg.EntryRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		before, berr := e.table.ReadBalance(ctx)
		if berr != nil {
			before = -1
		}
		accepted, err := e.table.SubmitEntry(ctx, r.req.Stake)
		switch {
		case err != nil:
			lastErr = err
		case !accepted:
			lastErr = fmt.Errorf("entry not accepted")
		default:
			after, confirmed := e.confirmEntry(ctx, before, r.req.Stake)
			if !confirmed && ctx.Err() != nil {
				// 已受理但确认被停止打断：脱离已取消的 ctx 再读一次
				fresh, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout)
				after, confirmed = e.confirmEntry(fresh, before, r.req.Stake)
				cancel()
				if !confirmed {
					r.unconfirmed = true
					return errors.Wrapf(domain.ErrEntryFailed, "round_id=%d: 确认被中断且无法读回: %v", r.req.RoundID, ctx.Err())
				}
			}
			if confirmed {
				r.balanceAfter = after
				return nil
			}
			lastErr = fmt.Errorf("entry not confirmed within %s", e.cfg.ConfirmTimeout)
		}
		log.WithField("round_id", r.req.RoundID).Warnf("[Executor] 下注尝试 %d/%d 失败: %v", i, attempts, lastErr)
		if i < attempts {
			if err := sleepCtx(ctx, e.cfg.EntryBackoff); err != nil {
				return errors.Wrapf(domain.ErrEntryFailed, "round_id=%d: %v", r.req.RoundID, err)
			}
		}
	}
	return errors.Wrapf(domain.ErrEntryFailed, "round_id=%d attempts=%d: %v", r.req.RoundID, attempts, lastErr)
}

// confirmEntry 读回确认：优先用适配器的 EntryConfirmer，其次看余额是否扣减了约 stake。
// 返回确认后的余额（未知为 -1）。
func (e *Executor) confirmEntry(ctx context.Context, before, stake float64) (float64, bool) {
	confirmer, hasConfirmer := e.table.(ports.EntryConfirmer)
	if !hasConfirmer && before < 0 {
		// 既没有确认能力也读不到余额，只能相信适配器的受理结果
		return -1, true
	}

	deadline := e.now().Add(e.cfg.ConfirmTimeout)
	for {
		if hasConfirmer {
			if ok, err := confirmer.EntryConfirmed(ctx); err == nil && ok {
				bal, berr := e.table.ReadBalance(ctx)
				if berr != nil {
					bal = -1
				}
				return bal, true
			}
		} else if bal, err := e.table.ReadBalance(ctx); err == nil && before-bal >= stake-e.cfg.BalanceTolerance {
			return bal, true
		}
		if !e.now().Before(deadline) {
			return -1, false
		}
		if sleepCtx(ctx, e.cfg.PollInterval) != nil {
			return -1, false
		}
	}
}

func (e *Executor) fastPath(ctx context.Context, r *round) (float64, bool) {
	phase, err := e.table.Phase(ctx)
	if err != nil || phase != domain.PhaseRunning {
		return 0, false
	}
	v, ok, err := e.table.ReadValue(ctx)
	if err != nil || !ok || v <= domain.BaselineMultiplier {
		return 0, false
	}
	r.observe(v)
	return v, true
}

func (r *round) observe(v float64) {
	r.running = true
	r.last = v
	if v > r.rec.MaxObserved {
		r.rec.MaxObserved = v
	}
}

// monitor 轮询倍数直到达到目标、爆点、超时或被停止。
func (e *Executor) monitor(ctx context.Context, r *round) (domain.ExecutionRecord, error) {
	l := log.WithField("round_id", r.req.RoundID)
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()
	deadline := time.NewTimer(e.cfg.MaxWait)
	defer deadline.Stop()

	readFailures := 0
	for {
		select {
		case <-ctx.Done():
			l.Warnf("[Executor] 收到停止请求，尝试出场: last=%.2fx", r.last)
			return e.finishWithExit(context.Background(), r, r.last, ReasonStopped)
		case <-deadline.C:
			l.Warnf("[Executor] 等待超过 %s，强制出场: last=%.2fx", e.cfg.MaxWait, r.last)
			return e.finishWithExit(ctx, r, r.last, ReasonMaxWait)
		case <-ticker.C:
		}

		v, ok, err := e.table.ReadValue(ctx)
		if err != nil {
			readFailures++
			if e.cfg.MaxReadFailures > 0 && readFailures > e.cfg.MaxReadFailures {
				l.Errorf("[Executor] 连续读取失败 %d 次: %v", readFailures,
					errors.Wrapf(domain.ErrChannelUnavailable, "%v", err))
				return e.finishWithExit(ctx, r, r.last, ReasonReadFailures)
			}
			continue
		}
		readFailures = 0

		if !ok || v <= domain.BaselineMultiplier {
			if r.running {
				return e.settleLoss(r, ReasonCrashed), nil
			}
			continue
		}

		if r.running && v <= r.last {
			// 倍数没有上升：可能停在爆点，确认本轮是否已经结束
			if phase, err := e.table.Phase(ctx); err == nil && phase == domain.PhaseWaiting {
				return e.settleLoss(r, ReasonCrashed), nil
			}
		}

		r.observe(v)
		if v >= r.req.Target {
			return e.finishWithExit(ctx, r, v, ReasonTargetReached)
		}
	}
}

func (e *Executor) pollInterval() time.Duration {
	if e.cfg.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return e.cfg.PollInterval
}

// finishWithExit 按顺序尝试出场方式，成功则按实际倍数结算为赢，全部失败记为 failed_exit。
func (e *Executor) finishWithExit(ctx context.Context, r *round, observed float64, reason string) (domain.ExecutionRecord, error) {
	l := log.WithField("round_id", r.req.RoundID)
	e.setState(StateExitPending, r.req.RoundID)

	// 还没看到倍数上升就被要求出场：没有可以出场的仓位（一般是已爆点）
	if !r.running {
		if reason == ReasonStopped || reason == ReasonMaxWait {
			l.Warnf("[Executor] 出场时未观察到本轮运行，按亏损结算: reason=%s", reason)
		}
		return e.settleLoss(r, reason), nil
	}

	res := e.runExitChain(ctx, r.req.RoundID, r.req.Stake, r.balanceAfter, observed)
	if !res.OK {
		e.setState(StateSettled, r.req.RoundID)
		r.rec.ExitResult = "failed"
		r.rec.Status = domain.StatusFailedExit
		r.rec.Reason = ReasonExitFailed
		r.rec.NeedsReconcile = true
		r.rec.RealizedMultiplier = 0
		r.rec.PnL = pnl(r.req.Stake, 0, false)
		r.rec.FinishedAt = e.now()
		err := errors.Wrapf(domain.ErrExitFailed, "round_id=%d tried=%v", r.req.RoundID, e.Methods())
		l.Errorf("❌ [Executor] 所有出场方式均失败，需要对账: %v", err)
		return r.rec, err
	}

	e.setState(StateSettled, r.req.RoundID)
	r.rec.ExitResult = "exited"
	r.rec.ExitStrategy = res.Method
	r.rec.RealizedMultiplier = res.Realized
	r.rec.NeedsReconcile = res.Unverified
	r.rec.Reason = reason
	r.rec.PnL = pnl(r.req.Stake, res.Realized, true)
	if r.rec.PnL >= 0 {
		r.rec.Status = domain.StatusSettledWin
	} else {
		r.rec.Status = domain.StatusSettledLoss
	}
	r.rec.FinishedAt = e.now()
	l.Infof("✅ [Executor] 出场成功: method=%s realized=%.2fx max=%.2fx pnl=%.2f reason=%s",
		res.Method, res.Realized, r.rec.MaxObserved, r.rec.PnL, reason)
	return r.rec, nil
}

func (e *Executor) settleLoss(r *round, reason string) domain.ExecutionRecord {
	e.setState(StateSettled, r.req.RoundID)
	r.rec.ExitResult = "crashed"
	r.rec.Status = domain.StatusSettledLoss
	r.rec.Reason = reason
	r.rec.PnL = pnl(r.req.Stake, 0, false)
	r.rec.FinishedAt = e.now()
	log.WithField("round_id", r.req.RoundID).Infof("💥 [Executor] 本轮亏损: stake=%.2f max=%.2fx reason=%s",
		r.req.Stake, r.rec.MaxObserved, reason)
	return r.rec
}

// ExitResult 出场尝试结果（记录是哪一种方式成功）
type ExitResult struct {
	OK         bool
	Method     domain.ExitMethod
	Realized   float64
	Unverified bool // 读不到余额，无法校验
}

// Methods 当前出场链顺序
func (e *Executor) Methods() []domain.ExitMethod {
	out := make([]domain.ExitMethod, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, s.Method())
	}
	return out
}

// runExitChain 依次尝试出场方式。
// 校验分两部分：下注状态回到空闲（适配器支持时），以及余额高于 baseline。
// 余额读不到时只看空闲状态；两者都无法读取时按受理结果记为未校验。
func (e *Executor) runExitChain(ctx context.Context, roundID int64, stake, baseline, observed float64) ExitResult {
	l := log.WithField("round_id", roundID)
	_, canCheckNeutral := e.table.(ports.EntryConfirmer)
	for _, s := range e.strategies {
		m := s.Method()
		accepted, err := s.Attempt(ctx)
		if err != nil || !accepted {
			l.Warnf("[Executor] 出场方式 %s 未被受理: accepted=%v err=%v", m, accepted, err)
			continue
		}
		if baseline < 0 && !canCheckNeutral {
			return ExitResult{OK: true, Method: m, Realized: roundMultiplier(observed), Unverified: true}
		}
		if gained, ok := e.verifyExit(ctx, baseline); ok {
			realized := observed
			if stake > 0 && gained > 0 {
				realized = gained / stake
			}
			return ExitResult{OK: true, Method: m, Realized: roundMultiplier(realized), Unverified: baseline < 0}
		}
		l.Warnf("[Executor] 出场方式 %s 未能在 %s 内确认", m, e.cfg.ExitVerifyWait)
	}
	return ExitResult{}
}

// verifyExit 等待出场生效，返回余额增加的金额（baseline 未知时为 0）。
func (e *Executor) verifyExit(ctx context.Context, baseline float64) (float64, bool) {
	deadline := e.now().Add(e.cfg.ExitVerifyWait)
	for {
		if e.neutral(ctx) {
			if baseline < 0 {
				return 0, true
			}
			if bal, err := e.table.ReadBalance(ctx); err == nil && bal-baseline > e.cfg.BalanceTolerance {
				return bal - baseline, true
			}
		}
		if !e.now().Before(deadline) {
			return 0, false
		}
		if sleepCtx(ctx, e.pollInterval()) != nil {
			return 0, false
		}
	}
}

// neutral 下注状态是否已回到空闲。适配器不支持读回时视为满足，由余额校验决定。
func (e *Executor) neutral(ctx context.Context) bool {
	confirmer, ok := e.table.(ports.EntryConfirmer)
	if !ok {
		return true
	}
	active, err := confirmer.EntryConfirmed(ctx)
	return err == nil && !active
}

// Reconcile 处理上一轮 failed_exit 可能遗留的仓位。
// 返回 true 表示可以继续下注（本轮已结束，或补救出场成功）。
func (e *Executor) Reconcile(ctx context.Context, roundID int64) (bool, error) {
	key := fmt.Sprintf("reconcile:%d", roundID)
	if err := e.slot.TryAcquire(key); err != nil {
		return false, err
	}
	defer e.slot.Release(key)

	l := log.WithField("round_id", roundID)
	phase, err := e.table.Phase(ctx)
	if err != nil {
		return false, errors.Wrapf(domain.ErrChannelUnavailable, "reconcile phase: %v", err)
	}
	if phase != domain.PhaseRunning {
		return true, nil
	}
	v, ok, readErr := e.table.ReadValue(ctx)
	if readErr == nil && !ok {
		return true, nil
	}
	// 读不到倍数时仓位可能仍然有效，照样尝试出场
	baseline, err := e.table.ReadBalance(ctx)
	if err != nil {
		baseline = -1
	}
	res := e.runExitChain(ctx, roundID, 0, baseline, v)
	if res.OK {
		l.Infof("🔧 [Executor] 遗留仓位已出场: method=%s at=%.2fx", res.Method, v)
		return true, nil
	}
	if readErr != nil {
		return false, errors.Wrapf(domain.ErrChannelUnavailable, "reconcile value: %v", readErr)
	}
	l.Warnf("[Executor] 遗留仓位仍未出场，本轮仍在运行")
	return false, nil
}

// pnl 赢: stake × (realized − 1)；输: −stake
func pnl(stake, realized float64, exited bool) float64 {
	s := decimal.NewFromFloat(stake)
	if !exited {
		return s.Neg().Round(2).InexactFloat64()
	}
	return s.Mul(decimal.NewFromFloat(realized).Sub(decimal.NewFromInt(1))).Round(2).InexactFloat64()
}

func roundMultiplier(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
