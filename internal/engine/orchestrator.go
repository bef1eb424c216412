package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/execution"
	"github.com/betbot/crashbet/internal/gates"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/betbot/crashbet/internal/regime"
	"github.com/betbot/crashbet/internal/risk"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "engine")

// 跳过原因（除 gates 的拒绝原因外）
const (
	SkipDanglingPosition = "dangling_position"
	SkipExecutorBusy     = "executor_busy"
)

// Action 一次信号处理的结果类型
type Action string

const (
	ActionSkipped  Action = "skipped"
	ActionExecuted Action = "executed"
	ActionHalted   Action = "halted"
)

// recentLimit 快照中保留的最近记录条数
const recentLimit = 50

// Result OnSignal 的返回
type Result struct {
	RoundID int64                   `json:"round_id"`
	Action  Action                  `json:"action"`
	Reason  string                  `json:"reason,omitempty"`
	Regime  domain.Regime           `json:"regime"`
	Stake   float64                 `json:"stake,omitempty"`
	Target  float64                 `json:"target,omitempty"`
	Mode    domain.ExitMode         `json:"mode,omitempty"`
	Record  *domain.ExecutionRecord `json:"record,omitempty"`
	Halted  bool                    `json:"halted"`
}

// Observer 决策过程的旁路观察者（指标、看板）。实现不得阻塞。
type Observer interface {
	RoundSkipped(roundID int64, reason string)
	RoundExecuted(rec domain.ExecutionRecord)
	RegimeChanged(r domain.Regime)
	SessionUpdated(s domain.SessionState, stake domain.StakeState)
	SessionHalted(reason string)
}

type nopObserver struct{}

func (nopObserver) RoundSkipped(int64, string)                            {}
func (nopObserver) RoundExecuted(domain.ExecutionRecord)                  {}
func (nopObserver) RegimeChanged(domain.Regime)                           {}
func (nopObserver) SessionUpdated(domain.SessionState, domain.StakeState) {}
func (nopObserver) SessionHalted(string)                                  {}

// Observers 把事件依次转发给多个观察者
type Observers []Observer

func (obs Observers) RoundSkipped(roundID int64, reason string) {
	for _, o := range obs {
		o.RoundSkipped(roundID, reason)
	}
}

func (obs Observers) RoundExecuted(rec domain.ExecutionRecord) {
	for _, o := range obs {
		o.RoundExecuted(rec)
	}
}

func (obs Observers) RegimeChanged(r domain.Regime) {
	for _, o := range obs {
		o.RegimeChanged(r)
	}
}

func (obs Observers) SessionUpdated(s domain.SessionState, stake domain.StakeState) {
	for _, o := range obs {
		o.SessionUpdated(s, stake)
	}
}

func (obs Observers) SessionHalted(reason string) {
	for _, o := range obs {
		o.SessionHalted(reason)
	}
}

// Deps 编排器依赖
type Deps struct {
	Table    ports.Table
	Ledger   ports.Ledger // 可为 nil；调用方应传入 ledger.Async 包装
	Observer Observer     // 可为 nil
	Slot     *execution.Slot
	Now      func() time.Time
}

// Orchestrator 把信号串行地送过 冷却 -> 入场过滤 -> 下注/目标 -> 执行 -> 结算。
//
// 约定：
//   - OnSignal 串行执行；一轮的完整生命周期结束前不会处理下一条信号
//   - 会话状态只在两轮之间修改
//   - 配置快照只在 OnSignal 开始时读取
type Orchestrator struct {
	mu sync.Mutex // 串行化 OnSignal

	cfg     atomic.Pointer[config.Config]
	applied *config.Config

	sess     *SessionContext
	executor *execution.Executor
	ledger   ports.Ledger
	observer Observer
	now      func() time.Time

	pendingMu sync.Mutex
	pending   []domain.RoundOutcome
	lastFed   int64

	highest    int64
	lastRegime domain.Regime
	lastSkip   string
	dangling   *domain.ExecutionRecord
	recent     []domain.ExecutionRecord

	stopMu      sync.Mutex
	roundCancel context.CancelFunc
	stopReason  string
	haltOnce    sync.Once
	haltedC     chan struct{}

	snap atomic.Pointer[Snapshot]
}

// New 创建编排器并开始一个新会话
func New(cfg *config.Config, deps Deps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	o := &Orchestrator{
		applied:    cfg,
		sess:       NewSessionContext(cfg, now()),
		executor:   execution.New(deps.Table, cfg.Executor, cfg.ExitMethods(), deps.Slot),
		ledger:     deps.Ledger,
		observer:   observer,
		now:        now,
		lastRegime: domain.RegimeNormal,
		haltedC:    make(chan struct{}),
	}
	o.sess.Classifier.WithClock(now)
	o.cfg.Store(cfg)
	o.publish()
	log.Infof("🚀 会话开始: id=%s base_stake=%.2f target=%.2fx", o.sess.Governor.Snapshot().ID, cfg.Stake.BaseStake, cfg.Exit.DefaultTarget)
	return o
}

// SetConfig 保存新的配置快照，下一条信号开始时生效
func (o *Orchestrator) SetConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.Wrap(domain.ErrConfigInvalid, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("拒绝配置热更新，保留当前配置: %v", err)
		return err
	}
	o.cfg.Store(cfg)
	return nil
}

// RecordOutcome 记录一轮已结算的爆点，在下一条信号开始时应用。
func (o *Orchestrator) RecordOutcome(out domain.RoundOutcome) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if out.RoundID <= o.lastFed {
		return
	}
	o.lastFed = out.RoundID
	o.pending = append(o.pending, out)
}

// Halted 会话停止后关闭
func (o *Orchestrator) Halted() <-chan struct{} {
	return o.haltedC
}

// Stop 人工停止。若有一轮正在执行，先取消它（执行器会尽力出场），结算后再停止会话。
func (o *Orchestrator) Stop(reason string) {
	if reason == "" {
		reason = risk.HaltOperator
	}
	o.stopMu.Lock()
	if o.stopReason == "" {
		o.stopReason = reason
	}
	cancel := o.roundCancel
	if cancel == nil {
		o.sess.Governor.Halt(o.stopReason)
	}
	o.stopMu.Unlock()

	if cancel != nil {
		log.Warnf("收到停止请求，取消进行中的一轮: reason=%s", reason)
		cancel()
		return
	}
	o.markHalted(reason)

	// 只刷新会话部分，其余字段归 OnSignal 所有
	s := *o.snap.Load()
	s.Session = o.sess.Governor.Snapshot()
	s.UpdatedAt = o.now()
	o.snap.Store(&s)
}

func (o *Orchestrator) markHalted(reason string) {
	o.haltOnce.Do(func() {
		o.observer.SessionHalted(reason)
		close(o.haltedC)
	})
}

// Run 串行消费信号直到 ctx 结束、信号源关闭或会话停止。
func (o *Orchestrator) Run(ctx context.Context, signals <-chan domain.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.haltedC:
			return nil
		case sig, ok := <-signals:
			if !ok {
				log.Infof("信号源已关闭")
				return nil
			}
			res, err := o.OnSignal(ctx, sig)
			if err != nil {
				if errors.Is(err, domain.ErrSessionHalted) {
					return nil
				}
				log.WithField("round_id", sig.RoundID).Warnf("信号处理失败: %v", err)
			}
			if res.Halted {
				return nil
			}
		}
	}
}

// OnSignal 处理一条信号：
//  1. 应用上一轮的结算结果
//  2. 刷新 regime
//  3. 冷却计数
//  4. 入场过滤
//  5. 计算下注额和出场目标
//  6. 执行
//  7. 结算并检查是否停止会话
func (o *Orchestrator) OnSignal(ctx context.Context, sig domain.Signal) (Result, error) {
	res := Result{RoundID: sig.RoundID}
	l := log.WithField("round_id", sig.RoundID)

	if err := sig.Validate(); err != nil {
		l.Warnf("丢弃无效信号: %v", err)
		return res, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.publish()

	if sig.RoundID <= o.highest {
		err := errors.Wrapf(domain.ErrStaleSignal, "round_id=%d highest=%d", sig.RoundID, o.highest)
		l.Debugf("丢弃过期/重复信号: %v", err)
		return res, err
	}
	o.highest = sig.RoundID

	if o.sess.Governor.Halted() {
		res.Action, res.Reason, res.Halted = ActionHalted, o.sess.Governor.Snapshot().HaltReason, true
		return res, errors.Wrapf(domain.ErrSessionHalted, "round_id=%d", sig.RoundID)
	}

	now := o.now()
	o.applyConfig(now)

	// 1. 上一轮（或若干轮）的结算结果
	o.feedOutcomes(ctx)
	if halted, reason := o.sess.Governor.ShouldHalt(now); halted {
		return o.halt(res, reason), nil
	}

	// 2. regime
	reg, _ := o.sess.Classifier.Current(o.sess.Window)
	res.Regime = reg
	if reg != o.lastRegime {
		o.lastRegime = reg
		o.observer.RegimeChanged(reg)
	}

	// 3. 冷却
	if o.sess.Cooldown.Tick() {
		return o.skip(res, gates.ReasonCooldownActive), nil
	}

	// 4. 入场过滤
	stake := o.sess.Sizer.State()
	decision := o.sess.Filter.Evaluate(o.sess.Window, o.sess.Cooldown.State(), reg, stake.CompoundLevel)
	if !decision.Approved {
		if decision.Reason == gates.ReasonCompoundLevelCap {
			// 复利到顶且不能入场时回到基础下注，否则会一直卡住
			o.sess.Sizer.Reset(gates.ReasonCompoundLevelCap)
		}
		return o.skip(res, decision.Reason), nil
	}

	if o.dangling != nil {
		ok, err := o.executor.Reconcile(ctx, o.dangling.RoundID)
		if err != nil || !ok {
			if err != nil {
				l.Warnf("遗留仓位检查失败: %v", err)
			}
			return o.skip(res, SkipDanglingPosition), nil
		}
		o.dangling = nil
	}

	// 5. 下注额与出场目标
	plan := o.sess.Selector.Select(reg, o.sess.Governor.Snapshot(), stake.CompoundLevel, now)
	res.Stake, res.Target, res.Mode = stake.CurrentStake, plan.Target, plan.Mode

	// 6. 执行（Stop 可能在上面的步骤中到达）
	if halted, reason := o.sess.Governor.ShouldHalt(now); halted {
		return o.halt(res, reason), nil
	}
	roundCtx, cancel := context.WithCancel(ctx)
	o.stopMu.Lock()
	o.roundCancel = cancel
	o.stopMu.Unlock()

	rec, execErr := o.executor.Execute(roundCtx, execution.Request{
		SessionID: o.sess.Governor.Snapshot().ID,
		RoundID:   sig.RoundID,
		Stake:     stake.CurrentStake,
		Target:    plan.Target,
		Mode:      plan.Mode,
	})
	cancel()

	if errors.Is(execErr, domain.ErrExecutorBusy) {
		o.clearRoundCancel()
		l.Errorf("执行器被占用: %v", execErr)
		return o.skip(res, SkipExecutorBusy), execErr
	}

	// 7. 结算
	o.settle(rec)
	res.Action = ActionExecuted
	res.Record = &rec

	o.clearRoundCancel()
	o.stopMu.Lock()
	stopReason := o.stopReason
	o.stopMu.Unlock()
	if stopReason != "" {
		o.sess.Governor.Halt(stopReason)
	}
	if halted, reason := o.sess.Governor.ShouldHalt(o.now()); halted {
		return o.halt(res, reason), execErr
	}
	return res, execErr
}

func (o *Orchestrator) clearRoundCancel() {
	o.stopMu.Lock()
	o.roundCancel = nil
	o.stopMu.Unlock()
}

func (o *Orchestrator) applyConfig(now time.Time) {
	cfg := o.cfg.Load()
	if cfg == o.applied {
		return
	}
	o.sess.Apply(cfg, now)
	o.executor.SetConfig(cfg.Executor, cfg.ExitMethods())
	o.applied = cfg
	log.Infof("⚙️ 已应用新的配置快照")
}

// feedOutcomes 把缓冲的结算结果送入窗口、复利、冷却和会话管理
func (o *Orchestrator) feedOutcomes(ctx context.Context) {
	o.pendingMu.Lock()
	outcomes := o.pending
	o.pending = nil
	o.pendingMu.Unlock()

	for _, out := range outcomes {
		o.sess.Window.Append(out)
		o.sess.Governor.ObserveRound(out)
		o.sess.Sizer.ObserveCrash(out.CrashMultiplier)
		o.sess.Cooldown.Evaluate(gates.SettlementFacts{CrashMultiplier: out.CrashMultiplier})
		o.sess.Classifier.Invalidate()
		if o.ledger != nil {
			if err := o.ledger.AppendOutcome(ctx, out); err != nil {
				log.WithField("round_id", out.RoundID).Warnf("写入 outcome 失败: %v", err)
			}
		}
	}
}

func (o *Orchestrator) settle(rec domain.ExecutionRecord) {
	l := log.WithField("round_id", rec.RoundID)
	if o.ledger != nil {
		if err := o.ledger.AppendRecord(context.Background(), rec); err != nil {
			l.Warnf("写入执行记录失败: %v", err)
		}
	}
	o.recent = append(o.recent, rec)
	if len(o.recent) > recentLimit {
		o.recent = append(o.recent[:0], o.recent[len(o.recent)-recentLimit:]...)
	}
	o.observer.RoundExecuted(rec)

	if rec.Status == domain.StatusFailedExit || rec.NeedsReconcile {
		r := rec
		o.dangling = &r
	}
	if !rec.Counted() {
		l.Infof("本轮中止，不计入统计: reason=%s", rec.Reason)
		return
	}

	if err := o.sess.Governor.RecordOutcome(rec); err != nil {
		l.Warnf("会话已停止，结果未计入: %v", err)
		return
	}
	o.sess.Sizer.Settle(rec.Result(), 0)
	o.sess.Cooldown.Evaluate(gates.SettlementFacts{
		ConsecutiveLosses: o.sess.Governor.ConsecutiveLosses(),
		Stake:             rec.Stake,
		ReachedMaxLevel:   o.sess.Sizer.AtMaxLevel(),
	})

	s := o.sess.Governor.Snapshot()
	o.observer.SessionUpdated(s, o.sess.Sizer.State())
	l.Infof("📊 结算: status=%s pnl=%.2f 会话 profit=%.2f loss=%.2f rounds=%d stake=%.2f",
		rec.Status, rec.PnL, s.CumulativeProfit, s.CumulativeLoss, s.RoundsPlayed, o.sess.Sizer.State().CurrentStake)
}

func (o *Orchestrator) skip(res Result, reason string) Result {
	res.Action = ActionSkipped
	res.Reason = reason
	o.lastSkip = reason
	o.observer.RoundSkipped(res.RoundID, reason)
	log.WithField("round_id", res.RoundID).Infof("⏭️ 跳过本轮: reason=%s", reason)
	return res
}

func (o *Orchestrator) halt(res Result, reason string) Result {
	if res.Action == "" {
		res.Action = ActionHalted
	}
	res.Halted = true
	if res.Reason == "" {
		res.Reason = reason
	}
	o.markHalted(reason)
	return res
}

// Snapshot 只读视图（看板、控制面使用），不会阻塞正在进行的一轮。
type Snapshot struct {
	Session       domain.SessionState      `json:"session"`
	Stake         domain.StakeState        `json:"stake"`
	Cooldown      domain.CooldownState     `json:"cooldown"`
	Regime        domain.Regime            `json:"regime"`
	RegimeStats   regime.Stats             `json:"regime_stats"`
	ExecutorState execution.State          `json:"executor_state"`
	HighestRound  int64                    `json:"highest_round"`
	LastSkip      string                   `json:"last_skip,omitempty"`
	Dangling      bool                     `json:"dangling"`
	Recent        []domain.ExecutionRecord `json:"recent"`
	Outcomes      []domain.RoundOutcome    `json:"outcomes"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// publish 在轮次边界刷新快照（调用方持有 mu 或处于初始化阶段）
func (o *Orchestrator) publish() {
	s := &Snapshot{
		Session:      o.sess.Governor.Snapshot(),
		Stake:        o.sess.Sizer.State(),
		Cooldown:     o.sess.Cooldown.State(),
		Regime:       o.lastRegime,
		RegimeStats:  o.sess.Classifier.LastStats(),
		HighestRound: o.highest,
		LastSkip:     o.lastSkip,
		Dangling:     o.dangling != nil,
		Recent:       append([]domain.ExecutionRecord(nil), o.recent...),
		Outcomes:     o.sess.Window.LastN(20),
		UpdatedAt:    o.now(),
	}
	o.snap.Store(s)
}

// Snapshot 返回最近一次发布的快照，执行器状态实时读取
func (o *Orchestrator) Snapshot() Snapshot {
	s := *o.snap.Load()
	s.ExecutorState = o.executor.State()
	return s
}
