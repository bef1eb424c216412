package gates

import (
	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
)

// 冷却触发原因
const (
	TriggerHighMultiplier    = "high_multiplier"
	TriggerConsecutiveLosses = "consecutive_losses"
	TriggerMaxCompound       = "max_compound"
	TriggerOperator          = "operator"
)

// Cooldown 跳过若干轮的冷却器。
// 只由编排器在两轮之间调用，不需要加锁。
type Cooldown struct {
	cfg   config.CooldownConfig
	state domain.CooldownState
}

func NewCooldown(cfg config.CooldownConfig) *Cooldown {
	return &Cooldown{cfg: cfg}
}

// SetConfig 热更新（轮次边界调用）
func (c *Cooldown) SetConfig(cfg config.CooldownConfig) {
	c.cfg = cfg
}

// State 当前冷却状态（副本）
func (c *Cooldown) State() domain.CooldownState {
	return c.state
}

// IsActive 冷却中（此时本轮不创建执行器）
func (c *Cooldown) IsActive() bool {
	return c.state.ActiveSkipCount > 0
}

// Tick 每轮调用一次，无论是否入场；计数不会小于 0。
// 返回调用前是否处于冷却中。
func (c *Cooldown) Tick() (wasActive bool) {
	if c.state.ActiveSkipCount <= 0 {
		c.state.ActiveSkipCount = 0
		return false
	}
	c.state.ActiveSkipCount--
	if c.state.ActiveSkipCount == 0 {
		log.Infof("冷却结束: reason=%s", c.state.TriggerReason)
		c.state.TriggerReason = ""
	}
	return true
}

// Trigger 设置冷却；已有更长的冷却时保留更长者
func (c *Cooldown) Trigger(reason string, skips int) {
	if skips <= 0 {
		return
	}
	if skips >= c.state.ActiveSkipCount {
		c.state.ActiveSkipCount = skips
		c.state.TriggerReason = reason
	}
	log.Infof("触发冷却: reason=%s skips=%d (当前剩余 %d)", reason, skips, c.state.ActiveSkipCount)
}

// SettlementFacts 结算后评估冷却规则所需的事实
type SettlementFacts struct {
	CrashMultiplier   float64 // 本轮爆点（未知时为 0）
	ConsecutiveLosses int     // 含本轮在内的连续亏损次数
	Stake             float64 // 本轮下注额
	ReachedMaxLevel   bool    // 本轮结算后复利级数到达上限
}

// Evaluate 结算后按规则触发冷却，返回触发的原因（未触发时为空）
func (c *Cooldown) Evaluate(f SettlementFacts) string {
	switch {
	case c.cfg.HighMultiplier > 0 && f.CrashMultiplier >= c.cfg.HighMultiplier:
		c.Trigger(TriggerHighMultiplier, c.cfg.HighMultiplierSkips)
		return TriggerHighMultiplier
	case c.cfg.ConsecutiveLosses > 0 && f.ConsecutiveLosses >= c.cfg.ConsecutiveLosses && f.Stake >= c.cfg.LossStakeFloor:
		c.Trigger(TriggerConsecutiveLosses, c.cfg.LossSkips)
		return TriggerConsecutiveLosses
	case f.ReachedMaxLevel:
		c.Trigger(TriggerMaxCompound, c.cfg.MaxCompoundSkips)
		return TriggerMaxCompound
	}
	return ""
}

// Reset 清空冷却（新会话）
func (c *Cooldown) Reset() {
	c.state = domain.CooldownState{}
}
