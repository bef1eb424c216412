package capital

import (
	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "capital")

// 金额统一保留到分
const moneyPlaces = 2

// Params 复利参数
type Params struct {
	BaseStake    decimal.Decimal
	MaxStake     decimal.Decimal
	Multiplier   decimal.Decimal
	MaxSteps     int
	ResetCeiling float64
}

// ParamsFromConfig 从配置快照构造参数
func ParamsFromConfig(c config.StakeConfig) Params {
	return Params{
		BaseStake:    decimal.NewFromFloat(c.BaseStake),
		MaxStake:     decimal.NewFromFloat(c.MaxStake),
		Multiplier:   decimal.NewFromFloat(c.Multiplier),
		MaxSteps:     c.MaxSteps,
		ResetCeiling: c.ResetCeiling,
	}
}

// Step 一次复利计算的结果
type Step struct {
	Stake float64
	Level int
	// Reset 表示被强制回到 (base_stake, 0)
	Reset bool
	// ResetReason: reset_ceiling | level_overflow
	ResetReason string
}

// NextStake 根据上一轮下注、输赢和复利级数计算下一轮下注（纯函数）。
//
//	赢: stake = min(prev × m, max), level = min(level+1, max_steps)
//	输: stake = max(prev / m, base), level = max(level-1, 0)
//	crash >= reset_ceiling: 无条件回到 (base, 0)
//	赢时已在 max_steps: 视为溢出，回到 (base, 0)
//
// 结果总是落在 [base, max] 与 [0, max_steps] 内。
func NextStake(prevStake float64, result domain.RoundResult, level int, crash float64, p Params) Step {
	base := p.BaseStake.Round(moneyPlaces)
	if p.ResetCeiling > 0 && crash >= p.ResetCeiling {
		return Step{Stake: base.InexactFloat64(), Level: 0, Reset: true, ResetReason: "reset_ceiling"}
	}

	prev := clampStake(decimal.NewFromFloat(prevStake), p)
	level = clampLevel(level, p.MaxSteps)

	var next decimal.Decimal
	switch result {
	case domain.ResultWin:
		if level >= p.MaxSteps {
			return Step{Stake: base.InexactFloat64(), Level: 0, Reset: true, ResetReason: "level_overflow"}
		}
		next = decimal.Min(prev.Mul(p.Multiplier), p.MaxStake)
		level++
	case domain.ResultLoss:
		next = decimal.Max(prev.Div(p.Multiplier), p.BaseStake)
		level--
	default:
		next = prev
	}

	next = clampStake(next.Round(moneyPlaces), p)
	return Step{Stake: next.InexactFloat64(), Level: clampLevel(level, p.MaxSteps)}
}

func clampStake(v decimal.Decimal, p Params) decimal.Decimal {
	if v.LessThan(p.BaseStake) {
		return p.BaseStake
	}
	if v.GreaterThan(p.MaxStake) {
		return p.MaxStake
	}
	return v
}

func clampLevel(level, maxSteps int) int {
	if level < 0 {
		return 0
	}
	if level > maxSteps {
		return maxSteps
	}
	return level
}

// Sizer 持有 StakeState；只由编排器在两轮之间调用。
type Sizer struct {
	params Params
	state  domain.StakeState
}

// NewSizer 以 (base_stake, 0) 开始
func NewSizer(p Params) *Sizer {
	s := &Sizer{params: p}
	s.Reset("init")
	return s
}

// SetParams 热更新参数，当前 stake 重新夹到新的边界内
func (s *Sizer) SetParams(p Params) {
	s.params = p
	s.state.CurrentStake = clampStake(decimal.NewFromFloat(s.state.CurrentStake), p).Round(moneyPlaces).InexactFloat64()
	s.state.CompoundLevel = clampLevel(s.state.CompoundLevel, p.MaxSteps)
}

// State 当前状态（副本）
func (s *Sizer) State() domain.StakeState {
	return s.state
}

// Params 当前参数
func (s *Sizer) Params() Params {
	return s.params
}

// Settle 一轮结算后更新状态。crash 未知时传 0。
func (s *Sizer) Settle(result domain.RoundResult, crash float64) Step {
	step := NextStake(s.state.CurrentStake, result, s.state.CompoundLevel, crash, s.params)
	prev := s.state
	s.state = domain.StakeState{
		CurrentStake:  step.Stake,
		CompoundLevel: step.Level,
		LastOutcome:   result,
	}
	if step.Reset {
		log.Infof("💰 [Stake] 强制回到基础下注: reason=%s stake %.2f->%.2f level %d->0",
			step.ResetReason, prev.CurrentStake, step.Stake, prev.CompoundLevel)
	} else {
		log.Debugf("[Stake] %s: stake %.2f->%.2f level %d->%d",
			result, prev.CurrentStake, step.Stake, prev.CompoundLevel, step.Level)
	}
	return step
}

// ObserveCrash 收到一轮的真实爆点（可能晚于结算）：达到 reset_ceiling 时回到基础下注。
func (s *Sizer) ObserveCrash(crash float64) bool {
	if s.params.ResetCeiling <= 0 || crash < s.params.ResetCeiling {
		return false
	}
	if s.state.CompoundLevel == 0 && decimal.NewFromFloat(s.state.CurrentStake).Equal(s.params.BaseStake) {
		return false
	}
	s.Reset("reset_ceiling")
	return true
}

// AtMaxLevel 复利级数已到上限
func (s *Sizer) AtMaxLevel() bool {
	return s.state.CompoundLevel >= s.params.MaxSteps
}

// Reset 回到 (base_stake, 0)
func (s *Sizer) Reset(reason string) {
	s.state = domain.StakeState{
		CurrentStake:  s.params.BaseStake.Round(moneyPlaces).InexactFloat64(),
		CompoundLevel: 0,
		LastOutcome:   s.state.LastOutcome,
	}
	if reason != "init" {
		log.Infof("💰 [Stake] 重置为基础下注: reason=%s stake=%.2f", reason, s.state.CurrentStake)
	}
}
