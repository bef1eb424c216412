package gates

import (
	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/history"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "gates")

// 拒绝原因
const (
	ReasonCooldownActive    = "cooldown_active"
	ReasonPreviousCeiling   = "previous_round_ceiling"
	ReasonRecentExtreme     = "recent_extreme"
	ReasonCompoundLevelCap  = "compound_level_cap"
	ReasonVolatileRegime    = "volatile_regime"
	ReasonPreviousOutOfBand = "previous_out_of_band"
	ReasonApproved          = "approved"
)

// Decision 入场判定结果
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func deny(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// EntryFilter 入场过滤器：基于最近几轮结果和 regime 的布尔 gate。
type EntryFilter struct {
	cfg config.EntryConfig
}

func NewEntryFilter(cfg config.EntryConfig) *EntryFilter {
	return &EntryFilter{cfg: cfg}
}

// SetConfig 热更新（轮次边界调用）
func (f *EntryFilter) SetConfig(cfg config.EntryConfig) {
	f.cfg = cfg
}

// Evaluate 按顺序检查，第一条不满足的规则即为拒绝原因。
// 窗口为空时（还没有上一轮）只检查与历史无关的规则。
func (f *EntryFilter) Evaluate(w *history.Window, cooldown domain.CooldownState, regime domain.Regime, compoundLevel int) Decision {
	if cooldown.ActiveSkipCount > 0 {
		return deny(ReasonCooldownActive)
	}

	prev, hasPrev := w.Last()
	if hasPrev && prev.CrashMultiplier >= f.cfg.CeilingHigh {
		return deny(ReasonPreviousCeiling)
	}

	if f.cfg.ExtremeLookback > 0 {
		for _, m := range w.Multipliers(f.cfg.ExtremeLookback) {
			if m >= f.cfg.CeilingExtreme {
				return deny(ReasonRecentExtreme)
			}
		}
	}

	if compoundLevel >= f.cfg.MaxCompoundForEntry {
		return deny(ReasonCompoundLevelCap)
	}

	if regime == domain.RegimeVolatile && !f.cfg.AllowVolatile {
		return deny(ReasonVolatileRegime)
	}

	if hasPrev && (prev.CrashMultiplier < f.cfg.BandLow || prev.CrashMultiplier > f.cfg.BandHigh) {
		return deny(ReasonPreviousOutOfBand)
	}

	return Decision{Approved: true, Reason: ReasonApproved}
}
