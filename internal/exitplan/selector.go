package exitplan

import (
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("module", "exitplan")

// Plan 出场目标
type Plan struct {
	Target float64         `json:"target"`
	Mode   domain.ExitMode `json:"mode"`
}

// Selector 自适应出场目标选择，优先保护本金：DEFENSIVE -> AGGRESSIVE -> DEFAULT。
type Selector struct {
	cfg    config.ExitConfig
	regime domain.Regime // 允许 AGGRESSIVE 的 regime
	// AGGRESSIVE 限频：滚动窗口内最多一次（令牌桶 burst=1）
	aggressive *rate.Limiter
}

func NewSelector(cfg config.ExitConfig) *Selector {
	return &Selector{
		cfg:        cfg,
		regime:     aggressiveRegime(cfg),
		aggressive: rate.NewLimiter(everyOrInf(cfg.AggressiveWindow), 1),
	}
}

// aggressiveRegime 配置已校验过；未知值按 LOOSE 处理
func aggressiveRegime(cfg config.ExitConfig) domain.Regime {
	if r, ok := domain.ParseRegime(cfg.AggressiveRegime); ok {
		return r
	}
	return domain.RegimeLoose
}

func everyOrInf(window time.Duration) rate.Limit {
	if window <= 0 {
		return rate.Inf
	}
	return rate.Every(window)
}

// SetConfig 热更新（轮次边界调用）
func (s *Selector) SetConfig(cfg config.ExitConfig, now time.Time) {
	if cfg.AggressiveWindow != s.cfg.AggressiveWindow {
		s.aggressive.SetLimitAt(now, everyOrInf(cfg.AggressiveWindow))
	}
	s.cfg = cfg
	s.regime = aggressiveRegime(cfg)
}

// Select 选择本轮出场目标
func (s *Selector) Select(regime domain.Regime, session domain.SessionState, compoundLevel int, now time.Time) Plan {
	if session.CumulativeLoss >= s.cfg.LossTrigger {
		return Plan{Target: s.cfg.DefensiveTarget, Mode: domain.ExitModeDefensive}
	}

	if session.CumulativeProfit >= s.cfg.ProfitTrigger && regime == s.regime && compoundLevel == 0 {
		if s.aggressive.AllowN(now, 1) {
			return Plan{Target: s.cfg.AggressiveTarget, Mode: domain.ExitModeAggressive}
		}
		log.Debugf("AGGRESSIVE 条件满足但处于限频窗口内，使用 DEFAULT")
	}

	return Plan{Target: s.cfg.DefaultTarget, Mode: domain.ExitModeDefault}
}
