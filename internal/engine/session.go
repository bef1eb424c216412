package engine

import (
	"time"

	"github.com/betbot/crashbet/internal/capital"
	"github.com/betbot/crashbet/internal/exitplan"
	"github.com/betbot/crashbet/internal/gates"
	"github.com/betbot/crashbet/internal/history"
	"github.com/betbot/crashbet/internal/regime"
	"github.com/betbot/crashbet/internal/risk"
	"github.com/betbot/crashbet/pkg/config"
)

// SessionContext 一个会话内全部可变状态，只由 Orchestrator 持有和修改。
// 会话开始时创建，停止后不再使用。
type SessionContext struct {
	Window     *history.Window
	Classifier *regime.Classifier
	Filter     *gates.EntryFilter
	Cooldown   *gates.Cooldown
	Sizer      *capital.Sizer
	Selector   *exitplan.Selector
	Governor   *risk.Governor
}

// NewSessionContext 以配置快照创建新会话
func NewSessionContext(cfg *config.Config, start time.Time) *SessionContext {
	return &SessionContext{
		Window:     history.New(history.DefaultCapacity),
		Classifier: regime.NewClassifier(regime.ParamsFromConfig(cfg.Regime)),
		Filter:     gates.NewEntryFilter(cfg.Entry),
		Cooldown:   gates.NewCooldown(cfg.Cooldown),
		Sizer:      capital.NewSizer(capital.ParamsFromConfig(cfg.Stake)),
		Selector:   exitplan.NewSelector(cfg.Exit),
		Governor:   risk.NewGovernor(cfg.Session, start),
	}
}

// Apply 在轮次边界应用新的配置快照
func (s *SessionContext) Apply(cfg *config.Config, now time.Time) {
	s.Classifier.SetParams(regime.ParamsFromConfig(cfg.Regime))
	s.Filter.SetConfig(cfg.Entry)
	s.Cooldown.SetConfig(cfg.Cooldown)
	s.Sizer.SetParams(capital.ParamsFromConfig(cfg.Stake))
	s.Selector.SetConfig(cfg.Exit, now)
	s.Governor.SetConfig(cfg.Session)
}
