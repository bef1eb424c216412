package dashboard

import (
	"testing"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/engine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := engine.Snapshot{
		Session: domain.SessionState{
			ID: "0123456789abcdef", StartTime: now.Add(-90 * time.Second),
			CumulativeProfit: 45, CumulativeLoss: 15, RoundsPlayed: 4, Wins: 3, Losses: 1,
			Halted: true, HaltReason: "operator_stop",
		},
		Stake:    domain.StakeState{CurrentStake: 21, CompoundLevel: 1},
		Cooldown: domain.CooldownState{ActiveSkipCount: 2, TriggerReason: "high_multiplier"},
		Regime:   domain.RegimeTight,
		Recent: []domain.ExecutionRecord{
			{RoundID: 7, Status: domain.StatusSettledWin, RealizedMultiplier: 1.9, PnL: 13.5},
		},
		Outcomes: []domain.RoundOutcome{{RoundID: 6, CrashMultiplier: 12.4}},
	}

	out := render(s, now, 120)
	for _, want := range []string{"01234567", "HALTED: operator_stop", "+30.00", "21.00", "TIGHT", "#7", "12.40", "high_multiplier", "1m30s"} {
		assert.Contains(t, out, want)
	}
}

func TestModelRefreshesOnTick(t *testing.T) {
	calls := 0
	source := func() engine.Snapshot {
		calls++
		return engine.Snapshot{Stake: domain.StakeState{CurrentStake: float64(calls)}}
	}
	m := newModel(source, time.Millisecond)
	assert.Equal(t, 1.0, m.snap.Stake.CurrentStake)

	next, cmd := m.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.Equal(t, 2.0, next.(model).snap.Stake.CurrentStake)

	next, _ = next.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	assert.Equal(t, 100, next.(model).width)
}
