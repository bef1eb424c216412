package domain

import "time"

// StakeState 复利状态：每轮结算后更新。
type StakeState struct {
	CurrentStake  float64     `json:"current_stake"`
	CompoundLevel int         `json:"compound_level"`
	LastOutcome   RoundResult `json:"last_outcome"`
}

// CooldownState 冷却状态：每轮递减一次，不会小于 0。
type CooldownState struct {
	ActiveSkipCount int    `json:"active_skip_count"`
	TriggerReason   string `json:"trigger_reason"`
}

// SessionState 会话级累计状态。Halted 只会从 false 变为 true。
type SessionState struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	CumulativeProfit float64   `json:"cumulative_profit"`
	CumulativeLoss   float64   `json:"cumulative_loss"`
	RoundsPlayed     int       `json:"rounds_played"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	Halted           bool      `json:"halted"`
	HaltReason       string    `json:"halt_reason"`
}

// NetPnL 净盈亏
func (s SessionState) NetPnL() float64 {
	return s.CumulativeProfit - s.CumulativeLoss
}

// Elapsed 会话已运行时长
func (s SessionState) Elapsed(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}
