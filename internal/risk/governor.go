package risk

import (
	"sync"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "risk")

// 停止原因
const (
	HaltProfitTarget          = "profit_target"
	HaltMaxLoss               = "max_loss"
	HaltDurationLimit         = "duration_limit"
	HaltEarlyAbortLoss        = "early_abort_loss"
	HaltAggressiveFailures    = "aggressive_failures"
	HaltHighMultiplierCluster = "high_multiplier_cluster"
	HaltOperator              = "operator_stop"
)

// Governor 会话级盈亏/时长管理。
//
// 约定：
//   - 一旦停止（halted）就不会恢复；ShouldHalt 单调。
//   - 停止后 RecordOutcome 返回 ErrSessionHalted，调用方应拒绝后续处理。
type Governor struct {
	mu  sync.Mutex
	cfg config.SessionConfig

	state domain.SessionState

	recentCrashes        []float64 // 最近若干轮爆点（用于高倍数聚集规则）
	aggressiveFailStreak int       // 连续 AGGRESSIVE 失败次数（只统计 AGGRESSIVE 轮）
	consecutiveLosses    int
}

// NewGovernor 开始一个新会话
func NewGovernor(cfg config.SessionConfig, start time.Time) *Governor {
	return &Governor{
		cfg: cfg,
		state: domain.SessionState{
			ID:        uuid.NewString(),
			StartTime: start,
		},
	}
}

// SetConfig 热更新（轮次边界调用）
func (g *Governor) SetConfig(cfg config.SessionConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Snapshot 会话状态副本
func (g *Governor) Snapshot() domain.SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ConsecutiveLosses 当前连续亏损次数
func (g *Governor) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses
}

// Halted 是否已停止
func (g *Governor) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Halted
}

// RecordOutcome 累计一条执行记录。ABORTED 记录不计入统计。
func (g *Governor) RecordOutcome(rec domain.ExecutionRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Halted {
		return errors.Wrapf(domain.ErrSessionHalted, "round_id=%d reason=%s", rec.RoundID, g.state.HaltReason)
	}
	if !rec.Counted() {
		return nil
	}

	g.state.RoundsPlayed++
	switch {
	case rec.PnL > 0:
		g.state.CumulativeProfit += rec.PnL
	case rec.PnL < 0:
		g.state.CumulativeLoss += -rec.PnL
	}

	if rec.Won() {
		g.state.Wins++
		g.consecutiveLosses = 0
	} else {
		g.state.Losses++
		g.consecutiveLosses++
	}

	if rec.ExitMode == domain.ExitModeAggressive {
		if rec.Won() {
			g.aggressiveFailStreak = 0
		} else {
			g.aggressiveFailStreak++
		}
	}
	return nil
}

// ObserveRound 记录一轮的爆点（无论是否下注）
func (g *Governor) ObserveRound(o domain.RoundOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recentCrashes = append(g.recentCrashes, o.CrashMultiplier)
	keep := g.cfg.ClusterLookback
	if keep <= 0 {
		keep = 5
	}
	if len(g.recentCrashes) > keep {
		g.recentCrashes = append(g.recentCrashes[:0], g.recentCrashes[len(g.recentCrashes)-keep:]...)
	}
}

// ShouldHalt 检查是否应停止会话；命中后锁存，之后总是返回 true。
func (g *Governor) ShouldHalt(now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Halted {
		return true, g.state.HaltReason
	}
	if reason := g.evaluate(now); reason != "" {
		g.haltLocked(reason)
		return true, reason
	}
	return false, ""
}

func (g *Governor) evaluate(now time.Time) string {
	s := g.state
	c := g.cfg

	if s.CumulativeProfit >= c.ProfitTarget {
		return HaltProfitTarget
	}
	if s.CumulativeLoss >= c.MaxLoss {
		return HaltMaxLoss
	}
	elapsed := s.Elapsed(now)
	if c.DurationLimit > 0 && elapsed >= c.DurationLimit {
		return HaltDurationLimit
	}

	// 早退规则只在会话前段生效
	if elapsed >= c.EarlyAbortSpan {
		return ""
	}
	if c.EarlyAbortLoss > 0 && s.CumulativeLoss >= c.EarlyAbortLoss {
		return HaltEarlyAbortLoss
	}
	if c.AggressiveFailureLimit > 0 && g.aggressiveFailStreak >= c.AggressiveFailureLimit {
		return HaltAggressiveFailures
	}
	if c.ClusterCount > 0 {
		hits := 0
		for _, m := range g.recentCrashes {
			if m >= c.ClusterMultiplier {
				hits++
			}
		}
		if hits >= c.ClusterCount {
			return HaltHighMultiplierCluster
		}
	}
	return ""
}

// Halt 显式停止（例如人工停止）；已停止时保留最初的原因
func (g *Governor) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Halted {
		return
	}
	g.haltLocked(reason)
}

func (g *Governor) haltLocked(reason string) {
	g.state.Halted = true
	g.state.HaltReason = reason
	log.Warnf("🛑 [Session] 会话停止: id=%s reason=%s profit=%.2f loss=%.2f rounds=%d",
		g.state.ID, reason, g.state.CumulativeProfit, g.state.CumulativeLoss, g.state.RoundsPlayed)
}
