package domain

import "time"

// ExitMode 出场目标选择模式
type ExitMode string

const (
	ExitModeDefault    ExitMode = "DEFAULT"
	ExitModeDefensive  ExitMode = "DEFENSIVE"
	ExitModeAggressive ExitMode = "AGGRESSIVE"
)

// ExitMethod 出场动作的提交方式（按顺序降级尝试）。
// 不同的 Table 实现把它映射为各自的机制（HTTP 端点 / 点击 / 事件派发 / 键盘）。
type ExitMethod string

const (
	ExitMethodPrimary        ExitMethod = "primary"
	ExitMethodForcedDispatch ExitMethod = "forced_dispatch"
	ExitMethodDirectEvent    ExitMethod = "direct_event"
	ExitMethodKeyboard       ExitMethod = "keyboard"
)

// ExecStatus 执行记录的终态
type ExecStatus string

const (
	StatusSettledWin  ExecStatus = "settled_win"
	StatusSettledLoss ExecStatus = "settled_loss"
	StatusFailedExit  ExecStatus = "failed_exit"
	StatusAborted     ExecStatus = "aborted"
)

// Terminal 是否已是终态（目前所有状态都是终态，保留以便扩展）。
func (s ExecStatus) Terminal() bool {
	switch s {
	case StatusSettledWin, StatusSettledLoss, StatusFailedExit, StatusAborted:
		return true
	}
	return false
}

// ExecutionRecord 每一次下注尝试对应一条审计记录（只追加）。
type ExecutionRecord struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	RoundID            int64      `json:"round_id"`
	Stake              float64    `json:"stake"`
	TargetMultiplier   float64    `json:"target_multiplier"`
	ExitMode           ExitMode   `json:"exit_mode"`
	EntryResult        string     `json:"entry_result"`
	ExitResult         string     `json:"exit_result"`
	ExitStrategy       ExitMethod `json:"exit_strategy,omitempty"`
	RealizedMultiplier float64    `json:"realized_multiplier"`
	MaxObserved        float64    `json:"max_observed"`
	PnL                float64    `json:"pnl"`
	Status             ExecStatus `json:"status"`
	Reason             string     `json:"reason,omitempty"`
	NeedsReconcile     bool       `json:"needs_reconcile,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
}

// Counted 是否计入 stake/session 统计（ABORTED 视为空操作）。
func (r ExecutionRecord) Counted() bool {
	return r.Status != StatusAborted
}

// Won 是否为盈利结算
func (r ExecutionRecord) Won() bool {
	return r.Status == StatusSettledWin
}

// Result 对 stake 复利而言的输赢。
func (r ExecutionRecord) Result() RoundResult {
	switch r.Status {
	case StatusSettledWin:
		return ResultWin
	case StatusSettledLoss, StatusFailedExit:
		return ResultLoss
	}
	return ResultNone
}
