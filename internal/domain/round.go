package domain

import (
	"strings"
	"time"
)

// BaselineMultiplier 每一轮开始时的基准倍数（1.00x）。
const BaselineMultiplier = 1.0

// RoundOutcome 一轮结束后的结果（不可变）。
type RoundOutcome struct {
	RoundID         int64         `json:"round_id"`
	CrashMultiplier float64       `json:"crash_multiplier"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
}

// IsHighMultiplier 是否达到（或超过）给定天花板倍数。
func (o RoundOutcome) IsHighMultiplier(ceiling float64) bool {
	return ceiling > 0 && o.CrashMultiplier >= ceiling
}

// Phase 牌桌阶段
type Phase string

const (
	PhaseUnknown Phase = ""
	PhaseWaiting Phase = "WAITING" // 下注窗口 / 两轮之间
	PhaseRunning Phase = "RUNNING" // 倍数正在上升
)

// Regime 市场状态（由历史窗口统计得出）
type Regime int

const (
	RegimeNormal Regime = iota
	RegimeTight
	RegimeLoose
	RegimeVolatile
)

func (r Regime) String() string {
	switch r {
	case RegimeTight:
		return "TIGHT"
	case RegimeLoose:
		return "LOOSE"
	case RegimeVolatile:
		return "VOLATILE"
	default:
		return "NORMAL"
	}
}

// ParseRegime 解析配置中的 regime 名称（大小写不敏感），未知值返回 RegimeNormal, false。
func ParseRegime(s string) (Regime, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TIGHT":
		return RegimeTight, true
	case "LOOSE":
		return RegimeLoose, true
	case "VOLATILE":
		return RegimeVolatile, true
	case "NORMAL":
		return RegimeNormal, true
	}
	return RegimeNormal, false
}

// MarshalText 让 Regime 在 JSON/YAML 中以名称输出。
func (r Regime) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RoundResult 单轮结算结果（对 stake 复利而言只有输/赢）
type RoundResult string

const (
	ResultNone RoundResult = ""
	ResultWin  RoundResult = "win"
	ResultLoss RoundResult = "loss"
)
