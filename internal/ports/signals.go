package ports

import (
	"context"

	"github.com/betbot/crashbet/internal/domain"
)

// SignalSource 预测信号来源。返回的 channel 在 ctx 结束或来源关闭时关闭。
type SignalSource interface {
	Signals(ctx context.Context) (<-chan domain.Signal, error)
}

// OutcomeSource 可选能力：来源同时推送已结算轮次的爆点。
type OutcomeSource interface {
	Outcomes() <-chan domain.RoundOutcome
}

// Ledger 只追加的记录存储。调用方不应等待它；见 ledger.Async。
type Ledger interface {
	AppendOutcome(ctx context.Context, o domain.RoundOutcome) error
	AppendRecord(ctx context.Context, r domain.ExecutionRecord) error
	Close() error
}
