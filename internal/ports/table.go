package ports

import (
	"context"

	"github.com/betbot/crashbet/internal/domain"
)

// 牌桌（游戏界面/接口）的小能力接口，由各个适配器（paper/http）实现。

type ValueReader interface {
	// ReadValue 返回当前倍数；ok=false 表示暂时读不到（例如本轮还没开始或已结束）。
	ReadValue(ctx context.Context) (value float64, ok bool, err error)
}

type BalanceReader interface {
	ReadBalance(ctx context.Context) (float64, error)
}

type PhaseReader interface {
	Phase(ctx context.Context) (domain.Phase, error)
}

type EntrySubmitter interface {
	// SubmitEntry 提交下注；返回值表示请求是否被接受，并不代表已确认。
	SubmitEntry(ctx context.Context, stake float64) (bool, error)
}

type ExitSubmitter interface {
	// SubmitExit 用指定方式提交出场。适配器把 ExitMethod 映射到自己的机制上。
	SubmitExit(ctx context.Context, method domain.ExitMethod) (bool, error)
}

// Table 执行器需要的全部能力
type Table interface {
	ValueReader
	BalanceReader
	PhaseReader
	EntrySubmitter
	ExitSubmitter
}

// EntryConfirmer 可选能力：适配器能直接确认本轮下注已生效。
type EntryConfirmer interface {
	EntryConfirmed(ctx context.Context) (bool, error)
}
