package execution

import (
	"context"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/ports"
)

// ExitStrategy 一种出场提交方式。Attempt 只表示是否被受理，成功与否由执行器校验。
type ExitStrategy interface {
	Method() domain.ExitMethod
	Attempt(ctx context.Context) (bool, error)
}

// tableExit 把出场方式转交给牌桌适配器
type tableExit struct {
	table  ports.ExitSubmitter
	method domain.ExitMethod
}

func (s tableExit) Method() domain.ExitMethod { return s.method }

func (s tableExit) Attempt(ctx context.Context) (bool, error) {
	return s.table.SubmitExit(ctx, s.method)
}

// StrategiesFor 按配置顺序构造出场链；重复的方式只保留第一次出现。
func StrategiesFor(table ports.ExitSubmitter, methods []domain.ExitMethod) []ExitStrategy {
	if len(methods) == 0 {
		methods = []domain.ExitMethod{domain.ExitMethodPrimary}
	}
	seen := make(map[domain.ExitMethod]bool, len(methods))
	out := make([]ExitStrategy, 0, len(methods))
	for _, m := range methods {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, tableExit{table: table, method: m})
	}
	return out
}
