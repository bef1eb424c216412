package table

import (
	"strings"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/pkg/errors"
)

// Open 按配置创建牌桌。paper 模式下返回的 *Paper 需要调用方启动 Run。
func Open(cfg config.TableConfig) (ports.Table, error) {
	switch strings.ToLower(cfg.Mode) {
	case "paper", "":
		return NewPaper(PaperOptions{
			Seed:    cfg.PaperSeed,
			Balance: cfg.PaperBalance,
			Edge:    cfg.PaperEdge,
		}), nil
	case "http":
		if cfg.URL == "" {
			return nil, errors.Wrap(domain.ErrConfigInvalid, "table.url 不能为空")
		}
		return NewHTTPTable(cfg), nil
	default:
		return nil, errors.Wrapf(domain.ErrConfigInvalid, "table mode %q", cfg.Mode)
	}
}
