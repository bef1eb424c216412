package ledger

import (
	"context"
	"strings"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "ledger")

// Reader 读取最近的执行记录（控制面使用）
type Reader interface {
	RecentRecords(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
	PendingReconcile(ctx context.Context) ([]domain.ExecutionRecord, error)
}

// Open 按配置打开账本，并包一层异步写入
func Open(cfg config.LedgerConfig) (*Async, error) {
	var inner ports.Ledger
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		inner = s
	case "badger":
		b, err := OpenBadger(BadgerOptions{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		inner = b
	case "none", "":
		inner = Nop{}
	default:
		return nil, errors.Wrapf(domain.ErrConfigInvalid, "ledger driver %q", cfg.Driver)
	}
	log.Infof("账本已打开: driver=%s path=%s", cfg.Driver, cfg.Path)
	return NewAsync(inner, cfg.Buffer), nil
}

// Nop 不落盘
type Nop struct{}

func (Nop) AppendOutcome(context.Context, domain.RoundOutcome) error   { return nil }
func (Nop) AppendRecord(context.Context, domain.ExecutionRecord) error { return nil }
func (Nop) Close() error                                               { return nil }
