package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/betbot/crashbet/internal/domain"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const (
	outcomePrefix   = "outcome/"
	recordPrefix    = "record/"
	reconcilePrefix = "reconcile/"
)

// Badger 基于 badger KV 的账本。记录以 JSON 存储，key 按时间排序。
type Badger struct {
	db *badger.DB
}

type BadgerOptions struct {
	Path     string
	InMemory bool // 测试用
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("ledger: badger path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Badger{db: db}, nil
}

func outcomeKey(roundID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outcomePrefix, roundID))
}

func recordKey(r domain.ExecutionRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", recordPrefix, r.StartedAt.UnixNano(), r.ID))
}

func (b *Badger) AppendOutcome(ctx context.Context, o domain.RoundOutcome) error {
	v, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		k := outcomeKey(o.RoundID)
		if _, err := txn.Get(k); err == nil {
			return nil // 只追加：已存在时忽略
		}
		return txn.Set(k, v)
	})
}

func (b *Badger) AppendRecord(ctx context.Context, r domain.ExecutionRecord) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(r), v); err != nil {
			return err
		}
		if r.NeedsReconcile {
			return txn.Set([]byte(reconcilePrefix+r.ID), recordKey(r))
		}
		return nil
	})
}

// RecentRecords 最近的执行记录，从新到旧
func (b *Badger) RecentRecords(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.ExecutionRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向迭代需要从前缀的上界开始
		for it.Seek([]byte(recordPrefix + "\xff")); it.ValidForPrefix([]byte(recordPrefix)) && len(out) < limit; it.Next() {
			var r domain.ExecutionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// PendingReconcile 需要对账（failed_exit）的记录
func (b *Badger) PendingReconcile(ctx context.Context) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(reconcilePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(reconcilePrefix)); it.Next() {
			var key []byte
			if err := it.Item().Value(func(val []byte) error {
				key = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			var r domain.ExecutionRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Outcome 读取一轮的结果
func (b *Badger) Outcome(roundID int64) (domain.RoundOutcome, bool, error) {
	var (
		o     domain.RoundOutcome
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outcomeKey(roundID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &o)
		})
	})
	return o, found, err
}

func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
