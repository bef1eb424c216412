package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/pkg/errors"
)

// Async 即发即弃的账本包装：写入进入缓冲队列，由后台 goroutine 落盘。
// 队列满时丢弃并记日志，从不阻塞调用方；写入失败只记日志。
type Async struct {
	inner ports.Ledger
	ch    chan entry

	mu        sync.RWMutex // 保护 closed 与 ch 的关闭
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

type entry struct {
	outcome *domain.RoundOutcome
	record  *domain.ExecutionRecord
}

// NewAsync 启动后台写入
func NewAsync(inner ports.Ledger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner: inner,
		ch:    make(chan entry, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		var roundID int64
		switch {
		case e.outcome != nil:
			roundID = e.outcome.RoundID
			err = a.inner.AppendOutcome(ctx, *e.outcome)
		case e.record != nil:
			roundID = e.record.RoundID
			err = a.inner.AppendRecord(ctx, *e.record)
		}
		cancel()
		if err != nil {
			a.failed.Add(1)
			log.WithField("round_id", roundID).Warnf("账本写入失败（不影响决策）: %v", err)
		}
	}
}

func (a *Async) enqueue(e entry, roundID int64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.Errorf("ledger closed, round_id=%d dropped", roundID)
	}
	select {
	case a.ch <- e:
		return nil
	default:
		a.dropped.Add(1)
		log.WithField("round_id", roundID).Warnf("账本队列已满，丢弃一条写入")
		return nil
	}
}

func (a *Async) AppendOutcome(ctx context.Context, o domain.RoundOutcome) error {
	return a.enqueue(entry{outcome: &o}, o.RoundID)
}

func (a *Async) AppendRecord(ctx context.Context, r domain.ExecutionRecord) error {
	return a.enqueue(entry{record: &r}, r.RoundID)
}

// RecentRecords 透传给底层账本（若支持）
func (a *Async) RecentRecords(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if r, ok := a.inner.(Reader); ok {
		return r.RecentRecords(ctx, limit)
	}
	return nil, nil
}

// PendingReconcile 透传给底层账本（若支持）
func (a *Async) PendingReconcile(ctx context.Context) ([]domain.ExecutionRecord, error) {
	if r, ok := a.inner.(Reader); ok {
		return r.PendingReconcile(ctx)
	}
	return nil, nil
}

// Stats 丢弃/失败计数
func (a *Async) Stats() (dropped, failed int64) {
	return a.dropped.Load(), a.failed.Load()
}

// Close 等待队列写完后关闭底层账本
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		err = a.inner.Close()
	})
	return err
}
