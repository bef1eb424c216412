package execution

import (
	"sync"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/pkg/errors"
)

// Slot 进程级执行闸门：任意时刻最多一个非终态的执行器。
//
// 与按 key 去重不同，这里所有轮次共用同一个槽位；
// 持有者只能由自己释放，不做超时回收（回收会破坏"同时只有一个"的约束）。
type Slot struct {
	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
}

func NewSlot() *Slot {
	return &Slot{}
}

// TryAcquire 尝试占用槽位。
// - 成功返回 nil
// - 已被占用返回 ErrExecutorBusy
func (s *Slot) TryAcquire(key string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != "" {
		return errors.Wrapf(domain.ErrExecutorBusy, "holder=%s since=%s", s.holder, s.acquiredAt.Format(time.RFC3339))
	}
	s.holder = key
	s.acquiredAt = time.Now()
	return nil
}

// Release 释放槽位；key 不匹配时忽略。
func (s *Slot) Release(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.holder == key {
		s.holder = ""
		s.acquiredAt = time.Time{}
	}
	s.mu.Unlock()
}
