package history

import (
	"sync"

	"github.com/betbot/crashbet/internal/domain"
)

// DefaultCapacity 默认保留的历史轮数
const DefaultCapacity = 1000

// Window 最近 N 轮结果的定长环形缓冲区。
// 写满后按下标覆盖最旧的元素，内存占用固定。
type Window struct {
	mu   sync.RWMutex
	buf  []domain.RoundOutcome
	head int // 下一个写入位置
	size int
}

// New 创建窗口；capacity <= 0 时使用默认容量
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{buf: make([]domain.RoundOutcome, capacity)}
}

// Append 追加一轮结果，超出容量时淘汰最旧的一轮
func (w *Window) Append(o domain.RoundOutcome) {
	w.mu.Lock()
	w.buf[w.head] = o
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
	w.mu.Unlock()
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *Window) Cap() int {
	return len(w.buf)
}

// Previous 返回倒数第 k 轮（k=1 为最近一轮）
func (w *Window) Previous(k int) (domain.RoundOutcome, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if k <= 0 || k > w.size {
		return domain.RoundOutcome{}, false
	}
	idx := (w.head - k + len(w.buf)) % len(w.buf)
	return w.buf[idx], true
}

// Last 最近一轮
func (w *Window) Last() (domain.RoundOutcome, bool) {
	return w.Previous(1)
}

// LastN 最近 n 轮，按时间从旧到新排列；不足 n 轮时返回全部
func (w *Window) LastN(n int) []domain.RoundOutcome {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n > w.size {
		n = w.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]domain.RoundOutcome, n)
	start := (w.head - n + len(w.buf)) % len(w.buf)
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Snapshot 全部结果的副本（从旧到新）
func (w *Window) Snapshot() []domain.RoundOutcome {
	return w.LastN(w.Len())
}

// Multipliers 最近 n 轮的爆点倍数（从旧到新）
func (w *Window) Multipliers(n int) []float64 {
	rounds := w.LastN(n)
	out := make([]float64, len(rounds))
	for i, r := range rounds {
		out[i] = r.CrashMultiplier
	}
	return out
}
