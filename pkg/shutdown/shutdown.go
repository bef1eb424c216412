package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/crashbet/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type callback struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器。回调按注册的逆序依次执行：
// 先注册的组件（账本等底层依赖）最后关闭。
type Manager struct {
	callbacks []callback
	mu        sync.Mutex
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback{name: name, handler: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）。
// ctx 应该带超时；超时后剩余回调仍会被调用，但拿到的是已取消的 ctx。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		callbacks := make([]callback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		if len(callbacks) == 0 {
			logger.Info("没有注册的关闭回调")
			return
		}

		logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))
		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			start := time.Now()
			if err := cb.handler(ctx); err != nil {
				logger.Warnf("关闭 %s 失败: %v", cb.name, err)
				continue
			}
			logger.Debugf("已关闭 %s (%v)", cb.name, time.Since(start))
		}

		if err := ctx.Err(); err != nil {
			logger.Warnf("关闭超时: %v", err)
			return
		}
		logger.Info("所有关闭回调已完成")
	})
}
