package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var storeLog = logrus.WithField("module", "config.store")

// Store 持有当前生效的配置快照。
//
// 快照本身不可变；热更新时整体替换指针，读取方拿到的永远是一份完整一致的配置。
// 引擎只在两轮之间读取 Current()，单轮执行过程中不会看到配置变化。
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu       sync.Mutex
	modTime  time.Time
	onChange []func(*Config)
}

// NewStore 用已校验的初始配置创建 Store。path 为空时 Reload/Watch 不做任何事。
func NewStore(path string, initial *Config) *Store {
	s := &Store{path: path}
	if initial == nil {
		initial = Default()
	}
	s.current.Store(initial)
	if path != "" {
		if fi, err := os.Stat(path); err == nil {
			s.modTime = fi.ModTime()
		}
	}
	return s
}

// Current 当前配置快照（只读）
func (s *Store) Current() *Config {
	return s.current.Load()
}

// OnChange 注册配置替换后的回调
func (s *Store) OnChange(fn func(*Config)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Reload 重新读取配置文件。
// 校验失败时保留旧配置并返回错误（调用方记录 warning 即可）。
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return s.Current(), nil
	}
	next, err := LoadFromFile(s.path)
	if err != nil {
		storeLog.Warnf("配置热更新被拒绝，继续使用旧配置: %v", err)
		return s.Current(), err
	}
	s.current.Store(next)

	s.mu.Lock()
	if fi, statErr := os.Stat(s.path); statErr == nil {
		s.modTime = fi.ModTime()
	}
	callbacks := append([]func(*Config){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(next)
	}
	storeLog.Infof("配置已热更新: %s", s.path)
	return next, nil
}

// Watch 按 interval 轮询文件修改时间，变化时触发 Reload。ctx 结束时返回。
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.changed() {
				_, _ = s.Reload()
			}
		}
	}
}

func (s *Store) changed() bool {
	fi, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fi.ModTime().After(s.modTime) {
		// 先记下，避免校验失败的文件被反复重试刷屏
		s.modTime = fi.ModTime()
		return true
	}
	return false
}
