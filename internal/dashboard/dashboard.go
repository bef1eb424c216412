package dashboard

import (
	"context"
	"os"
	"time"

	"github.com/betbot/crashbet/internal/engine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var log = logrus.WithField("module", "dashboard")

// Source 看板的数据来源（engine.Orchestrator）
type Source interface {
	Snapshot() engine.Snapshot
}

// Dashboard 终端看板：按固定间隔拉取会话快照并重绘。
type Dashboard struct {
	source   Source
	interval time.Duration
	program  *tea.Program
	done     chan struct{}
}

func New(source Source, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dashboard{source: source, interval: interval, done: make(chan struct{})}
}

// Start 在终端上启动看板（非阻塞）。stdout 不是终端时直接返回 false。
// 看板运行期间日志应只写文件（logger.Config.Quiet），否则会刷乱界面。
func (d *Dashboard) Start(ctx context.Context) bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		log.Infof("stdout 不是终端，跳过看板")
		close(d.done)
		return false
	}

	d.program = tea.NewProgram(newModel(d.source.Snapshot, d.interval), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		defer close(d.done)
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("看板 panic: %v", r)
			}
		}()
		if _, err := d.program.Run(); err != nil && ctx.Err() == nil {
			log.Errorf("看板运行错误: %v", err)
		}
	}()
	return true
}

// Stop 关闭看板并等待终端恢复
func (d *Dashboard) Stop() {
	if d.program != nil {
		d.program.Quit()
	}
	<-d.done
}
