package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/betbot/crashbet/internal/controlplane/server"
	"github.com/betbot/crashbet/internal/dashboard"
	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/engine"
	"github.com/betbot/crashbet/internal/execution"
	"github.com/betbot/crashbet/internal/ledger"
	"github.com/betbot/crashbet/internal/metrics"
	"github.com/betbot/crashbet/internal/ports"
	"github.com/betbot/crashbet/internal/stream"
	"github.com/betbot/crashbet/internal/table"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/betbot/crashbet/pkg/logger"
	"github.com/betbot/crashbet/pkg/shutdown"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	dryRun := flag.Bool("dry-run", false, "纸交易模式：使用模拟牌桌")
	showDashboard := flag.Bool("dashboard", false, "启用终端看板")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	path := strings.TrimSpace(*configPath)
	if path == "" {
		if _, err := os.Stat("yml/config.yaml"); err == nil {
			path = "yml/config.yaml"
		}
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *showDashboard {
		cfg.Dashboard = true
	}
	if cfg.DryRun {
		cfg.Table.Mode = "paper"
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Quiet:      cfg.Dashboard,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	if path != "" {
		logrus.Infof("使用配置文件: %s", path)
	}

	if err := run(cfg, path); err != nil {
		logrus.Errorf("运行失败: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

func run(cfg *config.Config, path string) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sm := shutdown.NewManager()

	// 账本
	book, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return err
	}
	sm.OnShutdown("ledger", func(ctx context.Context) error {
		dropped, failed := book.Stats()
		if dropped > 0 || failed > 0 {
			logrus.Warnf("账本写入统计: dropped=%d failed=%d", dropped, failed)
		}
		return book.Close()
	})
	metrics.PublishFunc("ledger", func() any {
		dropped, failed := book.Stats()
		return map[string]int64{"dropped": dropped, "failed": failed}
	})
	reportPending(rootCtx, book)

	// 牌桌
	tbl, err := table.Open(cfg.Table)
	if err != nil {
		return err
	}
	paper, isPaper := tbl.(*table.Paper)
	if isPaper {
		go paper.Run(rootCtx)
		logrus.Infof("🧪 纸交易模式: seed=%d balance=%.2f", cfg.Table.PaperSeed, cfg.Table.PaperBalance)
	}

	// 信号源和轮次结果
	signals, outcomes, err := openSignals(rootCtx, cfg, paper)
	if err != nil {
		return err
	}

	// 编排器
	recorder := metrics.NewRecorder()
	orch := engine.New(cfg, engine.Deps{
		Table:    tbl,
		Ledger:   book,
		Observer: recorder,
		Slot:     execution.NewSlot(),
	})

	go forwardOutcomes(rootCtx, outcomes, orch)

	// 配置热更新：只在轮次边界生效
	store := config.NewStore(path, cfg)
	store.OnChange(func(next *config.Config) {
		metrics.ConfigReloads.Add(1)
		if err := orch.SetConfig(next); err != nil {
			logrus.Warnf("配置热更新被拒绝: %v", err)
		}
	})
	go store.Watch(rootCtx, 5*time.Second)

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsListen, recorder); err != nil {
			logrus.Warnf("metrics 启动失败: %v", err)
		}
	}
	if cfg.ControlPlaneListen != "" {
		cp, err := server.New(server.Config{Engine: orch, Records: book, Current: store.Current})
		if err != nil {
			return err
		}
		if _, err := cp.Start(rootCtx, cfg.ControlPlaneListen); err != nil {
			logrus.Warnf("控制面启动失败: %v", err)
		}
	}

	if cfg.Dashboard {
		dash := dashboard.New(orch, 500*time.Millisecond)
		if dash.Start(rootCtx) {
			sm.OnShutdown("dashboard", func(ctx context.Context) error {
				dash.Stop()
				return nil
			})
		}
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- orch.Run(rootCtx, signals)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logrus.Infof("收到信号 %v，停止会话...", sig)
		orch.Stop("")
		select {
		case runErr = <-runDone:
		case <-time.After(90 * time.Second):
			logrus.Warnf("等待当前轮次结算超时")
		}
	case runErr = <-runDone:
	}

	s := orch.Snapshot().Session
	logrus.Infof("📊 会话结束: rounds=%d wins=%d losses=%d pnl=%.2f reason=%s",
		s.RoundsPlayed, s.Wins, s.Losses, s.NetPnL(), s.HaltReason)

	rootCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openSignals 按配置打开信号源。纸交易牌桌的轮次结果来自牌桌本身。
func openSignals(ctx context.Context, cfg *config.Config, paper *table.Paper) (<-chan domain.Signal, <-chan domain.RoundOutcome, error) {
	var (
		src      ports.SignalSource
		outcomes <-chan domain.RoundOutcome
	)
	switch strings.ToLower(cfg.Signals.Mode) {
	case "ws":
		ws := stream.NewWSSource(stream.WSOptions{URL: cfg.Signals.URL})
		metrics.PublishFunc("stream_reconnects", func() any { return ws.Reconnects() })
		src, outcomes = ws, ws.Outcomes()
	case "paper", "":
		if paper == nil {
			return nil, nil, fmt.Errorf("signals.mode=paper 需要 table.mode=paper")
		}
		src = stream.NewPaperSource(paper, cfg.Table.PaperSeed+1)
	default:
		return nil, nil, fmt.Errorf("未知信号源: %s", cfg.Signals.Mode)
	}
	if paper != nil {
		outcomes = paper.Outcomes()
	}

	signals, err := src.Signals(ctx)
	if err != nil {
		return nil, nil, err
	}
	return signals, outcomes, nil
}

func forwardOutcomes(ctx context.Context, outcomes <-chan domain.RoundOutcome, orch *engine.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			orch.RecordOutcome(o)
		}
	}
}

// reportPending 启动时列出上次会话未对账的执行记录
func reportPending(ctx context.Context, r ledger.Reader) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	recs, err := r.PendingReconcile(ctx)
	if err != nil {
		logrus.Warnf("读取待对账记录失败: %v", err)
		return
	}
	for _, rec := range recs {
		logrus.WithField("round_id", rec.RoundID).Warnf("⚠️ 上次会话存在待对账记录: status=%s stake=%.2f", rec.Status, rec.Stake)
	}
}
