package dashboard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/engine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/unix"
)

type tickMsg time.Time

type model struct {
	source   func() engine.Snapshot
	interval time.Duration
	snap     engine.Snapshot
	width    int
}

func newModel(source func() engine.Snapshot, interval time.Duration) model {
	return model{source: source, interval: interval, snap: source()}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Bubble Tea 会拦截 Ctrl+C，主动给自己发 SIGINT，走统一的优雅退出
			_ = unix.Kill(os.Getpid(), unix.SIGINT)
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.source()
		return m, m.tick()
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	winStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("39")).Padding(0, 1)
	haltedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("196")).Padding(0, 1)
)

func (m model) View() string {
	return render(m.snap, time.Now(), m.width)
}

func money(v float64) string {
	s := fmt.Sprintf("%+.2f", v)
	if v < 0 {
		return lossStyle.Render(s)
	}
	return winStyle.Render(s)
}

// render 纯函数，便于测试
func render(s engine.Snapshot, now time.Time, width int) string {
	header := titleStyle.Render(fmt.Sprintf("CrashBet | session %s | %s", shortID(s.Session.ID), now.Format("15:04:05")))
	if s.Session.Halted {
		header += "  " + haltedStyle.Render("HALTED: "+s.Session.HaltReason)
	}

	left := []string{
		titleStyle.Render("会话"),
		fmt.Sprintf("%s %s", labelStyle.Render("净盈亏:"), money(s.Session.NetPnL())),
		fmt.Sprintf("%s %.2f / %.2f", labelStyle.Render("盈/亏:"), s.Session.CumulativeProfit, s.Session.CumulativeLoss),
		fmt.Sprintf("%s %d (W%d / L%d)", labelStyle.Render("轮次:"), s.Session.RoundsPlayed, s.Session.Wins, s.Session.Losses),
		fmt.Sprintf("%s %s", labelStyle.Render("运行:"), s.Session.Elapsed(now).Truncate(time.Second)),
		"",
		titleStyle.Render("下注"),
		fmt.Sprintf("%s %.2f  L%d", labelStyle.Render("stake:"), s.Stake.CurrentStake, s.Stake.CompoundLevel),
		fmt.Sprintf("%s %s", labelStyle.Render("执行器:"), s.ExecutorState),
	}
	if s.Cooldown.ActiveSkipCount > 0 {
		left = append(left, warnStyle.Render(fmt.Sprintf("冷却 %d 轮 (%s)", s.Cooldown.ActiveSkipCount, s.Cooldown.TriggerReason)))
	}
	if s.Dangling {
		left = append(left, warnStyle.Render("存在未对账仓位"))
	}
	if s.LastSkip != "" {
		left = append(left, fmt.Sprintf("%s %s", labelStyle.Render("上次跳过:"), s.LastSkip))
	}

	right := []string{
		titleStyle.Render("市场"),
		fmt.Sprintf("%s %s", labelStyle.Render("regime:"), s.Regime),
		fmt.Sprintf("%s %.2f  %s %.0f%%  %s %.0f%%", labelStyle.Render("中位数:"), s.RegimeStats.Median,
			labelStyle.Render("低:"), s.RegimeStats.PctBelowLow*100, labelStyle.Render("高:"), s.RegimeStats.PctHighTail*100),
		fmt.Sprintf("%s %s", labelStyle.Render("最近:"), outcomes(s.Outcomes, 12)),
		"",
		titleStyle.Render("最近执行"),
	}
	recent := s.Recent
	if len(recent) > 6 {
		recent = recent[len(recent)-6:]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		r := recent[i]
		right = append(right, fmt.Sprintf("#%d %-13s %5.2fx %s", r.RoundID, r.Status, r.RealizedMultiplier, money(r.PnL)))
	}

	colWidth := 40
	if width > 90 {
		colWidth = width/2 - 4
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Width(colWidth).Render(strings.Join(left, "\n")),
		" ",
		panelStyle.Width(colWidth).Render(strings.Join(right, "\n")),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, labelStyle.Render("q 退出"))
}

func outcomes(list []domain.RoundOutcome, n int) string {
	if len(list) > n {
		list = list[len(list)-n:]
	}
	parts := make([]string, 0, len(list))
	for _, o := range list {
		s := fmt.Sprintf("%.2f", o.CrashMultiplier)
		if o.CrashMultiplier < 1.5 {
			s = lossStyle.Render(s)
		} else if o.CrashMultiplier >= 10 {
			s = warnStyle.Render(s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
