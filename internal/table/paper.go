package table

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "table")

// PaperOptions 模拟牌桌参数
type PaperOptions struct {
	Seed      int64
	Balance   float64
	Edge      float64       // 庄家优势，决定爆点分布
	BetWindow time.Duration // 每轮开始前的下注窗口（默认1.5s）
	Growth    float64       // 倍数增长速度：m(t)=e^(Growth*t)（默认0.25/s）
	Now       func() time.Time
}

// Paper 纸交易牌桌：用固定种子的随机数生成爆点，按真实时间推进。
//
// 每轮: WAITING（下注窗口）-> RUNNING（倍数上升）-> 爆点 -> 下一轮 WAITING。
// 状态按调用时刻惰性推进；Run 定期推进，保证没有调用时也能发出轮次事件。
type Paper struct {
	mu   sync.Mutex
	opts PaperOptions
	rng  *rand.Rand

	balance decimal.Decimal

	roundID      int64
	roundStart   time.Time // 下注窗口开始
	runningStart time.Time // 倍数开始上升
	crashAt      float64

	position *position
	failing  map[domain.ExitMethod]bool

	outcomes chan domain.RoundOutcome
	rounds   chan int64
}

type position struct {
	roundID int64
	stake   decimal.Decimal
}

// NewPaper 创建模拟牌桌
func NewPaper(opts PaperOptions) *Paper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BetWindow <= 0 {
		opts.BetWindow = 1500 * time.Millisecond
	}
	if opts.Growth <= 0 {
		opts.Growth = 0.25
	}
	if opts.Balance <= 0 {
		opts.Balance = 1000
	}
	p := &Paper{
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		balance:  decimal.NewFromFloat(opts.Balance),
		failing:  make(map[domain.ExitMethod]bool),
		outcomes: make(chan domain.RoundOutcome, 64),
		rounds:   make(chan int64, 64),
	}
	p.startRound(opts.Now())
	return p
}

// FailExits 让指定出场方式失效（用于演练降级链）
func (p *Paper) FailExits(methods ...domain.ExitMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range methods {
		p.failing[m] = true
	}
}

// CrashMultiplier 按庄家优势生成爆点：(1-edge)/(1-U)，至少 1.00x，保留两位小数
func CrashMultiplier(u, edge float64) float64 {
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	m := (1 - edge) / (1 - u)
	if m < domain.BaselineMultiplier {
		return domain.BaselineMultiplier
	}
	return math.Floor(m*100+1e-9) / 100
}

func (p *Paper) startRound(at time.Time) {
	p.roundID++
	p.roundStart = at
	p.runningStart = at.Add(p.opts.BetWindow)
	p.crashAt = CrashMultiplier(p.rng.Float64(), p.opts.Edge)
	select {
	case p.rounds <- p.roundID:
	default:
	}
}

func (p *Paper) runDuration() time.Duration {
	secs := math.Log(p.crashAt) / p.opts.Growth
	return time.Duration(secs * float64(time.Second))
}

// advance 把状态推进到 now（调用方持有锁）
func (p *Paper) advance(now time.Time) {
	for {
		crashTime := p.runningStart.Add(p.runDuration())
		if now.Before(crashTime) {
			return
		}
		if p.position != nil && p.position.roundID == p.roundID {
			log.WithField("round_id", p.roundID).Debugf("[Paper] 爆点 %.2fx，持仓亏损 %s", p.crashAt, p.position.stake)
			p.position = nil
		}
		out := domain.RoundOutcome{
			RoundID:         p.roundID,
			CrashMultiplier: p.crashAt,
			Duration:        crashTime.Sub(p.runningStart),
			Timestamp:       crashTime,
		}
		select {
		case p.outcomes <- out:
		default:
		}
		p.startRound(crashTime)
	}
}

func (p *Paper) valueAt(now time.Time) (float64, bool) {
	if now.Before(p.runningStart) {
		return 0, false
	}
	v := math.Exp(p.opts.Growth * now.Sub(p.runningStart).Seconds())
	v = math.Floor(v*100+1e-9) / 100
	if v >= p.crashAt {
		return 0, false
	}
	return v, true
}

// Run 定期推进状态，直到 ctx 结束
func (p *Paper) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.advance(p.opts.Now())
			p.mu.Unlock()
		}
	}
}

// Outcomes 已结算轮次
func (p *Paper) Outcomes() <-chan domain.RoundOutcome {
	return p.outcomes
}

// RoundStarts 每轮下注窗口开始时发出轮次号
func (p *Paper) RoundStarts() <-chan int64 {
	return p.rounds
}

func (p *Paper) ReadValue(ctx context.Context) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.advance(now)
	v, ok := p.valueAt(now)
	return v, ok, nil
}

func (p *Paper) ReadBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.opts.Now())
	return p.balance.InexactFloat64(), nil
}

func (p *Paper) Phase(ctx context.Context) (domain.Phase, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.advance(now)
	if _, ok := p.valueAt(now); ok {
		return domain.PhaseRunning, nil
	}
	return domain.PhaseWaiting, nil
}

// SubmitEntry 只在下注窗口内受理
func (p *Paper) SubmitEntry(ctx context.Context, stake float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.advance(now)

	s := decimal.NewFromFloat(stake)
	if !now.Before(p.runningStart) || p.position != nil || s.GreaterThan(p.balance) || !s.IsPositive() {
		return false, nil
	}
	p.balance = p.balance.Sub(s)
	p.position = &position{roundID: p.roundID, stake: s}
	return true, nil
}

// EntryConfirmed 当前轮是否已有持仓
func (p *Paper) EntryConfirmed(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.opts.Now())
	return p.position != nil && p.position.roundID == p.roundID, nil
}

// SubmitExit 以当前倍数兑现持仓
func (p *Paper) SubmitExit(ctx context.Context, method domain.ExitMethod) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.advance(now)

	if p.failing[method] {
		return true, nil // 受理但没有效果
	}
	v, running := p.valueAt(now)
	if p.position == nil || !running {
		return false, nil
	}
	payout := p.position.stake.Mul(decimal.NewFromFloat(v)).Round(2)
	p.balance = p.balance.Add(payout)
	log.WithField("round_id", p.roundID).Debugf("[Paper] 出场 %.2fx via %s payout=%s", v, method, payout)
	p.position = nil
	return true, nil
}
