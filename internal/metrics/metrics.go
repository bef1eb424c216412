package metrics

import (
	"expvar"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// expvar 计数（/debug/vars），和 prometheus 指标并存，便于临时排查
var ConfigReloads = expvar.NewInt("config_reloads")

// PublishFunc 把运行时才可读的数值挂到 /debug/vars（重复发布同名变量会被忽略）
func PublishFunc(name string, f func() any) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}

// Recorder 会话观测指标，实现 engine.Observer。
//
//	crashbet_rounds_total{action}         轮次处理结果（skipped|executed）
//	crashbet_skips_total{reason}          跳过原因
//	crashbet_exits_total{strategy,status} 出场方式与终态
//	crashbet_session_pnl                  会话净盈亏
//	crashbet_stake                        当前下注额
//	crashbet_compound_level               当前复利级数
//	crashbet_regime{regime}               当前市场状态（0/1）
//	crashbet_halts_total{reason}          会话停止原因
//	crashbet_round_seconds                单轮执行耗时
type Recorder struct {
	reg *prometheus.Registry

	rounds   *prometheus.CounterVec
	skips    *prometheus.CounterVec
	exits    *prometheus.CounterVec
	pnl      prometheus.Gauge
	stake    prometheus.Gauge
	level    prometheus.Gauge
	regime   *prometheus.GaugeVec
	halts    *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewRecorder 创建并注册全部指标（独立 Registry，测试之间互不影响）
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashbet_rounds_total",
			Help: "Rounds handled, split by action",
		}, []string{"action"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashbet_skips_total",
			Help: "Skipped rounds by reason",
		}, []string{"reason"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashbet_exits_total",
			Help: "Executed rounds by exit strategy and terminal status",
		}, []string{"strategy", "status"}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashbet_session_pnl",
			Help: "Session net profit and loss",
		}),
		stake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashbet_stake",
			Help: "Current stake",
		}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashbet_compound_level",
			Help: "Current compounding level",
		}),
		regime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crashbet_regime",
			Help: "Current market regime as labeled 0/1 series",
		}, []string{"regime"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashbet_halts_total",
			Help: "Session halts by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crashbet_round_seconds",
			Help:    "Duration of an executed round from entry to settlement",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	r.reg.MustRegister(r.rounds, r.skips, r.exits, r.pnl, r.stake, r.level, r.regime, r.halts, r.duration)
	r.reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return r
}

// Registry 供 /metrics 使用
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) RoundSkipped(roundID int64, reason string) {
	r.rounds.WithLabelValues("skipped").Inc()
	r.skips.WithLabelValues(reason).Inc()
}

func (r *Recorder) RoundExecuted(rec domain.ExecutionRecord) {
	r.rounds.WithLabelValues("executed").Inc()
	strategy := string(rec.ExitStrategy)
	if strategy == "" {
		strategy = "none"
	}
	r.exits.WithLabelValues(strategy, string(rec.Status)).Inc()
	if !rec.StartedAt.IsZero() && rec.FinishedAt.After(rec.StartedAt) {
		r.duration.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
}

func (r *Recorder) RegimeChanged(regime domain.Regime) {
	for _, g := range []domain.Regime{domain.RegimeNormal, domain.RegimeTight, domain.RegimeLoose, domain.RegimeVolatile} {
		v := 0.0
		if g == regime {
			v = 1
		}
		r.regime.WithLabelValues(g.String()).Set(v)
	}
}

func (r *Recorder) SessionUpdated(s domain.SessionState, stake domain.StakeState) {
	r.pnl.Set(s.NetPnL())
	r.stake.Set(stake.CurrentStake)
	r.level.Set(float64(stake.CompoundLevel))
}

func (r *Recorder) SessionHalted(reason string) {
	r.halts.WithLabelValues(reason).Inc()
}
