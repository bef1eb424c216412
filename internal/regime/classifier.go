package regime

import (
	"sort"
	"sync"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/history"
	"github.com/betbot/crashbet/pkg/cache"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "regime")

const cacheKey = "regime"

// Params 分类阈值。均为经验值，作为策略参数通过配置下发。
type Params struct {
	Window          int
	TTL             time.Duration
	LowMultiplier   float64
	HighMultiplier  float64
	VolatileMedian  float64
	VolatileTailPct float64
	TightMedian     float64
	TightLowPct     float64
	LooseMedian     float64
}

// ParamsFromConfig 从配置快照构造参数
func ParamsFromConfig(c config.RegimeConfig) Params {
	return Params{
		Window:          c.Window,
		TTL:             c.TTL,
		LowMultiplier:   c.LowMultiplier,
		HighMultiplier:  c.HighMultiplier,
		VolatileMedian:  c.VolatileMedian,
		VolatileTailPct: c.VolatileTailPct,
		TightMedian:     c.TightMedian,
		TightLowPct:     c.TightLowPct,
		LooseMedian:     c.LooseMedian,
	}
}

// Stats 窗口统计量
type Stats struct {
	Count       int     `json:"count"`
	Median      float64 `json:"median"`
	PctBelowLow float64 `json:"pct_below_low"` // 低于 LowMultiplier 的比例
	PctHighTail float64 `json:"pct_high_tail"` // >= HighMultiplier 的比例
}

// ComputeStats 计算统计量（纯函数，不修改入参）
func ComputeStats(multipliers []float64, p Params) Stats {
	n := len(multipliers)
	if n == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), multipliers...)
	sort.Float64s(sorted)

	var median float64
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var low, high int
	for _, m := range sorted {
		if m < p.LowMultiplier {
			low++
		}
		if m >= p.HighMultiplier {
			high++
		}
	}
	return Stats{
		Count:       n,
		Median:      median,
		PctBelowLow: float64(low) / float64(n),
		PctHighTail: float64(high) / float64(n),
	}
}

// ClassifyStats 按顺序判定，先命中者生效：VOLATILE -> TIGHT -> LOOSE -> NORMAL
func ClassifyStats(s Stats, p Params) domain.Regime {
	if s.Count == 0 {
		return domain.RegimeNormal
	}
	switch {
	case s.Median > p.VolatileMedian && s.PctHighTail > p.VolatileTailPct:
		return domain.RegimeVolatile
	case s.Median < p.TightMedian && s.PctBelowLow > p.TightLowPct:
		return domain.RegimeTight
	case s.Median > p.LooseMedian:
		return domain.RegimeLoose
	default:
		return domain.RegimeNormal
	}
}

// Classify 对最近若干轮倍数做分类（确定性纯函数）
func Classify(multipliers []float64, p Params) domain.Regime {
	return ClassifyStats(ComputeStats(multipliers, p), p)
}

// Classifier 带 TTL 缓存的分类器。
// 每轮结算后由编排器调用 Invalidate，TTL 到期也会重新计算。
type Classifier struct {
	mu     sync.Mutex
	params Params
	cache  *cache.InMemoryCache[string, domain.Regime]

	last      domain.Regime
	lastStats Stats
}

// NewClassifier 创建分类器
func NewClassifier(p Params) *Classifier {
	return &Classifier{
		params: p,
		cache:  cache.NewInMemoryCache[string, domain.Regime](p.TTL),
		last:   domain.RegimeNormal,
	}
}

// WithClock 替换缓存时钟（测试用）
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.cache.WithClock(now)
	return c
}

// SetParams 热更新参数（在轮次边界调用），同时让缓存失效
func (c *Classifier) SetParams(p Params) {
	c.mu.Lock()
	changed := c.params != p
	c.params = p
	c.mu.Unlock()
	if changed {
		c.cache.SetDefaultTTL(p.TTL)
		c.Invalidate()
	}
}

// Invalidate 让缓存立即失效
func (c *Classifier) Invalidate() {
	c.cache.Delete(cacheKey)
}

// Current 返回当前 regime；缓存有效时直接返回，否则基于窗口重新计算。
// refreshed 表示本次是否重新计算。
func (c *Classifier) Current(w *history.Window) (r domain.Regime, refreshed bool) {
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached, false
	}

	c.mu.Lock()
	p := c.params
	c.mu.Unlock()

	stats := ComputeStats(w.Multipliers(p.Window), p)
	r = ClassifyStats(stats, p)
	c.cache.Set(cacheKey, r, p.TTL)

	c.mu.Lock()
	prev := c.last
	c.last = r
	c.lastStats = stats
	c.mu.Unlock()

	if prev != r {
		log.Infof("regime 变化: %s -> %s (n=%d median=%.2f below=%.0f%% tail=%.0f%%)",
			prev, r, stats.Count, stats.Median, stats.PctBelowLow*100, stats.PctHighTail*100)
	}
	return r, true
}

// LastStats 最近一次计算的统计量
func (c *Classifier) LastStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}
