package regime

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/history"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return ParamsFromConfig(config.Default().Regime)
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// median=1.8, 45% 低于 1.5x -> TIGHT
func TestClassify_Tight(t *testing.T) {
	p := defaultParams()
	window := concat(repeat(1.2, 9), repeat(1.8, 2), repeat(2.0, 9))

	s := ComputeStats(window, p)
	assert.InDelta(t, 1.8, s.Median, 1e-9)
	assert.InDelta(t, 0.45, s.PctBelowLow, 1e-9)
	assert.Equal(t, domain.RegimeTight, Classify(window, p))
}

func TestClassify_OrderFirstMatchWins(t *testing.T) {
	p := defaultParams()

	// median 3.5 且 20% >= 10x：VOLATILE 优先于 LOOSE
	volatile := concat(repeat(1.1, 3), repeat(3.5, 5), repeat(12, 2))
	assert.Equal(t, domain.RegimeVolatile, Classify(volatile, p))

	// median 3.5 但没有高尾：LOOSE
	loose := concat(repeat(1.1, 3), repeat(3.5, 7))
	assert.Equal(t, domain.RegimeLoose, Classify(loose, p))

	// median 1.9 但低倍数只占 30%：不满足 TIGHT，落到 NORMAL
	normal := concat(repeat(1.2, 3), repeat(1.9, 4), repeat(2.2, 3))
	assert.Equal(t, domain.RegimeNormal, Classify(normal, p))

	assert.Equal(t, domain.RegimeNormal, Classify(nil, p))
}

func TestClassify_DeterministicAndPure(t *testing.T) {
	p := defaultParams()
	property := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		n := 1 + r.Intn(60)
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = 1 + r.ExpFloat64()*2
		}
		orig := append([]float64(nil), xs...)
		a := Classify(xs, p)
		b := Classify(xs, p)
		for i := range xs {
			if xs[i] != orig[i] {
				return false // 不能修改入参顺序
			}
		}
		return a == b
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

func TestClassifier_CachesUntilTTLOrInvalidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := defaultParams()
	p.Window = 10
	c := NewClassifier(p).WithClock(func() time.Time { return now })

	w := history.New(100)
	for i, m := range repeat(3.5, 10) {
		w.Append(domain.RoundOutcome{RoundID: int64(i + 1), CrashMultiplier: m})
	}

	r, refreshed := c.Current(w)
	assert.True(t, refreshed)
	assert.Equal(t, domain.RegimeLoose, r)

	// 窗口变成 TIGHT，但缓存仍有效
	for i, m := range repeat(1.1, 10) {
		w.Append(domain.RoundOutcome{RoundID: int64(i + 11), CrashMultiplier: m})
	}
	r, refreshed = c.Current(w)
	assert.False(t, refreshed)
	assert.Equal(t, domain.RegimeLoose, r)

	// TTL 到期后重新计算
	now = now.Add(p.TTL)
	r, refreshed = c.Current(w)
	assert.True(t, refreshed)
	assert.Equal(t, domain.RegimeTight, r)
	assert.Equal(t, 10, c.LastStats().Count)

	// 显式失效
	for i, m := range repeat(3.5, 10) {
		w.Append(domain.RoundOutcome{RoundID: int64(i + 21), CrashMultiplier: m})
	}
	c.Invalidate()
	r, refreshed = c.Current(w)
	assert.True(t, refreshed)
	assert.Equal(t, domain.RegimeLoose, r)
}
