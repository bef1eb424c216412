package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	start := time.Now()

	r.RoundSkipped(1, "cooldown_active")
	r.RoundSkipped(2, "cooldown_active")
	r.RoundExecuted(domain.ExecutionRecord{
		RoundID: 3, Status: domain.StatusSettledWin, ExitStrategy: domain.ExitMethodPrimary,
		StartedAt: start, FinishedAt: start.Add(3 * time.Second),
	})
	r.RoundExecuted(domain.ExecutionRecord{RoundID: 4, Status: domain.StatusSettledLoss})
	r.RegimeChanged(domain.RegimeTight)
	r.SessionUpdated(domain.SessionState{CumulativeProfit: 40, CumulativeLoss: 15},
		domain.StakeState{CurrentStake: 21, CompoundLevel: 1})
	r.SessionHalted("profit_target")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.rounds.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rounds.WithLabelValues("executed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.skips.WithLabelValues("cooldown_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.exits.WithLabelValues("primary", "settled_win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.exits.WithLabelValues("none", "settled_loss")))
	assert.Equal(t, 25.0, testutil.ToFloat64(r.pnl))
	assert.Equal(t, 21.0, testutil.ToFloat64(r.stake))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.regime.WithLabelValues("TIGHT")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.regime.WithLabelValues("NORMAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.halts.WithLabelValues("profit_target")))
}

func TestStartAsyncServesMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRecorder()
	r.SessionHalted("max_loss")
	srv, err := StartAsync(ctx, "127.0.0.1:0", r)
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `crashbet_halts_total{reason="max_loss"} 1`))

	resp2, err := http.Get("http://" + srv.Addr + "/debug/vars")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
