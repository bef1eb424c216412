package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignal() Signal {
	return Signal{
		RoundID:             12,
		PredictedMultiplier: 2.1,
		Confidence:          0.7,
		RangeLow:            1.6,
		RangeHigh:           2.8,
		SourceModel:         "lstm",
		ArrivalTime:         time.Now(),
	}
}

func TestSignalValidate(t *testing.T) {
	require.NoError(t, validSignal().Validate())

	cases := map[string]func(*Signal){
		"round_id":   func(s *Signal) { s.RoundID = 0 },
		"confidence": func(s *Signal) { s.Confidence = 1.2 },
		"negative":   func(s *Signal) { s.Confidence = -0.1 },
		"predicted":  func(s *Signal) { s.PredictedMultiplier = 1.0 },
		"range":      func(s *Signal) { s.RangeLow, s.RangeHigh = 3, 2 },
		"model":      func(s *Signal) { s.SourceModel = "  " },
		"arrival":    func(s *Signal) { s.ArrivalTime = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSignal()
			mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSignalInvalid), "got %v", err)
		})
	}
}

func TestExecutionRecordResult(t *testing.T) {
	cases := []struct {
		status  ExecStatus
		result  RoundResult
		counted bool
	}{
		{StatusSettledWin, ResultWin, true},
		{StatusSettledLoss, ResultLoss, true},
		{StatusFailedExit, ResultLoss, true},
		{StatusAborted, ResultNone, false},
	}
	for _, c := range cases {
		r := ExecutionRecord{Status: c.status}
		assert.Equal(t, c.result, r.Result(), c.status)
		assert.Equal(t, c.counted, r.Counted(), c.status)
		assert.True(t, c.status.Terminal())
	}
	assert.False(t, ExecStatus("pending").Terminal())
}

func TestRegimeText(t *testing.T) {
	b, err := json.Marshal(map[string]Regime{"r": RegimeVolatile})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":"VOLATILE"}`, string(b))

	r, ok := ParseRegime("tight")
	assert.True(t, ok)
	assert.Equal(t, RegimeTight, r)
	r, ok = ParseRegime(" Loose ")
	assert.True(t, ok)
	assert.Equal(t, RegimeLoose, r)
	_, ok = ParseRegime("sideways")
	assert.False(t, ok)
}

func TestSessionState(t *testing.T) {
	start := time.Now()
	s := SessionState{StartTime: start, CumulativeProfit: 50, CumulativeLoss: 80}
	assert.Equal(t, -30.0, s.NetPnL())
	assert.Equal(t, time.Minute, s.Elapsed(start.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), SessionState{}.Elapsed(start))
	assert.True(t, RoundOutcome{CrashMultiplier: 10}.IsHighMultiplier(10))
	assert.False(t, RoundOutcome{CrashMultiplier: 10}.IsHighMultiplier(0))
}
