package capital

import (
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return ParamsFromConfig(config.Default().Stake)
}

// base_stake=15，2.0x 赢 -> 21.0, level=1
func TestNextStake_WinCompounds(t *testing.T) {
	step := NextStake(15, domain.ResultWin, 0, 2.0, defaultParams())
	assert.Equal(t, 21.0, step.Stake)
	assert.Equal(t, 1, step.Level)
	assert.False(t, step.Reset)
}

// stake=21.0 输 -> 15.0, level=0
func TestNextStake_LossStepsDown(t *testing.T) {
	step := NextStake(21.0, domain.ResultLoss, 1, 1.3, defaultParams())
	assert.Equal(t, 15.0, step.Stake)
	assert.Equal(t, 0, step.Level)
}

func TestNextStake_ResetCeilingOverridesWin(t *testing.T) {
	step := NextStake(29.4, domain.ResultWin, 2, 10.0, defaultParams())
	assert.Equal(t, Step{Stake: 15, Level: 0, Reset: true, ResetReason: "reset_ceiling"}, step)
}

func TestNextStake_CapsAndOverflow(t *testing.T) {
	p := defaultParams()

	s := NextStake(15, domain.ResultWin, 0, 0, p)
	s = NextStake(s.Stake, domain.ResultWin, s.Level, 0, p)
	assert.Equal(t, 29.4, s.Stake)
	s = NextStake(s.Stake, domain.ResultWin, s.Level, 0, p)
	assert.Equal(t, 41.16, s.Stake)
	assert.Equal(t, 3, s.Level)

	// 已在 max_steps 再赢：溢出重置
	s = NextStake(s.Stake, domain.ResultWin, s.Level, 0, p)
	assert.True(t, s.Reset)
	assert.Equal(t, "level_overflow", s.ResetReason)
	assert.Equal(t, 15.0, s.Stake)

	// 上限
	s = NextStake(55, domain.ResultWin, 1, 0, p)
	assert.Equal(t, 60.0, s.Stake)

	// 输时不低于 base
	s = NextStake(15, domain.ResultLoss, 0, 0, p)
	assert.Equal(t, 15.0, s.Stake)
	assert.Equal(t, 0, s.Level)
}

func TestNextStake_StaysInBounds(t *testing.T) {
	p := defaultParams()
	property := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		stake, level := 15.0, 0
		for i := 0; i < 200; i++ {
			res := domain.ResultLoss
			if r.Intn(2) == 0 {
				res = domain.ResultWin
			}
			crash := 1 + r.ExpFloat64()*3
			step := NextStake(stake, res, level, crash, p)
			if step.Stake < 15 || step.Stake > 60 || step.Level < 0 || step.Level > 3 {
				return false
			}
			stake, level = step.Stake, step.Level
		}
		return true
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 100}))
}

func TestSizer_SettleObserveCrashAndParams(t *testing.T) {
	s := NewSizer(defaultParams())
	assert.Equal(t, domain.StakeState{CurrentStake: 15}, s.State())

	s.Settle(domain.ResultWin, 0)
	s.Settle(domain.ResultWin, 0)
	assert.Equal(t, 29.4, s.State().CurrentStake)
	assert.Equal(t, 2, s.State().CompoundLevel)
	assert.Equal(t, domain.ResultWin, s.State().LastOutcome)

	assert.False(t, s.ObserveCrash(9.99))
	assert.True(t, s.ObserveCrash(15))
	assert.Equal(t, 15.0, s.State().CurrentStake)
	assert.Equal(t, 0, s.State().CompoundLevel)
	assert.False(t, s.ObserveCrash(15), "已经在基础下注时不重复重置")

	s.Settle(domain.ResultWin, 0)
	s.Settle(domain.ResultWin, 0)
	s.Settle(domain.ResultWin, 0)
	assert.True(t, s.AtMaxLevel())

	cfg := config.Default().Stake
	cfg.MaxStake = 30
	cfg.MaxSteps = 2
	s.SetParams(ParamsFromConfig(cfg))
	assert.Equal(t, 30.0, s.State().CurrentStake)
	assert.Equal(t, 2, s.State().CompoundLevel)
}
