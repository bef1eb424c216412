package history

import (
	"testing"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(id int64, m float64) domain.RoundOutcome {
	return domain.RoundOutcome{RoundID: id, CrashMultiplier: m}
}

func TestWindow_EvictsOldestPastCapacity(t *testing.T) {
	w := New(3)
	for i := int64(1); i <= 5; i++ {
		w.Append(outcome(i, float64(i)))
	}

	require.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())

	got := w.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].RoundID, got[1].RoundID, got[2].RoundID})

	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, int64(5), last.RoundID)

	third, ok := w.Previous(3)
	require.True(t, ok)
	assert.Equal(t, int64(3), third.RoundID)

	_, ok = w.Previous(4)
	assert.False(t, ok)
}

func TestWindow_LastNAndMultipliers(t *testing.T) {
	w := New(0)
	assert.Equal(t, DefaultCapacity, w.Cap())

	_, ok := w.Last()
	assert.False(t, ok)
	assert.Nil(t, w.LastN(3))

	w.Append(outcome(1, 1.2))
	w.Append(outcome(2, 2.5))
	w.Append(outcome(3, 11))

	assert.Equal(t, []float64{2.5, 11}, w.Multipliers(2))
	assert.Equal(t, []float64{1.2, 2.5, 11}, w.Multipliers(10))
}
