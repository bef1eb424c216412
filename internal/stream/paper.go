package stream

import (
	"context"
	"math/rand"
	"time"

	"github.com/betbot/crashbet/internal/domain"
)

// RoundNotifier 每轮下注窗口开始时推送轮次号（table.Paper 实现）
type RoundNotifier interface {
	RoundStarts() <-chan int64
}

// PaperSource 纸交易信号源：每轮开始时用固定种子生成一条预测信号。
type PaperSource struct {
	rounds RoundNotifier
	rng    *rand.Rand
	model  string
	now    func() time.Time
}

func NewPaperSource(rounds RoundNotifier, seed int64) *PaperSource {
	return &PaperSource{
		rounds: rounds,
		rng:    rand.New(rand.NewSource(seed)),
		model:  "paper",
		now:    time.Now,
	}
}

func (p *PaperSource) Signals(ctx context.Context) (<-chan domain.Signal, error) {
	out := make(chan domain.Signal)
	go func() {
		defer close(out)
		starts := p.rounds.RoundStarts()
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-starts:
				if !ok {
					return
				}
				select {
				case out <- p.next(id):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PaperSource) next(roundID int64) domain.Signal {
	predicted := 1.2 + p.rng.Float64()*3
	spread := 0.2 + p.rng.Float64()*0.8
	low := predicted - spread
	if low < domain.BaselineMultiplier {
		low = domain.BaselineMultiplier
	}
	return domain.Signal{
		RoundID:             roundID,
		PredictedMultiplier: float64(int(predicted*100)) / 100,
		Confidence:          float64(int(p.rng.Float64()*100)) / 100,
		RangeLow:            float64(int(low*100)) / 100,
		RangeHigh:           float64(int((predicted+spread)*100)) / 100,
		SourceModel:         p.model,
		ArrivalTime:         p.now(),
	}
}
