package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Signal 外部预测模型针对下一轮给出的信号（不可变，只消费一次）。
type Signal struct {
	RoundID             int64     `json:"round_id"`
	PredictedMultiplier float64   `json:"predicted_multiplier"`
	Confidence          float64   `json:"confidence"`
	RangeLow            float64   `json:"range_low"`
	RangeHigh           float64   `json:"range_high"`
	SourceModel         string    `json:"source_model"`
	ArrivalTime         time.Time `json:"arrival_time"`
}

// Validate 校验字段完整性；失败时返回包装了 ErrSignalInvalid 的错误。
func (s Signal) Validate() error {
	switch {
	case s.RoundID <= 0:
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d", s.RoundID)
	case s.Confidence < 0 || s.Confidence > 1:
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d confidence=%.4f 超出 [0,1]", s.RoundID, s.Confidence)
	case s.PredictedMultiplier <= BaselineMultiplier:
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d predicted=%.4f 必须大于 1.0", s.RoundID, s.PredictedMultiplier)
	case s.RangeLow > s.RangeHigh:
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d range=[%.4f,%.4f]", s.RoundID, s.RangeLow, s.RangeHigh)
	case strings.TrimSpace(s.SourceModel) == "":
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d source_model 为空", s.RoundID)
	case s.ArrivalTime.IsZero():
		return errors.Wrapf(ErrSignalInvalid, "round_id=%d arrival_time 为空", s.RoundID)
	}
	return nil
}
