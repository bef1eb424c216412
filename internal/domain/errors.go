package domain

import "errors"

// 错误分类。调用方用 errors.Is 判断，具体上下文由 pkg/errors.Wrapf 附加。
var (
	ErrSignalInvalid      = errors.New("signal invalid")
	ErrStaleSignal        = errors.New("stale or duplicate signal")
	ErrEntryFailed        = errors.New("entry failed")
	ErrExitFailed         = errors.New("exit failed")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrConfigInvalid      = errors.New("config invalid")
	ErrSessionHalted      = errors.New("session halted")
	ErrExecutorBusy       = errors.New("round executor busy")
)
