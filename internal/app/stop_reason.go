package app

// StopReason records why the daemon is shutting down. It is logged as part
// of the stop sequence and has no behavioral effect.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
