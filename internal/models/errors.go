package models

import "errors"

// Error taxonomy for the evaluator and the position engine. Callers match
// with errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidInput - malformed AnalysisResult or configuration,
	// rejected before any state mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateRisk - stop-loss delta of zero, evaluation fails closed.
	ErrDegenerateRisk = errors.New("degenerate risk")

	// ErrStaleEvent - event rejected by a position's state machine
	// (non-monotonic timestamp); the position is unaffected.
	ErrStaleEvent = errors.New("stale event")

	// ErrUnknownPosition - event references a nonexistent or already
	// archived position.
	ErrUnknownPosition = errors.New("unknown position")
)
