package models

import "time"

// Direction of a signal or position
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// AnalysisResult is what the analysis core hands to the evaluator.
// Immutable once produced.
type AnalysisResult struct {
	Symbol     string
	Direction  string  // "LONG" or "SHORT"
	Confidence float64 // 0..1
	Reasons    []string
}

// TargetLevel is one rung of the take-profit ladder. DeltaPct is the
// configured distance from entry in percent; Price is resolved once the
// entry fill is known. Fraction is the share of the position closed when
// the level is hit.
type TargetLevel struct {
	Label    string
	DeltaPct float64
	Price    float64
	Fraction float64
	Hit      bool
}

// EvaluationResult is the evaluator's verdict for one AnalysisResult.
type EvaluationResult struct {
	Approved    bool
	TakeProfits []TargetLevel
	StopLoss    TargetLevel
	RewardRisk  float64
}

// PositionStatus lifecycle states
type PositionStatus string

const (
	StatusPending       PositionStatus = "PENDING"
	StatusOpen          PositionStatus = "OPEN"
	StatusPartial       PositionStatus = "PARTIAL"
	StatusClosedTP      PositionStatus = "CLOSED_TP"
	StatusClosedSL      PositionStatus = "CLOSED_SL"
	StatusClosedTimeout PositionStatus = "CLOSED_TIMEOUT"
	StatusClosedManual  PositionStatus = "CLOSED_MANUAL"
)

// Terminal reports whether the status is a final one.
func (s PositionStatus) Terminal() bool {
	switch s {
	case StatusClosedTP, StatusClosedSL, StatusClosedTimeout, StatusClosedManual:
		return true
	}
	return false
}

// Position is the mutable unit of trade-lifecycle tracking. It is owned
// exclusively by its state machine inside the registry; everyone else
// works on snapshots.
type Position struct {
	ID           string
	Symbol       string
	Direction    string // "LONG" or "SHORT"
	Confidence   float64
	EntryPrice   float64
	Size         float64 // remaining notional in USDT
	InitialSize  float64
	Targets      []TargetLevel
	StopLoss     float64 // price level; moves to entry after first TP hit
	StopLossPct  float64
	BreakEven    bool
	RewardRisk   float64
	Reasons      []string
	OpenedAt     time.Time
	MaxHold      time.Duration
	Status       PositionStatus
	LastEventAt  time.Time
	CurrentPrice float64
	RealizedPL   float64 // accumulated over partial and final exits, USDT
}

// Snapshot returns a read-only copy with its own ladder and reasons.
func (p *Position) Snapshot() Position {
	c := *p
	c.Targets = make([]TargetLevel, len(p.Targets))
	copy(c.Targets, p.Targets)
	c.Reasons = make([]string, len(p.Reasons))
	copy(c.Reasons, p.Reasons)
	return c
}

// PriceEvent is one tick from the market feed.
type PriceEvent struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// LifecycleEvent is emitted on every status change or partial fill and
// never mutated afterwards.
type LifecycleEvent struct {
	PositionID     string
	Symbol         string
	PreviousStatus PositionStatus
	NewStatus      PositionStatus
	Reason         string
	Price          float64
	Timestamp      time.Time
	Snapshot       Position
}

// Trade represents an archived (fully closed) position
type Trade struct {
	Symbol       string
	Direction    string
	EntryPrice   float64
	ExitPrice    float64
	PositionSize float64
	RealizedPL   float64
	PLPercent    float64
	OpenTime     time.Time
	CloseTime    time.Time
	Duration     time.Duration
	CloseReason  string // "TP", "SL", "TIMEOUT", "MANUAL"
}

// Stats represents trading statistics
type Stats struct {
	TotalTrades      int
	ProfitableTrades int
	LosingTrades     int
	TotalPL          float64
	RealizedPL       float64
	UnrealizedPL     float64
	WinRate          float64
	AvgProfit        float64
	AvgLoss          float64
	MaxProfit        float64
	MaxLoss          float64
	AvgHoldTime      time.Duration
}
