package evaluator

import (
	"coincortex/config"
	"coincortex/internal/models"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Evaluate maps an analysis result to an approval decision, a take-profit
// ladder and a reward/risk ratio. Pure and deterministic: same inputs,
// same verdict, no side effects.
func Evaluate(analysis models.AnalysisResult, cfg *config.Config) (*models.EvaluationResult, error) {
	if math.IsNaN(analysis.Confidence) || analysis.Confidence < 0 || analysis.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %.4f out of [0,1]", models.ErrInvalidInput, analysis.Confidence)
	}
	if analysis.Direction != models.DirectionLong && analysis.Direction != models.DirectionShort {
		return nil, fmt.Errorf("%w: direction %q", models.ErrInvalidInput, analysis.Direction)
	}
	if err := validateLadder(cfg.TakeProfits, cfg.StopLossPct); err != nil {
		return nil, err
	}
	if cfg.StopLossPct == 0 {
		return nil, fmt.Errorf("%w: stop-loss delta is zero", models.ErrDegenerateRisk)
	}

	// Sum TP deltas and divide by |SL| with decimal math, rounded to two
	// places the way the notifier reports it.
	sum := decimal.Zero
	for _, tp := range cfg.TakeProfits {
		sum = sum.Add(decimal.NewFromFloat(tp.DeltaPct))
	}
	rr := sum.Div(decimal.NewFromFloat(cfg.StopLossPct).Abs()).Round(2)

	// Ladder copied front-to-back: the order is load-bearing, the state
	// machine consumes it lowest magnitude first.
	ladder := make([]models.TargetLevel, len(cfg.TakeProfits))
	copy(ladder, cfg.TakeProfits)

	return &models.EvaluationResult{
		Approved:    analysis.Confidence >= cfg.ApprovalThreshold,
		TakeProfits: ladder,
		StopLoss: models.TargetLevel{
			Label:    "SL",
			DeltaPct: cfg.StopLossPct,
			Fraction: 1.0,
		},
		RewardRisk: rr.InexactFloat64(),
	}, nil
}

func validateLadder(targets []models.TargetLevel, slPct float64) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: empty take-profit ladder", models.ErrInvalidInput)
	}

	prev := 0.0
	total := 0.0
	for _, tp := range targets {
		if tp.DeltaPct <= 0 {
			return fmt.Errorf("%w: %s delta %.2f%% must be positive", models.ErrInvalidInput, tp.Label, tp.DeltaPct)
		}
		if tp.DeltaPct <= prev {
			return fmt.Errorf("%w: ladder not strictly increasing at %s", models.ErrInvalidInput, tp.Label)
		}
		if tp.Fraction <= 0 || tp.Fraction > 1 {
			return fmt.Errorf("%w: %s fraction %.2f out of (0,1]", models.ErrInvalidInput, tp.Label, tp.Fraction)
		}
		prev = tp.DeltaPct
		total += tp.Fraction
	}

	// Fractions across the ladder must consume the whole position.
	if math.Abs(total-1.0) > 1e-9 {
		return fmt.Errorf("%w: ladder fractions sum to %.4f, want 1.0", models.ErrInvalidInput, total)
	}

	if slPct > 0 {
		return fmt.Errorf("%w: stop-loss delta %.2f%% must oppose the take-profits", models.ErrInvalidInput, slPct)
	}
	return nil
}
