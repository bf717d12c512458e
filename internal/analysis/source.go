package analysis

import (
	"coincortex/internal/models"
	"context"
	"math"
	"math/rand"
	"sync"
)

// Source produces analysis results for the evaluator. The real GPT
// analysis core lives outside this process; anything satisfying this
// interface can drive the engine.
type Source interface {
	Next(ctx context.Context, symbol string) (models.AnalysisResult, error)
}

var reasonPool = []string{
	"RSI(5m) oversold zone",
	"EMA order indicates short-term weakness",
	"Rising negative MACD histogram",
	"OI decreasing (risk-off behavior)",
}

// SimulatedSource stands in for the analysis core in demo mode and in
// tests. All randomness comes from the injected seed, so a run is fully
// reproducible.
type SimulatedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedSource(seed int64) *SimulatedSource {
	return &SimulatedSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedSource) Next(_ context.Context, symbol string) (models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rsi := 20 + s.rng.Float64()*60
	direction := models.DirectionShort
	if rsi < 30 {
		direction = models.DirectionLong
	}

	confidence := 0.82 + s.rng.Float64()*0.15
	confidence = math.Round(confidence*1000) / 1000

	n := 2 + s.rng.Intn(len(reasonPool)-1)
	reasons := make([]string, n)
	copy(reasons, reasonPool[:n])

	return models.AnalysisResult{
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Reasons:    reasons,
	}, nil
}
