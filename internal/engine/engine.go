package engine

import (
	"coincortex/config"
	"coincortex/internal/analysis"
	"coincortex/internal/evaluator"
	"coincortex/internal/exchange"
	"coincortex/internal/models"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// TradingEngine ties the evaluator, the position registry and the event
// dispatcher together and is the command surface an owning process talks
// to: evaluate, create, confirm, tick, cancel, inspect.
type TradingEngine struct {
	exchange   exchange.Client
	source     analysis.Source
	registry   *Registry
	dispatcher *Dispatcher

	trades       []*models.Trade
	maxPositions int
	positionSize float64
	isRunning    bool
	mu           sync.RWMutex
	stopChan     chan struct{}

	onSignal    func(models.AnalysisResult, models.EvaluationResult)
	onLifecycle func(models.LifecycleEvent)

	cfg *config.Config
}

func NewTradingEngine(
	exchangeClient exchange.Client,
	source analysis.Source,
	cfg *config.Config,
) *TradingEngine {
	e := &TradingEngine{
		exchange:     exchangeClient,
		source:       source,
		trades:       make([]*models.Trade, 0),
		maxPositions: cfg.MaxPositions,
		positionSize: cfg.PositionSize,
		stopChan:     make(chan struct{}),
		cfg:          cfg,
	}
	e.registry = NewRegistry(e.handleLifecycleEvent)
	e.dispatcher = NewDispatcher(e.registry)
	return e
}

func (e *TradingEngine) SetCallbacks(
	onSignal func(models.AnalysisResult, models.EvaluationResult),
	onLifecycle func(models.LifecycleEvent),
) {
	e.onSignal = onSignal
	e.onLifecycle = onLifecycle
}

func (e *TradingEngine) Start() {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	log.Println("🚀 Trading Engine started")

	go e.signalLoop()
}

func (e *TradingEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}

	e.isRunning = false
	close(e.stopChan)
	log.Println("⏸️ Trading Engine stopped")
}

// Shutdown stops the signal loop and the dispatcher. Open positions are
// left to the caller (main cancels them on exit).
func (e *TradingEngine) Shutdown() {
	e.Stop()
	e.dispatcher.Stop()
}

func (e *TradingEngine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *TradingEngine) signalLoop() {
	ticker := time.NewTicker(e.cfg.SignalInterval)
	defer ticker.Stop()

	// Run immediately on start
	e.runSignalPass()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if e.GetFreeSlots() > 0 {
				e.runSignalPass()
			}
		}
	}
}

func (e *TradingEngine) runSignalPass() {
	ctx := context.Background()
	log.Println("═══════════════════════════════════════════════════════════")
	log.Printf("🔍 SIGNAL PASS (%d symbols, %d free slots)", len(e.cfg.Symbols), e.GetFreeSlots())

	for _, symbol := range e.cfg.Symbols {
		if e.GetFreeSlots() <= 0 {
			log.Println("⚠️ No more free slots, stopping pass")
			break
		}

		result, err := e.source.Next(ctx, symbol)
		if err != nil {
			log.Printf("❌ Analysis failed for %s: %v", symbol, err)
			continue
		}

		if _, _, err := e.ProcessSignal(ctx, result); err != nil {
			log.Printf("❌ Signal rejected for %s: %v", symbol, err)
		}
	}
	log.Println("═══════════════════════════════════════════════════════════")
}

// ProcessSignal runs one analysis result through the evaluator and, when
// approved, opens and entry-fills a position. The returned position is a
// snapshot; nil when the signal was not approved.
func (e *TradingEngine) ProcessSignal(ctx context.Context, result models.AnalysisResult) (*models.EvaluationResult, *models.Position, error) {
	eval, err := evaluator.Evaluate(result, e.cfg)
	if err != nil {
		return nil, nil, err
	}

	if e.onSignal != nil {
		e.onSignal(result, *eval)
	}

	if !eval.Approved {
		log.Printf("⚠️ %s %s not approved (confidence %.1f%% < %.1f%%)",
			result.Direction, result.Symbol, result.Confidence*100, e.cfg.ApprovalThreshold*100)
		return eval, nil, nil
	}

	log.Printf("✅ APPROVED: %s %s | Confidence: %.1f%% | R/R: %.2f",
		result.Direction, result.Symbol, result.Confidence*100, eval.RewardRisk)

	id, err := e.CreatePosition(result, eval)
	if err != nil {
		return eval, nil, err
	}

	fillPrice, err := e.exchange.FillEntry(ctx, result.Symbol, result.Direction, e.positionSize)
	if err != nil {
		// Entry never filled; drop the pending position.
		if _, cancelErr := e.registry.Cancel(id, "entry fill failed"); cancelErr != nil {
			log.Printf("⚠️ Failed to drop pending position %s: %v", id, cancelErr)
		}
		return eval, nil, fmt.Errorf("entry fill for %s: %w", result.Symbol, err)
	}

	if err := e.ConfirmEntry(id, fillPrice); err != nil {
		// The hold timer can expire between the fill and its
		// confirmation; hand the filled size back so the balance stays
		// consistent.
		refund := &models.Trade{
			Symbol:       result.Symbol,
			Direction:    result.Direction,
			EntryPrice:   fillPrice,
			ExitPrice:    fillPrice,
			PositionSize: e.positionSize,
			OpenTime:     time.Now(),
			CloseTime:    time.Now(),
			CloseReason:  "REFUND",
		}
		if settleErr := e.exchange.Settle(ctx, refund); settleErr != nil {
			log.Printf("⚠️ Refund failed for %s: %v", result.Symbol, settleErr)
		}
		return eval, nil, err
	}

	snap, err := e.registry.Get(id)
	if err != nil {
		return eval, nil, err
	}
	return eval, &snap, nil
}

// CreatePosition registers a PENDING position for an approved evaluation
// and returns its ID. The hold timer starts now. The slot limit is
// enforced inside the registry so concurrent signals cannot oversubscribe.
func (e *TradingEngine) CreatePosition(result models.AnalysisResult, eval *models.EvaluationResult) (string, error) {
	if !eval.Approved {
		return "", fmt.Errorf("%w: cannot create position for unapproved signal", models.ErrInvalidInput)
	}

	targets := make([]models.TargetLevel, len(eval.TakeProfits))
	copy(targets, eval.TakeProfits)

	pos := &models.Position{
		Symbol:      result.Symbol,
		Direction:   result.Direction,
		Confidence:  result.Confidence,
		Size:        e.positionSize,
		InitialSize: e.positionSize,
		Targets:     targets,
		StopLossPct: eval.StopLoss.DeltaPct,
		RewardRisk:  eval.RewardRisk,
		Reasons:     append([]string(nil), result.Reasons...),
		OpenedAt:    time.Now(),
		MaxHold:     e.cfg.MaxHold,
		Status:      models.StatusPending,
	}

	return e.registry.RegisterWithLimit(pos, e.maxPositions)
}

// ConfirmEntry reports the entry fill for a pending position.
func (e *TradingEngine) ConfirmEntry(id string, entryPrice float64) error {
	return e.registry.ConfirmEntry(id, entryPrice, time.Now())
}

// SubmitPriceEvent feeds one tick into the dispatcher.
func (e *TradingEngine) SubmitPriceEvent(ev models.PriceEvent) {
	e.dispatcher.Submit(ev)
}

// CancelPosition closes a position manually. A position already closed by
// a concurrent event makes this a no-op, not an error.
func (e *TradingEngine) CancelPosition(id string) error {
	applied, err := e.registry.Cancel(id, "manual close")
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("⚠️ Cancel for %s dropped: already terminal", id)
	}
	return nil
}

func (e *TradingEngine) CancelAllPositions() {
	for _, pos := range e.registry.List(nil) {
		if err := e.CancelPosition(pos.ID); err != nil && !errors.Is(err, models.ErrUnknownPosition) {
			log.Printf("❌ Failed to cancel %s: %v", pos.ID, err)
		}
	}
}

// GetPosition returns a read-only snapshot.
func (e *TradingEngine) GetPosition(id string) (models.Position, error) {
	return e.registry.Get(id)
}

// ListOpenPositions returns snapshots of every live position.
func (e *TradingEngine) ListOpenPositions() []models.Position {
	return e.registry.List(nil)
}

func (e *TradingEngine) GetTrades() []*models.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	trades := make([]*models.Trade, len(e.trades))
	copy(trades, e.trades)
	return trades
}

func (e *TradingEngine) GetMaxPositions() int {
	return e.maxPositions
}

func (e *TradingEngine) GetFreeSlots() int {
	return e.maxPositions - e.registry.Count()
}

func (e *TradingEngine) GetBalance(ctx context.Context) (float64, error) {
	return e.exchange.GetBalance(ctx)
}

// handleLifecycleEvent runs on every transition: log it, archive the
// trade on terminal, settle with the exchange, forward to the notifier.
func (e *TradingEngine) handleLifecycleEvent(ev models.LifecycleEvent) {
	log.Printf("🔄 %s %s: %s → %s | %s | Price: %.4f",
		ev.Snapshot.Direction, ev.Symbol, ev.PreviousStatus, ev.NewStatus, ev.Reason, ev.Price)

	// A position canceled before its entry fill never became a trade;
	// there is nothing to archive or settle for it.
	if ev.NewStatus.Terminal() && ev.Snapshot.EntryPrice > 0 {
		trade := tradeFromSnapshot(ev)

		e.mu.Lock()
		e.trades = append(e.trades, trade)
		e.mu.Unlock()

		if err := e.exchange.Settle(context.Background(), trade); err != nil {
			log.Printf("⚠️ Settle failed for %s: %v", ev.Symbol, err)
		}

		log.Printf("🎯 Closed %s %s | %.4f → %.4f | P&L: %+.2f USDT (%+.2f%%) | Reason: %s | Duration: %s",
			trade.Direction, trade.Symbol, trade.EntryPrice, trade.ExitPrice,
			trade.RealizedPL, trade.PLPercent, trade.CloseReason, formatDuration(trade.Duration))
	}

	if e.onLifecycle != nil {
		e.onLifecycle(ev)
	}
}

func tradeFromSnapshot(ev models.LifecycleEvent) *models.Trade {
	snap := ev.Snapshot

	plPercent := 0.0
	if snap.InitialSize > 0 {
		plPercent = snap.RealizedPL / snap.InitialSize * 100
	}

	return &models.Trade{
		Symbol:       snap.Symbol,
		Direction:    snap.Direction,
		EntryPrice:   snap.EntryPrice,
		ExitPrice:    ev.Price,
		PositionSize: snap.InitialSize,
		RealizedPL:   snap.RealizedPL,
		PLPercent:    plPercent,
		OpenTime:     snap.OpenedAt,
		CloseTime:    ev.Timestamp,
		Duration:     ev.Timestamp.Sub(snap.OpenedAt),
		CloseReason:  closeReason(ev.NewStatus),
	}
}

func closeReason(status models.PositionStatus) string {
	switch status {
	case models.StatusClosedTP:
		return "TP"
	case models.StatusClosedSL:
		return "SL"
	case models.StatusClosedTimeout:
		return "TIMEOUT"
	case models.StatusClosedManual:
		return "MANUAL"
	}
	return string(status)
}

// GetStats aggregates the archived trades plus unrealized P&L on live
// positions.
func (e *TradingEngine) GetStats() *models.Stats {
	e.mu.RLock()
	trades := make([]*models.Trade, len(e.trades))
	copy(trades, e.trades)
	e.mu.RUnlock()

	stats := &models.Stats{}

	stats.TotalTrades = len(trades)
	for _, t := range trades {
		if t.RealizedPL > 0 {
			stats.ProfitableTrades++
			stats.AvgProfit += t.RealizedPL
			if t.RealizedPL > stats.MaxProfit {
				stats.MaxProfit = t.RealizedPL
			}
		} else {
			stats.LosingTrades++
			stats.AvgLoss += t.RealizedPL
			if t.RealizedPL < stats.MaxLoss {
				stats.MaxLoss = t.RealizedPL
			}
		}
		stats.RealizedPL += t.RealizedPL
		stats.AvgHoldTime += t.Duration
	}

	if stats.ProfitableTrades > 0 {
		stats.AvgProfit /= float64(stats.ProfitableTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss /= float64(stats.LosingTrades)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.ProfitableTrades) / float64(stats.TotalTrades) * 100
		stats.AvgHoldTime /= time.Duration(stats.TotalTrades)
	}

	for _, p := range e.registry.List(nil) {
		if p.EntryPrice > 0 && p.CurrentPrice > 0 {
			stats.UnrealizedPL += pnl(p.Direction, p.EntryPrice, p.CurrentPrice, p.Size)
		}
	}

	stats.TotalPL = stats.RealizedPL + stats.UnrealizedPL

	return stats
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
