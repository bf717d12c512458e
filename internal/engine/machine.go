package engine

import (
	"coincortex/internal/models"
	"fmt"
	"sync"
	"time"
)

// machine drives the lifecycle of exactly one position. All state
// mutations go through mu, so price events, the hold timer and manual
// cancels for the same position never interleave. Different positions
// have independent machines and transition fully in parallel.
//
// Events leave through deliver: emitMu is taken before mu is released,
// which keeps same-position delivery in transition order while a slow
// consumer never blocks snapshots, timers or cancels.
type machine struct {
	mu     sync.Mutex
	emitMu sync.Mutex
	pos    *models.Position
	timer  *time.Timer
	emit   func(models.LifecycleEvent)
}

func newMachine(pos *models.Position, emit func(models.LifecycleEvent)) *machine {
	return &machine{pos: pos, emit: emit}
}

// armTimer schedules the max-hold expiry. Called once at registration;
// a position that already went terminal in the meantime gets no timer.
func (m *machine) armTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.MaxHold <= 0 || m.pos.Status.Terminal() {
		return
	}
	m.timer = time.AfterFunc(m.pos.MaxHold, m.applyTimeout)
}

func (m *machine) snapshot() models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.Snapshot()
}

// confirmEntry fills the entry and resolves the ladder and stop prices
// against the actual fill. PENDING -> OPEN.
func (m *machine) confirmEntry(entryPrice float64, ts time.Time) error {
	m.mu.Lock()

	p := m.pos
	if p.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrUnknownPosition, p.ID)
	}
	if p.Status != models.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: entry already confirmed for %s", models.ErrStaleEvent, p.ID)
	}
	if entryPrice <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: entry price %.4f", models.ErrInvalidInput, entryPrice)
	}

	p.EntryPrice = entryPrice
	p.CurrentPrice = entryPrice
	for i := range p.Targets {
		p.Targets[i].Price = priceAtDelta(entryPrice, p.Direction, p.Targets[i].DeltaPct)
	}
	p.StopLoss = priceAtDelta(entryPrice, p.Direction, p.StopLossPct)

	m.deliver(m.transition(models.StatusOpen, "entry filled", entryPrice, ts))
	return nil
}

// applyPrice evaluates one tick against the position. Returns true when a
// transition fired. Stop-loss is checked before the ladder: a tick that
// crosses both resolves to CLOSED_SL, the conservative tie-break.
func (m *machine) applyPrice(ev models.PriceEvent) (bool, error) {
	m.mu.Lock()

	p := m.pos
	if p.Status.Terminal() {
		m.mu.Unlock()
		return false, nil
	}
	if ev.Timestamp.Before(p.LastEventAt) {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s tick at %s is older than last applied %s",
			models.ErrStaleEvent, ev.Symbol, ev.Timestamp.Format(time.RFC3339Nano), p.LastEventAt.Format(time.RFC3339Nano))
	}
	if ev.Timestamp.Equal(p.LastEventAt) && !p.LastEventAt.IsZero() {
		// Redelivery of an already-applied event. No-op keeps replays
		// idempotent even when a gap tick crossed several levels.
		m.mu.Unlock()
		return false, nil
	}
	if p.Status == models.StatusPending {
		// Not filled yet, ticks have nothing to act on.
		m.mu.Unlock()
		return false, nil
	}

	p.CurrentPrice = ev.Price
	p.LastEventAt = ev.Timestamp

	// Stop-loss first.
	if adverseCross(p.Direction, ev.Price, p.StopLoss) {
		m.deliver(m.closeRemaining(models.StatusClosedSL, "stop loss hit", ev.Price, ev.Timestamp))
		return true, nil
	}

	// Ladder front-to-back, only the nearest unhit level may fire per
	// event; a gap over several levels consumes one level per tick.
	for i := range p.Targets {
		t := &p.Targets[i]
		if t.Hit {
			continue
		}
		if !favorableCross(p.Direction, ev.Price, t.Price) {
			break
		}

		t.Hit = true
		closed := p.InitialSize * t.Fraction
		if closed > p.Size {
			closed = p.Size
		}
		p.Size -= closed
		p.RealizedPL += pnl(p.Direction, p.EntryPrice, t.Price, closed)

		if !p.BreakEven {
			// First TP hit moves the stop to entry, atomically with the
			// fill, and it never moves back.
			p.BreakEven = true
			moveStopTowardEntry(p)
		}

		if m.allTargetsHit() {
			p.Size = 0
			m.stopTimer()
			m.deliver(m.transition(models.StatusClosedTP, fmt.Sprintf("%s hit, final target", t.Label), ev.Price, ev.Timestamp))
		} else {
			m.deliver(m.transition(models.StatusPartial,
				fmt.Sprintf("%s hit at %.4f, closed %.0f%%", t.Label, t.Price, t.Fraction*100),
				ev.Price, ev.Timestamp))
		}
		return true, nil
	}

	m.mu.Unlock()
	return false, nil
}

// applyTimeout fires once from the hold timer; racing price events are
// serialized through mu, so a terminal position is left alone.
func (m *machine) applyTimeout() {
	m.mu.Lock()
	if m.pos.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.deliver(m.closeRemaining(models.StatusClosedTimeout, "max hold elapsed", m.pos.CurrentPrice, time.Now()))
}

// cancel is best-effort: a position already closed by a concurrent event
// turns the cancel into a no-op.
func (m *machine) cancel(reason string) bool {
	m.mu.Lock()
	if m.pos.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.deliver(m.closeRemaining(models.StatusClosedManual, reason, m.pos.CurrentPrice, time.Now()))
	return true
}

// closeRemaining settles whatever size is left at the given price and
// transitions to a terminal status. Caller holds mu.
func (m *machine) closeRemaining(status models.PositionStatus, reason string, price float64, ts time.Time) models.LifecycleEvent {
	p := m.pos
	if p.Size > 0 && p.EntryPrice > 0 && price > 0 {
		p.RealizedPL += pnl(p.Direction, p.EntryPrice, price, p.Size)
	}
	p.Size = 0
	m.stopTimer()
	return m.transition(status, reason, price, ts)
}

// transition flips the status and builds the LifecycleEvent with a
// post-mutation snapshot. Caller holds mu and hands the event to deliver.
func (m *machine) transition(status models.PositionStatus, reason string, price float64, ts time.Time) models.LifecycleEvent {
	p := m.pos
	prev := p.Status
	p.Status = status

	return models.LifecycleEvent{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		PreviousStatus: prev,
		NewStatus:      status,
		Reason:         reason,
		Price:          price,
		Timestamp:      ts,
		Snapshot:       p.Snapshot(),
	}
}

// deliver hands one event to the emit chain. Caller holds mu; emitMu is
// taken first, then mu is released for the duration of the delivery, so
// a slow consumer holds up neither state reads nor racing transitions'
// mutations, only their delivery order behind this one.
func (m *machine) deliver(ev models.LifecycleEvent) {
	m.emitMu.Lock()
	m.mu.Unlock()
	if m.emit != nil {
		m.emit(ev)
	}
	m.emitMu.Unlock()
}

func (m *machine) allTargetsHit() bool {
	for _, t := range m.pos.Targets {
		if !t.Hit {
			return false
		}
	}
	return true
}

// stopTimer disarms the hold timer. Caller holds mu.
func (m *machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
	}
}

// moveStopTowardEntry relocates the stop to break-even. The guard keeps
// the stop from ever moving away from entry again.
func moveStopTowardEntry(p *models.Position) {
	if p.Direction == models.DirectionLong {
		if p.StopLoss < p.EntryPrice {
			p.StopLoss = p.EntryPrice
		}
	} else {
		if p.StopLoss > p.EntryPrice {
			p.StopLoss = p.EntryPrice
		}
	}
}

// priceAtDelta resolves a percent distance into a price level. Positive
// deltas are favorable moves, negative deltas adverse ones, for either
// direction.
func priceAtDelta(entry float64, direction string, deltaPct float64) float64 {
	if direction == models.DirectionLong {
		return entry * (1 + deltaPct/100)
	}
	return entry * (1 - deltaPct/100)
}

func favorableCross(direction string, price, level float64) bool {
	if direction == models.DirectionLong {
		return price >= level
	}
	return price <= level
}

func adverseCross(direction string, price, stop float64) bool {
	if direction == models.DirectionLong {
		return price <= stop
	}
	return price >= stop
}

func pnl(direction string, entry, exit, notional float64) float64 {
	if direction == models.DirectionLong {
		return (exit - entry) / entry * notional
	}
	return (entry - exit) / entry * notional
}
