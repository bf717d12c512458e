package engine

import (
	"coincortex/internal/models"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the collection of live positions, one state machine per
// position. Lookups take the registry lock briefly; transitions run on
// the machine's own lock, so unrelated positions never wait on each
// other.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*machine
	bySymbol map[string]map[string]*machine
	onEvent  func(models.LifecycleEvent)
}

func NewRegistry(onEvent func(models.LifecycleEvent)) *Registry {
	return &Registry{
		machines: make(map[string]*machine),
		bySymbol: make(map[string]map[string]*machine),
		onEvent:  onEvent,
	}
}

// Register creates a PENDING position's machine, arms its hold timer and
// indexes it by symbol. Returns the position ID.
func (r *Registry) Register(pos *models.Position) string {
	id, _ := r.RegisterWithLimit(pos, 0)
	return id
}

// RegisterWithLimit registers like Register but refuses to grow past max
// live positions. The capacity check and the insert share one critical
// section, so concurrent registrations cannot oversubscribe. max <= 0
// means unlimited.
func (r *Registry) RegisterWithLimit(pos *models.Position, max int) (string, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.Status == "" {
		pos.Status = models.StatusPending
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}

	m := newMachine(pos, r.handleEvent)

	r.mu.Lock()
	if max > 0 && len(r.machines) >= max {
		r.mu.Unlock()
		return "", fmt.Errorf("no free position slots (%d max)", max)
	}
	r.machines[pos.ID] = m
	if r.bySymbol[pos.Symbol] == nil {
		r.bySymbol[pos.Symbol] = make(map[string]*machine)
	}
	r.bySymbol[pos.Symbol][pos.ID] = m
	r.mu.Unlock()

	m.armTimer()
	return pos.ID, nil
}

// handleEvent forwards every LifecycleEvent outward and archives the
// machine when the position goes terminal. Runs on the machine's emit
// lock with its state lock already released; the registry lock is only
// ever taken here, never while a machine lock is wanted.
func (r *Registry) handleEvent(ev models.LifecycleEvent) {
	if ev.NewStatus.Terminal() {
		r.mu.Lock()
		delete(r.machines, ev.PositionID)
		if set := r.bySymbol[ev.Symbol]; set != nil {
			delete(set, ev.PositionID)
			if len(set) == 0 {
				delete(r.bySymbol, ev.Symbol)
			}
		}
		r.mu.Unlock()
	}

	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// Route delivers a price event to every live position on its symbol.
// Returns true when at least one position transitioned. Per-position
// rejections are logged and never stop the rest of the fan-out.
func (r *Registry) Route(ev models.PriceEvent) bool {
	r.mu.RLock()
	targets := make([]*machine, 0, len(r.bySymbol[ev.Symbol]))
	for _, m := range r.bySymbol[ev.Symbol] {
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	applied := false
	for _, m := range targets {
		ok, err := m.applyPrice(ev)
		if err != nil {
			log.Printf("⚠️ Rejected tick for %s: %v", ev.Symbol, err)
			continue
		}
		if ok {
			applied = true
		}
	}
	return applied
}

// ConfirmEntry fills the entry for a pending position.
func (r *Registry) ConfirmEntry(id string, entryPrice float64, ts time.Time) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	return m.confirmEntry(entryPrice, ts)
}

// Cancel closes a position manually. Best-effort: false when a terminal
// transition already won the race.
func (r *Registry) Cancel(id, reason string) (bool, error) {
	m, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return m.cancel(reason), nil
}

// Get returns a read-only snapshot.
func (r *Registry) Get(id string) (models.Position, error) {
	m, err := r.lookup(id)
	if err != nil {
		return models.Position{}, err
	}
	return m.snapshot(), nil
}

// List returns snapshots of live positions matching the filter; a nil
// filter matches everything.
func (r *Registry) List(filter func(models.Position) bool) []models.Position {
	r.mu.RLock()
	machines := make([]*machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	out := make([]models.Position, 0, len(machines))
	for _, m := range machines {
		snap := m.snapshot()
		if filter == nil || filter(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Count reports the number of live (non-terminal) positions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

func (r *Registry) lookup(id string) (*machine, error) {
	r.mu.RLock()
	m, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPosition, id)
	}
	return m, nil
}
