package engine

import (
	"coincortex/internal/models"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (l *eventLog) emit(ev models.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []models.LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LifecycleEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) statuses() []models.PositionStatus {
	var out []models.PositionStatus
	for _, ev := range l.all() {
		out = append(out, ev.NewStatus)
	}
	return out
}

func testPosition(direction string) *models.Position {
	return &models.Position{
		ID:        "pos-1",
		Symbol:    "BTCUSDT",
		Direction: direction,
		Size:      100, InitialSize: 100,
		Targets: []models.TargetLevel{
			{Label: "TP1", DeltaPct: 0.35, Fraction: 0.5},
			{Label: "TP2", DeltaPct: 0.85, Fraction: 0.5},
		},
		StopLossPct: -0.45,
		OpenedAt:    time.Now(),
		MaxHold:     time.Hour,
		Status:      models.StatusPending,
	}
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

func tick(price float64, offset time.Duration) models.PriceEvent {
	return models.PriceEvent{Symbol: "BTCUSDT", Price: price, Timestamp: t0.Add(offset)}
}

func openMachine(t *testing.T, direction string) (*machine, *eventLog) {
	t.Helper()
	logCollector := &eventLog{}
	m := newMachine(testPosition(direction), logCollector.emit)
	if err := m.confirmEntry(100.0, t0); err != nil {
		t.Fatalf("confirmEntry error: %v", err)
	}
	return m, logCollector
}

func TestConfirmEntryResolvesLevels(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	snap := m.snapshot()
	if snap.Status != models.StatusOpen {
		t.Fatalf("status = %s, want OPEN", snap.Status)
	}
	if !approx(snap.Targets[0].Price, 100.35) || !approx(snap.Targets[1].Price, 100.85) {
		t.Errorf("target prices = %.4f, %.4f, want 100.35, 100.85", snap.Targets[0].Price, snap.Targets[1].Price)
	}
	if !approx(snap.StopLoss, 99.55) {
		t.Errorf("stop loss = %.4f, want 99.55", snap.StopLoss)
	}

	evs := events.all()
	if len(evs) != 1 || evs[0].PreviousStatus != models.StatusPending || evs[0].NewStatus != models.StatusOpen {
		t.Errorf("entry events = %+v, want one PENDING→OPEN", evs)
	}
}

func TestConfirmEntryTwiceRejected(t *testing.T) {
	m, _ := openMachine(t, models.DirectionLong)
	if err := m.confirmEntry(101.0, t0.Add(time.Second)); !errors.Is(err, models.ErrStaleEvent) {
		t.Errorf("second confirmEntry error = %v, want ErrStaleEvent", err)
	}
}

func TestShortLevelsMirror(t *testing.T) {
	m, _ := openMachine(t, models.DirectionShort)

	snap := m.snapshot()
	if !approx(snap.Targets[0].Price, 99.65) || !approx(snap.Targets[1].Price, 99.15) {
		t.Errorf("short target prices = %.4f, %.4f, want 99.65, 99.15", snap.Targets[0].Price, snap.Targets[1].Price)
	}
	if !approx(snap.StopLoss, 100.45) {
		t.Errorf("short stop loss = %.4f, want 100.45", snap.StopLoss)
	}
}

func TestPartialFillMovesStopToBreakEven(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	applied, err := m.applyPrice(tick(100.40, time.Second))
	if err != nil || !applied {
		t.Fatalf("applyPrice = (%v, %v), want (true, nil)", applied, err)
	}

	snap := m.snapshot()
	if snap.Status != models.StatusPartial {
		t.Errorf("status = %s, want PARTIAL", snap.Status)
	}
	if !snap.Targets[0].Hit || snap.Targets[1].Hit {
		t.Errorf("hit flags = %v/%v, want TP1 only", snap.Targets[0].Hit, snap.Targets[1].Hit)
	}
	if snap.Size != 50 {
		t.Errorf("size = %.2f, want 50", snap.Size)
	}
	if snap.StopLoss != snap.EntryPrice {
		t.Errorf("stop loss = %.4f, want exactly entry %.4f", snap.StopLoss, snap.EntryPrice)
	}
	if !snap.BreakEven {
		t.Error("break-even flag not set")
	}

	got := events.statuses()
	want := []models.PositionStatus{models.StatusOpen, models.StatusPartial}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("event statuses = %v, want %v", got, want)
	}
}

func TestStopNeverMovesAwayFromEntry(t *testing.T) {
	m, _ := openMachine(t, models.DirectionLong)

	m.applyPrice(tick(100.40, time.Second))
	m.applyPrice(tick(100.60, 2*time.Second))
	m.applyPrice(tick(100.50, 3*time.Second))

	snap := m.snapshot()
	if snap.StopLoss != snap.EntryPrice {
		t.Errorf("stop loss drifted to %.4f after break-even, want %.4f", snap.StopLoss, snap.EntryPrice)
	}
}

func TestFinalTargetCloses(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	m.applyPrice(tick(100.40, time.Second))
	applied, err := m.applyPrice(tick(100.90, 2*time.Second))
	if err != nil || !applied {
		t.Fatalf("applyPrice = (%v, %v), want (true, nil)", applied, err)
	}

	snap := m.snapshot()
	if snap.Status != models.StatusClosedTP {
		t.Errorf("status = %s, want CLOSED_TP", snap.Status)
	}
	if snap.Size != 0 {
		t.Errorf("size = %.2f, want 0", snap.Size)
	}

	// 50 USDT at +0.35% plus 50 USDT at +0.85%
	wantPL := (100.35-100)/100*50 + (100.85-100)/100*50
	if diff := snap.RealizedPL - wantPL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("realized P&L = %.6f, want %.6f", snap.RealizedPL, wantPL)
	}

	got := events.statuses()
	want := []models.PositionStatus{models.StatusOpen, models.StatusPartial, models.StatusClosedTP}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("event statuses = %v, want %v", got, want)
	}
}

func TestGapTickConsumesOneLevelOnly(t *testing.T) {
	m, _ := openMachine(t, models.DirectionLong)

	// One tick gaps over both levels; only the nearest unhit one fires.
	m.applyPrice(tick(101.0, time.Second))

	snap := m.snapshot()
	if snap.Status != models.StatusPartial {
		t.Fatalf("status = %s, want PARTIAL after gap tick", snap.Status)
	}
	if snap.Targets[1].Hit {
		t.Error("TP2 hit on the same tick as TP1, double-count")
	}

	// The next tick may consume the second level.
	m.applyPrice(tick(101.0, 2*time.Second))
	if snap = m.snapshot(); snap.Status != models.StatusClosedTP {
		t.Errorf("status = %s, want CLOSED_TP after second tick", snap.Status)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	ev := tick(101.0, time.Second)
	if applied, err := m.applyPrice(ev); !applied || err != nil {
		t.Fatalf("first delivery = (%v, %v), want (true, nil)", applied, err)
	}
	before := m.snapshot()
	beforeEvents := len(events.all())

	applied, err := m.applyPrice(ev)
	if applied || err != nil {
		t.Fatalf("redelivery = (%v, %v), want (false, nil)", applied, err)
	}

	after := m.snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("snapshot changed on replay:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := len(events.all()); got != beforeEvents {
		t.Errorf("replay emitted %d extra events", got-beforeEvents)
	}
}

func TestStaleEventRejected(t *testing.T) {
	m, _ := openMachine(t, models.DirectionLong)

	m.applyPrice(tick(100.10, 2*time.Second))
	applied, err := m.applyPrice(tick(100.40, time.Second))
	if applied || !errors.Is(err, models.ErrStaleEvent) {
		t.Errorf("older tick = (%v, %v), want (false, ErrStaleEvent)", applied, err)
	}

	snap := m.snapshot()
	if snap.Targets[0].Hit {
		t.Error("stale tick mutated the ladder")
	}
}

func TestBreakEvenStopClosesAtEntry(t *testing.T) {
	m, _ := openMachine(t, models.DirectionLong)

	m.applyPrice(tick(100.40, time.Second))
	applied, err := m.applyPrice(tick(100.0, 2*time.Second))
	if err != nil || !applied {
		t.Fatalf("applyPrice = (%v, %v), want (true, nil)", applied, err)
	}

	snap := m.snapshot()
	if snap.Status != models.StatusClosedSL {
		t.Errorf("status = %s, want CLOSED_SL at break-even stop", snap.Status)
	}

	// Remainder closed at entry: no further P&L beyond the TP1 slice.
	wantPL := (100.35 - 100) / 100 * 50
	if diff := snap.RealizedPL - wantPL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("realized P&L = %.6f, want %.6f", snap.RealizedPL, wantPL)
	}
}

func TestStopLossPrecedesTakeProfit(t *testing.T) {
	// Contrived levels where one tick crosses the stop and an unhit
	// target at once; the stop must win the tie-break.
	events := &eventLog{}
	pos := testPosition(models.DirectionLong)
	pos.Status = models.StatusPartial
	pos.EntryPrice = 100
	pos.Size = 50
	pos.Targets[0].Price = 100.35
	pos.Targets[0].Hit = true
	pos.Targets[1].Price = 100.85
	pos.StopLoss = 100.90
	pos.BreakEven = true

	m := newMachine(pos, events.emit)
	applied, err := m.applyPrice(tick(100.87, time.Second))
	if err != nil || !applied {
		t.Fatalf("applyPrice = (%v, %v), want (true, nil)", applied, err)
	}

	snap := m.snapshot()
	if snap.Status != models.StatusClosedSL {
		t.Errorf("status = %s, want CLOSED_SL to win over CLOSED_TP", snap.Status)
	}
	if snap.Targets[1].Hit {
		t.Error("TP2 marked hit on a stop-loss tick")
	}
}

func TestShortBreakEvenAndStop(t *testing.T) {
	m, _ := openMachine(t, models.DirectionShort)

	m.applyPrice(tick(99.60, time.Second))
	snap := m.snapshot()
	if snap.Status != models.StatusPartial || snap.StopLoss != 100.0 {
		t.Fatalf("after TP1: status=%s stop=%.4f, want PARTIAL / 100.0", snap.Status, snap.StopLoss)
	}

	m.applyPrice(tick(100.0, 2*time.Second))
	if snap = m.snapshot(); snap.Status != models.StatusClosedSL {
		t.Errorf("status = %s, want CLOSED_SL on short break-even stop", snap.Status)
	}
}

func TestPendingIgnoresTicks(t *testing.T) {
	events := &eventLog{}
	m := newMachine(testPosition(models.DirectionLong), events.emit)

	applied, err := m.applyPrice(tick(42.0, time.Second))
	if applied || err != nil {
		t.Errorf("pending tick = (%v, %v), want (false, nil)", applied, err)
	}
	if len(events.all()) != 0 {
		t.Errorf("pending tick emitted %d events", len(events.all()))
	}
}

func TestTimeoutClosesOnce(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	m.applyTimeout()
	m.applyTimeout() // second fire is a no-op

	snap := m.snapshot()
	if snap.Status != models.StatusClosedTimeout {
		t.Errorf("status = %s, want CLOSED_TIMEOUT", snap.Status)
	}

	timeouts := 0
	for _, ev := range events.all() {
		if ev.NewStatus == models.StatusClosedTimeout {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Errorf("CLOSED_TIMEOUT events = %d, want exactly 1", timeouts)
	}
}

func TestCancelBestEffort(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)

	if !m.cancel("manual close") {
		t.Fatal("first cancel not applied")
	}
	if m.cancel("manual close") {
		t.Error("second cancel applied on terminal position")
	}

	snap := m.snapshot()
	if snap.Status != models.StatusClosedManual {
		t.Errorf("status = %s, want CLOSED_MANUAL", snap.Status)
	}
	if got := len(events.all()); got != 2 { // OPEN + CLOSED_MANUAL
		t.Errorf("events = %d, want 2", got)
	}
}

func TestArmTimerSkipsTerminal(t *testing.T) {
	m := newMachine(testPosition(models.DirectionLong), nil)
	if !m.cancel("manual close") {
		t.Fatal("cancel not applied")
	}

	// A cancel that wins the race with registration must not leave a
	// timer armed on the closed position.
	m.armTimer()
	if m.timer != nil {
		t.Error("timer armed on a terminal position")
	}
}

func TestDeliveryDoesNotHoldStateLock(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := newMachine(testPosition(models.DirectionLong), func(models.LifecycleEvent) {
		close(entered)
		<-release
	})
	defer close(release)

	go m.confirmEntry(100.0, t0)
	<-entered

	// Snapshots must stay readable while an event is being delivered
	// to a slow consumer.
	done := make(chan struct{})
	go func() {
		m.snapshot()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot blocked while an event was being delivered")
	}
}

func TestTerminalIgnoresFurtherTicks(t *testing.T) {
	m, events := openMachine(t, models.DirectionLong)
	m.cancel("manual close")
	n := len(events.all())

	applied, err := m.applyPrice(tick(99.0, time.Second))
	if applied || err != nil {
		t.Errorf("tick after close = (%v, %v), want (false, nil)", applied, err)
	}
	if len(events.all()) != n {
		t.Error("terminal position emitted events")
	}
}
