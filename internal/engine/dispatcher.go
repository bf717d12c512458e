package engine

import (
	"coincortex/internal/models"
	"log"
	"sync"
)

const symbolQueueSize = 256

// Dispatcher fans incoming ticks out to the registry. One worker per
// symbol keeps same-symbol delivery in timestamp order while different
// symbols flow in parallel; nothing here ever blocks dispatch to an
// unrelated symbol.
type Dispatcher struct {
	registry *Registry
	mu       sync.Mutex
	queues   map[string]chan models.PriceEvent
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		queues:   make(map[string]chan models.PriceEvent),
		stopChan: make(chan struct{}),
	}
}

// Submit enqueues a tick for its symbol's worker, spawning the worker on
// first sight of the symbol. Blocks only when that one symbol's queue is
// full.
func (d *Dispatcher) Submit(ev models.PriceEvent) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[ev.Symbol]
	if !ok {
		q = make(chan models.PriceEvent, symbolQueueSize)
		d.queues[ev.Symbol] = q
		d.wg.Add(1)
		go d.worker(ev.Symbol, q)
	}
	d.mu.Unlock()

	select {
	case q <- ev:
	case <-d.stopChan:
	}
}

func (d *Dispatcher) worker(symbol string, q chan models.PriceEvent) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case ev := <-q:
			d.registry.Route(ev)
		}
	}
}

// Stop halts all symbol workers. Pending queued events are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	log.Println("⏸️ Event dispatcher stopped")
}
