package exchange

import (
	"coincortex/internal/models"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	futuresWSBaseURL    = "wss://fstream.binance.com/ws"
	futuresWSTestnetURL = "wss://stream.binancefuture.com/ws"
)

// markPriceUpdate is the Binance futures markPrice stream payload.
type markPriceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

type wsSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// PriceFeed streams mark prices for a set of symbols into a sink,
// reconnecting with jittered exponential backoff when the stream drops.
type PriceFeed struct {
	url     string
	symbols []string
	sink    func(models.PriceEvent)

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewPriceFeed(symbols []string, testnet bool, sink func(models.PriceEvent)) *PriceFeed {
	url := futuresWSBaseURL
	if testnet {
		url = futuresWSTestnetURL
	}
	return &PriceFeed{
		url:     url,
		symbols: symbols,
		sink:    sink,
	}
}

func (f *PriceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.run()
}

func (f *PriceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.done)
}

func (f *PriceFeed) run() {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-f.done:
			return
		default:
		}

		if err := f.streamOnce(); err != nil {
			wait := b.Duration()
			log.Printf("⚠️ Price feed disconnected: %v (reconnecting in %v)", err, wait)
			select {
			case <-f.done:
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
	}
}

// streamOnce holds one websocket session: subscribe, then pump ticks into
// the sink until the connection breaks or Stop is called.
func (f *PriceFeed) streamOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	params := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		params[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	if err := conn.WriteJSON(wsSubscribe{Method: "SUBSCRIBE", Params: params, ID: 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	log.Printf("🌐 Price feed connected (%d streams)", len(params))

	// Unblock ReadMessage when Stop fires.
	go func() {
		<-f.done
		conn.Close()
	}()

	for {
		select {
		case <-f.done:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}

		var update markPriceUpdate
		if err := json.Unmarshal(raw, &update); err != nil || update.EventType != "markPriceUpdate" {
			// Subscription acks and other frame types pass through here.
			continue
		}

		price, err := strconv.ParseFloat(update.MarkPrice, 64)
		if err != nil {
			log.Printf("⚠️ Bad mark price %q for %s", update.MarkPrice, update.Symbol)
			continue
		}

		f.sink(models.PriceEvent{
			Symbol:    update.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(update.EventTime),
		})
	}
}
