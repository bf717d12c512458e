package exchange

import (
	"coincortex/internal/models"
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/adshao/go-binance/v2/futures"
)

// Client is the boundary toward the exchange: entry fills, settlement and
// balance. Real order-protocol details stay behind it.
type Client interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	FillEntry(ctx context.Context, symbol, direction string, size float64) (float64, error)
	Settle(ctx context.Context, trade *models.Trade) error
	GetBalance(ctx context.Context) (float64, error)
}

// FuturesClient - Binance USDT-M futures client
type FuturesClient struct {
	client *futures.Client
}

func NewFuturesClient(apiKey, secretKey string, testnet bool) *FuturesClient {
	client := futures.NewClient(apiKey, secretKey)
	if testnet {
		futures.UseTestnet = true
	}
	return &FuturesClient{client: client}
}

func (b *FuturesClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

// FillEntry reports the market price as the fill. Placing the actual
// order is the owning process's concern, same as closing legs on the
// venue side.
func (b *FuturesClient) FillEntry(ctx context.Context, symbol, direction string, size float64) (float64, error) {
	price, err := b.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	log.Printf("✅ Entry fill %s %s at %.4f | Size: %.2f USDT", direction, symbol, price, size)
	return price, nil
}

func (b *FuturesClient) Settle(ctx context.Context, trade *models.Trade) error {
	// Venue-side close orders are out of scope; nothing to settle here.
	return nil
}

func (b *FuturesClient) GetBalance(ctx context.Context) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, err
	}

	for _, asset := range account.Assets {
		if asset.Asset == "USDT" {
			return parseFloat(asset.WalletBalance), nil
		}
	}
	return 0, nil
}

// EmulatorClient - paper trading client. Prices come from the wrapped
// client when present, otherwise from locally pushed marks.
type EmulatorClient struct {
	mu      sync.RWMutex
	balance float64
	marks   map[string]float64
	baseAPI Client
}

func NewEmulatorClient(initialBalance float64, api Client) *EmulatorClient {
	return &EmulatorClient{
		balance: initialBalance,
		marks:   make(map[string]float64),
		baseAPI: api,
	}
}

// SetMark pushes a local mark price, used by the feed and by tests.
func (e *EmulatorClient) SetMark(symbol string, price float64) {
	e.mu.Lock()
	e.marks[symbol] = price
	e.mu.Unlock()
}

func (e *EmulatorClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.RLock()
	mark, ok := e.marks[symbol]
	e.mu.RUnlock()
	if ok {
		return mark, nil
	}
	if e.baseAPI != nil {
		return e.baseAPI.GetPrice(ctx, symbol)
	}
	return 0, fmt.Errorf("no mark price for %s", symbol)
}

func (e *EmulatorClient) FillEntry(ctx context.Context, symbol, direction string, size float64) (float64, error) {
	price, err := e.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balance < size {
		return 0, fmt.Errorf("insufficient balance: %.2f USDT", e.balance)
	}
	e.balance -= size

	log.Printf("✅ Emulator: Filled %s %s at %.4f | Size: %.2f USDT", direction, symbol, price, size)
	return price, nil
}

func (e *EmulatorClient) Settle(ctx context.Context, trade *models.Trade) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.balance += trade.PositionSize + trade.RealizedPL
	log.Printf("🎯 Emulator: Settled %s %s | P&L: %+.2f USDT | Balance: %.2f USDT",
		trade.Direction, trade.Symbol, trade.RealizedPL, e.balance)
	return nil
}

func (e *EmulatorClient) GetBalance(ctx context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance, nil
}

// Helper function
func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}
