package main

import (
	"coincortex/config"
	"coincortex/internal/analysis"
	"coincortex/internal/engine"
	"coincortex/internal/exchange"
	"coincortex/internal/telegram"
	"coincortex/internal/web"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("🚀 Starting CoinCortex...")

	// Load configuration
	cfg := config.Load()

	// Real futures client supplies prices; the emulator wraps it so fills
	// and settlement stay paper-side.
	futuresClient := exchange.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, true)
	emulator := exchange.NewEmulatorClient(5000.0, futuresClient)

	// Seedable analysis source stands in for the GPT core.
	source := analysis.NewSimulatedSource(time.Now().UnixNano())

	// Initialize trading engine
	tradingEngine := engine.NewTradingEngine(emulator, source, cfg)

	// Mark-price feed drives the position state machines.
	feed := exchange.NewPriceFeed(cfg.Symbols, true, tradingEngine.SubmitPriceEvent)
	feed.Start()

	// Initialize Telegram bot
	bot, err := telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, tradingEngine)
	if err != nil {
		log.Fatalf("Failed to create Telegram bot: %v", err)
	}

	// Set up callbacks
	tradingEngine.SetCallbacks(
		bot.SendSignalReport,
		bot.SendLifecycleEvent,
	)

	// Initialize web server
	webServer := web.NewServer(tradingEngine, cfg.Port)
	webServer.Start()

	// Start Telegram bot
	go bot.Start()

	log.Println("✅ All systems initialized")
	log.Println("📱 Telegram bot is ready")
	log.Printf("🌐 Web API: http://localhost:%s\n", cfg.Port)
	log.Println("⏸️ Trading engine is stopped. Use /start in Telegram to begin trading.")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("\n🛑 Shutting down...")
	feed.Stop()
	tradingEngine.Stop()

	// Close all positions before exit
	tradingEngine.CancelAllPositions()
	tradingEngine.Shutdown()

	log.Println("👋 Goodbye!")
}
