package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"coincortex/internal/models"

	"github.com/joho/godotenv"
)

type Config struct {
	TelegramToken    string
	AuthorizedUserID int64
	BinanceAPIKey    string
	BinanceSecretKey string
	Port             string

	// Evaluator settings
	ApprovalThreshold float64 // confidence gate, 0..1
	TakeProfits       []models.TargetLevel
	StopLossPct       float64 // negative percent

	// Engine settings
	PositionSize   float64 // USDT per position
	MaxPositions   int
	MaxHold        time.Duration
	Symbols        []string
	SignalInterval time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	userID := int64(0)
	if v := os.Getenv("AUTHORIZED_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatal("Invalid AUTHORIZED_USER_ID")
		}
		userID = id
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	threshold := 0.90
	if v := os.Getenv("APPROVAL_THRESHOLD"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			threshold = val
		}
	}

	slPct := -0.45
	if v := os.Getenv("STOP_LOSS_PCT"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			slPct = val
		}
	}

	posSize := 100.0
	if v := os.Getenv("POSITION_SIZE"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			posSize = val
		}
	}

	maxPositions := 5
	if v := os.Getenv("MAX_POSITIONS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val > 0 {
			maxPositions = val
		}
	}

	maxHold := 4 * time.Hour
	if v := os.Getenv("MAX_HOLD_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val > 0 {
			maxHold = time.Duration(val) * time.Minute
		}
	}

	signalInterval := 2 * time.Minute
	if v := os.Getenv("SIGNAL_INTERVAL_SECONDS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val > 0 {
			signalInterval = time.Duration(val) * time.Second
		}
	}

	symbols := []string{"BTCUSDT"}
	if v := os.Getenv("SYMBOLS"); v != "" {
		symbols = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, strings.ToUpper(s))
			}
		}
	}

	return &Config{
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedUserID:  userID,
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey:  os.Getenv("BINANCE_SECRET_KEY"),
		Port:              port,
		ApprovalThreshold: threshold,
		TakeProfits:       parseLadder(os.Getenv("TP_LADDER")),
		StopLossPct:       slPct,
		PositionSize:      posSize,
		MaxPositions:      maxPositions,
		MaxHold:           maxHold,
		Symbols:           symbols,
		SignalInterval:    signalInterval,
	}
}

// parseLadder reads "TP1:0.35:0.5,TP2:0.85:0.5" (label:deltaPct:fraction).
// Falls back to the default two-level ladder on any parse trouble.
func parseLadder(raw string) []models.TargetLevel {
	defaults := []models.TargetLevel{
		{Label: "TP1", DeltaPct: 0.35, Fraction: 0.5},
		{Label: "TP2", DeltaPct: 0.85, Fraction: 0.5},
	}
	if raw == "" {
		return defaults
	}

	var ladder []models.TargetLevel
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			log.Printf("Warning: bad TP_LADDER entry %q, using defaults", entry)
			return defaults
		}
		delta, err1 := strconv.ParseFloat(parts[1], 64)
		fraction, err2 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil {
			log.Printf("Warning: bad TP_LADDER entry %q, using defaults", entry)
			return defaults
		}
		ladder = append(ladder, models.TargetLevel{
			Label:    parts[0],
			DeltaPct: delta,
			Fraction: fraction,
		})
	}
	if len(ladder) == 0 {
		return defaults
	}
	return ladder
}
