package telegram

import (
	"coincortex/internal/engine"
	"coincortex/internal/models"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"
)

type Bot struct {
	bot          *tele.Bot
	engine       *engine.TradingEngine
	authorizedID int64
	startTime    time.Time
}

func NewBot(token string, authorizedID int64, engine *engine.TradingEngine) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		engine:       engine,
		authorizedID: authorizedID,
		startTime:    time.Now(),
	}

	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() {
	log.Println("📱 Telegram bot started")
	b.bot.Start()
}

func (b *Bot) setupHandlers() {
	// Middleware for authorization
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	// Commands
	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/stats", b.handleStats)
	b.bot.Handle("/positions", b.handlePositions)
	b.bot.Handle("/closeall", b.handleCloseAll)

	// Buttons
	b.bot.Handle(&btnStartTrading, b.handleStartTrading)
	b.bot.Handle(&btnStopTrading, b.handleStopTrading)
	b.bot.Handle(&btnStats, b.handleStats)
	b.bot.Handle(&btnPositions, b.handlePositions)
	b.bot.Handle(&btnRefresh, b.handleStats)
	b.bot.Handle(&btnCloseAll, b.handleCloseAll)
	b.bot.Handle(&btnBack, b.handleStart)
}

var (
	btnStartTrading = tele.Btn{Text: "▶️ Start trading", Unique: "start_trading"}
	btnStopTrading  = tele.Btn{Text: "⏸️ Stop", Unique: "stop_trading"}
	btnStats        = tele.Btn{Text: "📊 Stats", Unique: "stats"}
	btnPositions    = tele.Btn{Text: "📋 Positions", Unique: "positions"}
	btnRefresh      = tele.Btn{Text: "🔄 Refresh", Unique: "refresh"}
	btnCloseAll     = tele.Btn{Text: "❌ Close all", Unique: "close_all"}
	btnBack         = tele.Btn{Text: "🔙 Back", Unique: "back"}
)

func (b *Bot) handleStart(c tele.Context) error {
	menu := &tele.ReplyMarkup{}

	var startBtn tele.Btn
	if b.engine.IsRunning() {
		startBtn = btnStopTrading
	} else {
		startBtn = btnStartTrading
	}

	menu.Inline(
		menu.Row(startBtn),
		menu.Row(btnStats, btnPositions),
	)

	status := "⏸️ Stopped"
	if b.engine.IsRunning() {
		status = "▶️ Running"
	}

	msg := fmt.Sprintf(`🤖 *CoinCortex Auto-Trade Engine*

🔄 Status: %s

Choose an action:`, status)

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handleStartTrading(c tele.Context) error {
	b.engine.Start()
	return b.handleStart(c)
}

func (b *Bot) handleStopTrading(c tele.Context) error {
	b.engine.Stop()
	return b.handleStart(c)
}

func (b *Bot) handleStats(c tele.Context) error {
	ctx := context.Background()
	stats := b.engine.GetStats()

	balance, _ := b.engine.GetBalance(ctx)
	positions := b.engine.ListOpenPositions()

	inPositions := 0.0
	for _, p := range positions {
		inPositions += p.Size
	}

	status := "⏸️ Stopped"
	if b.engine.IsRunning() {
		status = "▶️ Running"
	}

	plEmoji := "🟢"
	if stats.TotalPL < 0 {
		plEmoji = "🔴"
	} else if stats.TotalPL == 0 {
		plEmoji = "🟡"
	}

	uptime := time.Since(b.startTime)

	msg := fmt.Sprintf(`📊 *Trading statistics*

🔄 Status: %s
💰 Balance: %.2f USDT
📈 In positions: %.2f USDT
📋 Open positions: %d
💎 Unrealized P&L: %+.2f USDT
📅 Total trades: %d
🏆 Profitable: %d
📉 Losing: %d
📊 Win rate: %.1f%%
💰 Total P&L: %s %+.2f USDT

🕐 Uptime: %s
🕐 Updated: %s`,
		status,
		balance,
		inPositions,
		len(positions),
		stats.UnrealizedPL,
		stats.TotalTrades,
		stats.ProfitableTrades,
		stats.LosingTrades,
		stats.WinRate,
		plEmoji,
		stats.TotalPL,
		formatUptime(uptime),
		time.Now().Format("15:04:05"),
	)

	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnRefresh, btnPositions),
		menu.Row(btnBack),
	)

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handlePositions(c tele.Context) error {
	positions := b.engine.ListOpenPositions()

	if len(positions) == 0 {
		menu := &tele.ReplyMarkup{}
		menu.Inline(menu.Row(btnBack))
		return c.Send("📋 No open positions", menu)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *Open positions (%d)*\n\n", len(positions)))

	for _, p := range positions {
		emoji := "🟢"
		if p.Direction == models.DirectionShort {
			emoji = "🔴"
		}

		hit := 0
		for _, t := range p.Targets {
			if t.Hit {
				hit++
			}
		}

		sb.WriteString(fmt.Sprintf(`%s *%s %s* | %s
   💰 Size: %.2f / %.2f USDT | TPs hit: %d/%d
   📊 Entry: %.4f → %.4f | SL: %.4f

`, emoji, p.Direction, p.Symbol, p.Status,
			p.Size, p.InitialSize, hit, len(p.Targets),
			p.EntryPrice, p.CurrentPrice, p.StopLoss))
	}

	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnRefresh, btnCloseAll),
		menu.Row(btnBack),
	)

	return c.Send(sb.String(), menu, tele.ModeMarkdown)
}

func (b *Bot) handleCloseAll(c tele.Context) error {
	b.engine.CancelAllPositions()
	return c.Send("✅ All positions closed")
}

// SendSignalReport posts the one-shot evaluation notice for a signal.
func (b *Bot) SendSignalReport(result models.AnalysisResult, eval models.EvaluationResult) {
	b.bot.Send(&tele.User{ID: b.authorizedID}, FormatSignalReport(result, eval, time.Now()))
}

// SendLifecycleEvent posts a position transition.
func (b *Bot) SendLifecycleEvent(ev models.LifecycleEvent) {
	b.bot.Send(&tele.User{ID: b.authorizedID}, FormatLifecycleEvent(ev), tele.ModeMarkdown)
}

// FormatSignalReport renders the evaluation notice, one line per fact.
func FormatSignalReport(result models.AnalysisResult, eval models.EvaluationResult, now time.Time) string {
	status := "REVIEW ⚠️"
	if eval.Approved {
		status = "APPROVED ✅"
	}

	targets := make([]string, len(eval.TakeProfits))
	for i, tp := range eval.TakeProfits {
		targets[i] = fmt.Sprintf("%s %.2f%%", tp.Label, tp.DeltaPct)
	}

	lines := []string{
		"📢 CoinCortex — " + status,
		"⏱ " + now.UTC().Format("2006-01-02 15:04:05 UTC"),
		"💠 Symbol: " + result.Symbol,
		"🧭 Direction: " + result.Direction,
		fmt.Sprintf("🔒 Confidence: %d%%", int(result.Confidence*100)),
		"🎯 Targets: " + strings.Join(targets, ", "),
		fmt.Sprintf("🛡 SL: %.2f%%", eval.StopLoss.DeltaPct),
		fmt.Sprintf("⚖️ R/R: %.2f", eval.RewardRisk),
		"📌 Reasons: " + strings.Join(result.Reasons, "; "),
	}
	return strings.Join(lines, "\n")
}

// FormatLifecycleEvent renders a transition message.
func FormatLifecycleEvent(ev models.LifecycleEvent) string {
	emoji := "🔄"
	switch ev.NewStatus {
	case models.StatusOpen:
		emoji = "✅"
	case models.StatusPartial:
		emoji = "🎯"
	case models.StatusClosedTP:
		emoji = "🏆"
	case models.StatusClosedSL:
		emoji = "🛡"
	case models.StatusClosedTimeout:
		emoji = "⏰"
	case models.StatusClosedManual:
		emoji = "❌"
	}

	msg := fmt.Sprintf(`%s *%s %s*
%s → %s
📌 %s
📊 Price: %.4f`,
		emoji, ev.Snapshot.Direction, ev.Symbol,
		ev.PreviousStatus, ev.NewStatus,
		ev.Reason, ev.Price)

	if ev.NewStatus.Terminal() && ev.Snapshot.EntryPrice > 0 {
		msg += fmt.Sprintf("\n💰 Realized P&L: %+.2f USDT", ev.Snapshot.RealizedPL)
	}
	return msg
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
