package web

import (
	"coincortex/internal/engine"
	"coincortex/internal/models"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
)

type Server struct {
	engine *engine.TradingEngine
	port   string
}

func NewServer(engine *engine.TradingEngine, port string) *Server {
	return &Server{
		engine: engine,
		port:   port,
	}
}

func (s *Server) Start() {
	http.HandleFunc("/api/health", s.handleHealth)
	http.HandleFunc("/api/stats", s.handleStats)
	http.HandleFunc("/api/positions", s.handlePositionList)
	http.HandleFunc("/api/positions/", s.handlePosition) // /api/positions/{id}
	http.HandleFunc("/api/engine/action", s.handleEngineAction)

	log.Printf("🌐 Web server starting on http://localhost:%s", s.port)
	go func() {
		if err := http.ListenAndServe(":"+s.port, nil); err != nil {
			log.Printf("Web server error: %v", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"running":   s.engine.IsRunning(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetStats()
	balance, _ := s.engine.GetBalance(context.Background())

	positions := s.engine.ListOpenPositions()
	inPositions := 0.0
	for _, p := range positions {
		inPositions += p.Size
	}

	writeJSON(w, map[string]interface{}{
		"balance":        balance,
		"in_positions":   inPositions,
		"open_positions": len(positions),
		"max_slots":      s.engine.GetMaxPositions(),
		"free_slots":     s.engine.GetFreeSlots(),
		"running":        s.engine.IsRunning(),
		"timestamp":      time.Now().Unix(),

		"total_trades":  stats.TotalTrades,
		"profitable":    stats.ProfitableTrades,
		"losing":        stats.LosingTrades,
		"win_rate":      stats.WinRate,
		"realized_pl":   stats.RealizedPL,
		"unrealized_pl": stats.UnrealizedPL,
		"total_pl":      stats.TotalPL,
	})
}

func (s *Server) handlePositionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, positionViews(s.engine.ListOpenPositions()))
}

// handlePosition serves GET /api/positions/{id} and DELETE (manual close).
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/positions/")
	if id == "" {
		http.Error(w, "missing position id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		pos, err := s.engine.GetPosition(id)
		if err != nil {
			if errors.Is(err, models.ErrUnknownPosition) {
				http.Error(w, "position not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, positionView(pos))

	case http.MethodDelete:
		if err := s.engine.CancelPosition(id); err != nil {
			if errors.Is(err, models.ErrUnknownPosition) {
				http.Error(w, "position not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"closed": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEngineAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "start":
		s.engine.Start()
	case "stop":
		s.engine.Stop()
	case "close_all":
		s.engine.CancelAllPositions()
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{"ok": true, "running": s.engine.IsRunning()})
}

func positionViews(positions []models.Position) []map[string]interface{} {
	out := make([]map[string]interface{}, len(positions))
	for i, p := range positions {
		out[i] = positionView(p)
	}
	return out
}

func positionView(p models.Position) map[string]interface{} {
	targets := make([]map[string]interface{}, len(p.Targets))
	for i, t := range p.Targets {
		targets[i] = map[string]interface{}{
			"label":     t.Label,
			"delta_pct": t.DeltaPct,
			"price":     t.Price,
			"fraction":  t.Fraction,
			"hit":       t.Hit,
		}
	}

	return map[string]interface{}{
		"id":            p.ID,
		"symbol":        p.Symbol,
		"direction":     p.Direction,
		"status":        string(p.Status),
		"entry_price":   p.EntryPrice,
		"current_price": p.CurrentPrice,
		"size":          p.Size,
		"initial_size":  p.InitialSize,
		"stop_loss":     p.StopLoss,
		"break_even":    p.BreakEven,
		"reward_risk":   p.RewardRisk,
		"targets":       targets,
		"opened_at":     p.OpenedAt.Unix(),
		"realized_pl":   p.RealizedPL,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
