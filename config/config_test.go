package config

import (
	"testing"

	"coincortex/internal/models"
)

func TestParseLadderDefault(t *testing.T) {
	ladder := parseLadder("")
	if len(ladder) != 2 {
		t.Fatalf("default ladder length = %d, want 2", len(ladder))
	}
	want := []models.TargetLevel{
		{Label: "TP1", DeltaPct: 0.35, Fraction: 0.5},
		{Label: "TP2", DeltaPct: 0.85, Fraction: 0.5},
	}
	for i, level := range ladder {
		if level != want[i] {
			t.Errorf("ladder[%d] = %+v, want %+v", i, level, want[i])
		}
	}
}

func TestParseLadderCustom(t *testing.T) {
	ladder := parseLadder("TP1:0.25:0.3, TP2:0.60:0.3, TP3:1.20:0.4")
	if len(ladder) != 3 {
		t.Fatalf("ladder length = %d, want 3", len(ladder))
	}
	if ladder[2].Label != "TP3" || ladder[2].DeltaPct != 1.20 || ladder[2].Fraction != 0.4 {
		t.Errorf("ladder[2] = %+v", ladder[2])
	}
}

func TestParseLadderMalformed(t *testing.T) {
	cases := []string{
		"TP1:0.35",          // missing fraction
		"TP1:abc:0.5",       // non-numeric delta
		"TP1:0.35:0.5:x",    // too many fields
		"TP1:0.35:zz,TP2:0", // bad entries mixed in
	}
	for _, raw := range cases {
		ladder := parseLadder(raw)
		if len(ladder) != 2 || ladder[0].Label != "TP1" || ladder[0].DeltaPct != 0.35 {
			t.Errorf("parseLadder(%q) did not fall back to defaults: %+v", raw, ladder)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APPROVAL_THRESHOLD", "0.85")
	t.Setenv("STOP_LOSS_PCT", "-0.60")
	t.Setenv("MAX_POSITIONS", "3")
	t.Setenv("MAX_HOLD_MINUTES", "90")
	t.Setenv("SYMBOLS", "btcusdt, ethusdt")

	cfg := Load()
	if cfg.ApprovalThreshold != 0.85 {
		t.Errorf("threshold = %v, want 0.85", cfg.ApprovalThreshold)
	}
	if cfg.StopLossPct != -0.60 {
		t.Errorf("stop loss = %v, want -0.60", cfg.StopLossPct)
	}
	if cfg.MaxPositions != 3 {
		t.Errorf("max positions = %d, want 3", cfg.MaxPositions)
	}
	if got := cfg.MaxHold.Minutes(); got != 90 {
		t.Errorf("max hold = %v minutes, want 90", got)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" || cfg.Symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v, want [BTCUSDT ETHUSDT]", cfg.Symbols)
	}
}
