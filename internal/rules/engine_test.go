package rules

import (
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return engine
}

func watchRule(id, name, expr, note string) *domain.WatchRule {
	return &domain.WatchRule{
		ID:         id,
		TenantID:   "tenant-1",
		Name:       name,
		Expression: expr,
		Note:       note,
		Enabled:    true,
	}
}

func TestValidateRule(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"valid comparison", `amount > 100.0 && auto_renew`, false},
		{"valid string match", `category == "devops" && decision == "cancel"`, false},
		{"valid days check", `days_since_last_use > 90`, false},
		{"non-bool output", `amount * 2.0`, true},
		{"unknown variable", `velocity_count > 5`, true},
		{"syntax error", `amount >`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateRule(watchRule("r1", "test", tt.expr, ""))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}

	t.Run("nil rule", func(t *testing.T) {
		if err := engine.ValidateRule(nil); err == nil {
			t.Error("expected error for nil rule")
		}
	})

	t.Run("validate does not load", func(t *testing.T) {
		if engine.RulesCount() != 0 {
			t.Errorf("RulesCount() = %d after validation, want 0", engine.RulesCount())
		}
	})
}

func TestLoadRules(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.WatchRule{
		watchRule("r1", "pricey", `amount > 50.0`, ""),
		watchRule("r2", "stale", `days_since_last_use > 180`, ""),
	}
	rules = append(rules, &domain.WatchRule{
		ID: "r3", Name: "disabled", Expression: `true`, Enabled: false,
	})

	if err := engine.LoadRules(rules); err != nil {
		t.Fatalf("LoadRules() error: %v", err)
	}
	if got := engine.RulesCount(); got != 2 {
		t.Errorf("RulesCount() = %d, want 2 (disabled rule skipped)", got)
	}
}

func TestReloadRulesReplacesAll(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.LoadRule(watchRule("old", "old", `true`, "")); err != nil {
		t.Fatalf("LoadRule() error: %v", err)
	}
	if err := engine.ReloadRules([]*domain.WatchRule{
		watchRule("new", "new", `score < 30.0`, ""),
	}); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "new" {
		t.Errorf("loaded rules = %v, want single rule 'new'", loaded)
	}
}

func TestReloadRulesRejectsBadExpression(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.ReloadRules([]*domain.WatchRule{
		watchRule("bad", "bad", `service ==`, ""),
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestAnnotate(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.LoadRules([]*domain.WatchRule{
		watchRule("r1", "Pricey auto-renew", `amount > 100.0 && auto_renew`, "review before renewal"),
		watchRule("r2", "Long idle", `days_since_last_use > 180`, ""),
	})
	if err != nil {
		t.Fatalf("LoadRules() error: %v", err)
	}

	days := 200
	candidates := []domain.ScoredCandidate{
		{
			Service:          "BigSuite",
			Amount:           250,
			AutoRenew:        true,
			DaysSinceLastUse: &days,
			Score:            20,
			Decision:         domain.DecisionCancel,
		},
		{
			Service:   "SmallTool",
			Amount:    5,
			AutoRenew: true,
			Score:     70,
			Decision:  domain.DecisionKeep,
		},
	}

	out := engine.Annotate(candidates)

	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}

	big := out[0]
	if !strings.Contains(big.Notes, "Pricey auto-renew: review before renewal") {
		t.Errorf("BigSuite notes = %q, missing pricey annotation", big.Notes)
	}
	if !strings.Contains(big.Notes, "Long idle") {
		t.Errorf("BigSuite notes = %q, missing idle annotation", big.Notes)
	}

	if out[1].Notes != "" {
		t.Errorf("SmallTool notes = %q, want empty", out[1].Notes)
	}

	// Annotation never touches score or decision.
	if big.Score != 20 || big.Decision != domain.DecisionCancel {
		t.Errorf("annotation changed score/decision: %v %v", big.Score, big.Decision)
	}
	// Input untouched.
	if candidates[0].Notes != "" {
		t.Error("Annotate mutated its input")
	}
}

func TestAnnotateAppendsToExistingNotes(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.LoadRule(watchRule("r1", "Flag", `true`, "")); err != nil {
		t.Fatalf("LoadRule() error: %v", err)
	}

	out := engine.Annotate([]domain.ScoredCandidate{{Service: "X", Notes: "from csv"}})
	if out[0].Notes != "from csv; Flag" {
		t.Errorf("notes = %q, want %q", out[0].Notes, "from csv; Flag")
	}
}

func TestAnnotateUnknownDaysIsMinusOne(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.LoadRule(watchRule("r1", "NoDate", `days_since_last_use == -1`, "")); err != nil {
		t.Fatalf("LoadRule() error: %v", err)
	}

	out := engine.Annotate([]domain.ScoredCandidate{{Service: "X"}})
	if out[0].Notes != "NoDate" {
		t.Errorf("notes = %q, want NoDate", out[0].Notes)
	}
}

func TestRemoveRule(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.LoadRule(watchRule("r1", "a", `true`, "")); err != nil {
		t.Fatalf("LoadRule() error: %v", err)
	}
	engine.RemoveRule("r1")
	engine.RemoveRule("missing")
	if engine.RulesCount() != 0 {
		t.Errorf("RulesCount() = %d after remove, want 0", engine.RulesCount())
	}
}

func TestClose(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.LoadRule(watchRule("r1", "a", `true`, "")); err != nil {
		t.Fatalf("LoadRule() error: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Error("rules should be cleared after Close")
	}
}
