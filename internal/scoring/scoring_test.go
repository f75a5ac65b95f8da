package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/schema"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func record(cells map[string]domain.Cell) domain.RawRecord {
	return domain.RawRecord(cells)
}

func TestMedianAmount(t *testing.T) {
	mapping := schema.Map([]string{"service", "amount"})

	tests := []struct {
		name    string
		amounts []string
		want    float64
	}{
		{"odd count", []string{"10", "30", "20"}, 20},
		{"even count mean of middle two", []string{"10", "20", "30", "40"}, 25},
		{"single row", []string{"99.5"}, 99.5},
		{"unparseable counts as zero", []string{"abc", "10", "20"}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := make([]domain.RawRecord, len(tt.amounts))
			for i, a := range tt.amounts {
				rows[i] = record(map[string]domain.Cell{
					"service": domain.TextCell("svc"),
					"amount":  domain.TextCell(a),
				})
			}
			if got := MedianAmount(rows, mapping); got != tt.want {
				t.Errorf("MedianAmount() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("empty table", func(t *testing.T) {
		if got := MedianAmount(nil, mapping); got != 0 {
			t.Errorf("MedianAmount(nil) = %v, want 0", got)
		}
	})

	t.Run("unbound amount column", func(t *testing.T) {
		m := schema.Map([]string{"service"})
		rows := []domain.RawRecord{record(map[string]domain.Cell{"service": domain.TextCell("x")})}
		if got := MedianAmount(rows, m); got != 0 {
			t.Errorf("MedianAmount() = %v, want 0", got)
		}
	})
}

func TestScoreTableStaleExpensiveCancel(t *testing.T) {
	// Stale, pricey, lightly used subscription, with a cheap row anchoring
	// the median below the target row.
	engine := NewEngine(fixedClock)
	headers := []string{"service", "amount", "uses_per_month", "last_used_date", "is_automatic"}
	mapping := schema.Map(headers)

	rows := []domain.RawRecord{
		record(map[string]domain.Cell{
			"service":        domain.TextCell("DustyTool"),
			"amount":         domain.TextCell("$120.00"),
			"uses_per_month": domain.TextCell("2"),
			"last_used_date": domain.TextCell("2024-01-01"),
			"is_automatic":   domain.TextCell("yes"),
		}),
		record(map[string]domain.Cell{
			"service":        domain.TextCell("Cheap"),
			"amount":         domain.TextCell("10"),
			"uses_per_month": domain.TextCell("8"),
			"last_used_date": domain.TextCell("2025-06-10"),
			"is_automatic":   domain.TextCell("no"),
		}),
	}

	scored := engine.ScoreTable(rows, mapping)
	if len(scored) != 2 {
		t.Fatalf("got %d candidates, want 2", len(scored))
	}

	dusty := scored[0]
	// median = (10+120)/2 = 65; 120 > 97.5 so the cost penalty applies.
	// 50 + 10 (modest uses) - 25 (stale) - 15 (pricey) + 5 (auto) = 25
	want := 25.0
	if dusty.Score != want {
		t.Errorf("DustyTool score = %v, want %v", dusty.Score, want)
	}
	if dusty.Decision != domain.DecisionCancel {
		t.Errorf("DustyTool decision = %q, want cancel", dusty.Decision)
	}
	if dusty.DaysSinceLastUse == nil || *dusty.DaysSinceLastUse <= 180 {
		t.Errorf("DustyTool days since last use = %v, want > 180", dusty.DaysSinceLastUse)
	}

	cheap := scored[1]
	// 50 + 30 (heavy use) + 10 (recent) - 2 (manual) = 88
	if cheap.Score != 88 {
		t.Errorf("Cheap score = %v, want 88", cheap.Score)
	}
	if cheap.Decision != domain.DecisionKeep {
		t.Errorf("Cheap decision = %q, want keep", cheap.Decision)
	}
}

func TestScoreClamping(t *testing.T) {
	engine := NewEngine(fixedClock)

	t.Run("upper bound", func(t *testing.T) {
		headers := []string{"service", "amount", "uses_per_month", "last_used_date", "category", "is_automatic"}
		mapping := schema.Map(headers)
		rows := []domain.RawRecord{record(map[string]domain.Cell{
			"service":        domain.TextCell("Everything"),
			"amount":         domain.TextCell("0"),
			"uses_per_month": domain.TextCell("20"),
			"last_used_date": domain.TextCell("2025-06-14"),
			"category":       domain.TextCell("security"),
			"is_automatic":   domain.TextCell("true"),
		})}
		// 50 + 30 + 10 + 20 (zero cost) + 30 (essential) + 5 = 145 -> 100
		got := engine.ScoreTable(rows, mapping)[0]
		if got.Score != 100 {
			t.Errorf("score = %v, want clamped 100", got.Score)
		}
	})

	t.Run("lower bound", func(t *testing.T) {
		headers := []string{"service", "amount", "uses_per_month", "last_used_date", "is_automatic"}
		mapping := schema.Map(headers)
		rows := []domain.RawRecord{
			record(map[string]domain.Cell{
				"service":        domain.TextCell("MoneyPit"),
				"amount":         domain.TextCell("500"),
				"uses_per_month": domain.TextCell("0"),
				"last_used_date": domain.TextCell("2020-01-01"),
				"is_automatic":   domain.TextCell("no"),
			}),
			record(map[string]domain.Cell{
				"service":        domain.TextCell("Anchor"),
				"amount":         domain.TextCell("10"),
				"uses_per_month": domain.TextCell("5"),
				"last_used_date": domain.TextCell("2025-06-14"),
				"is_automatic":   domain.TextCell("yes"),
			}),
		}
		// 50 - 20 - 25 - 15 - 2 = -12 -> 0
		got := engine.ScoreTable(rows, mapping)[0]
		if got.Score != 0 {
			t.Errorf("score = %v, want clamped 0", got.Score)
		}
		if got.Decision != domain.DecisionCancel {
			t.Errorf("decision = %q, want cancel", got.Decision)
		}
	})
}

func TestUsesPerMonthPriorityOverUsageCount(t *testing.T) {
	engine := NewEngine(fixedClock)
	headers := []string{"service", "uses_per_month", "usage_count"}
	mapping := schema.Map(headers)

	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":        domain.TextCell("Both"),
		"uses_per_month": domain.TextCell("0"),
		"usage_count":    domain.TextCell("1000"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	// uses_per_month=0 wins: 50 - 20 - 5 (unknown recency) + 20 (zero cost) + 5 = 50
	if got.Score != 50 {
		t.Errorf("score = %v, want 50 (uses_per_month branch)", got.Score)
	}
	if got.Decision != domain.DecisionKeep {
		t.Errorf("decision = %q, want keep (score == threshold)", got.Decision)
	}
}

func TestUsageCountBranch(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "usage_count"})

	tests := []struct {
		name  string
		count string
		want  float64
	}{
		// base 50, -5 unknown recency, +20 zero cost, +5 auto-renew default = 70 + usage delta
		{"high", "60", 90},
		{"mid", "10", 75},
		{"low", "2", 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := []domain.RawRecord{record(map[string]domain.Cell{
				"service":     domain.TextCell("svc"),
				"usage_count": domain.TextCell(tt.count),
			})}
			got := engine.ScoreTable(rows, mapping)[0]
			if got.Score != tt.want {
				t.Errorf("score = %v, want %v", got.Score, tt.want)
			}
		})
	}
}

func TestNoUsageSignal(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service": domain.TextCell("Opaque"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	// 50 - 5 (no usage) - 5 (unknown recency) + 20 (zero cost) + 5 (auto default) = 65
	if got.Score != 65 {
		t.Errorf("score = %v, want 65", got.Score)
	}
	if got.UsesPerMonth != nil || got.UsageCount != nil {
		t.Error("usage pointers should be nil when columns are unbound")
	}
	if got.DaysSinceLastUse != nil {
		t.Error("days since last use should be nil when column is unbound")
	}
}

func TestEssentialButAbandonedStillCancels(t *testing.T) {
	// Unused and pricey beats the essential-category bonus.
	engine := NewEngine(fixedClock)
	headers := []string{"service", "amount", "uses_per_month", "last_used_date", "category", "is_automatic"}
	mapping := schema.Map(headers)

	rows := []domain.RawRecord{
		record(map[string]domain.Cell{
			"service":        domain.TextCell("OldMonitor"),
			"amount":         domain.TextCell("90"),
			"uses_per_month": domain.TextCell("0"),
			"last_used_date": domain.TextCell("2024-11-27"), // 200 days before testNow
			"category":       domain.TextCell("infrastructure"),
			"is_automatic":   domain.TextCell("yes"),
		}),
		record(map[string]domain.Cell{
			"service":        domain.TextCell("Anchor"),
			"amount":         domain.TextCell("10"),
			"uses_per_month": domain.TextCell("5"),
			"last_used_date": domain.TextCell("2025-06-14"),
			"is_automatic":   domain.TextCell("yes"),
		}),
	}

	scored := engine.ScoreTable(rows, mapping)
	got := scored[0]
	// median = (10+90)/2 = 50; 90 > 75 so the cost penalty applies.
	// 50 - 20 (unused) - 25 (stale) - 15 (pricey) + 30 (essential) + 5 (auto) = 25
	if got.Score != 25 {
		t.Errorf("score = %v, want 25", got.Score)
	}
	if got.Decision != domain.DecisionCancel {
		t.Errorf("decision = %q, want cancel", got.Decision)
	}
}

func TestZeroAmountManualKeep(t *testing.T) {
	// Free manual subscription with no usage or recency signal at all.
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "amount", "is_automatic"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":      domain.TextCell("FreeTier"),
		"amount":       domain.TextCell("0"),
		"is_automatic": domain.TextCell("no"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	// 50 - 5 (no usage cols) - 5 (unknown recency) + 20 (zero amount) - 2 (manual) = 58
	if got.Score != 58 {
		t.Errorf("score = %v, want 58", got.Score)
	}
	if got.Decision != domain.DecisionKeep {
		t.Errorf("decision = %q, want keep", got.Decision)
	}
}

func TestFutureLastUsedDateClampsToZeroDays(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "last_used_date"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":        domain.TextCell("TimeTraveler"),
		"last_used_date": domain.TextCell("2026-01-01"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	if got.DaysSinceLastUse == nil {
		t.Fatal("expected days since last use to be set")
	}
	if *got.DaysSinceLastUse != 0 {
		t.Errorf("days = %d, want 0 for a future date", *got.DaysSinceLastUse)
	}
	// Clamped-to-zero counts as recent: 50 - 5 + 10 + 20 + 5 = 80
	if got.Score != 80 {
		t.Errorf("score = %v, want 80", got.Score)
	}
}

func TestUnparseableDateIsUnknownRecency(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "last_used_date"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":        domain.TextCell("svc"),
		"last_used_date": domain.TextCell("not a date"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	if got.DaysSinceLastUse != nil {
		t.Errorf("days = %v, want nil for unparseable date", *got.DaysSinceLastUse)
	}
}

func TestDateLayouts(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"2025-06-01", true},
		{"2025/06/01", true},
		{"06/01/2025", true},
		{"2025-06-01 08:30:00", true},
		{"2025-06-01T08:30:00Z", true},
		{"Jun 1, 2025", true},
		{"1 Jun 2025", true},
		{"yesterday", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, ok := parseDate(tt.in); ok != tt.ok {
			t.Errorf("parseDate(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}

func TestServiceFallback(t *testing.T) {
	engine := NewEngine(fixedClock)

	t.Run("subscription id fallback", func(t *testing.T) {
		mapping := schema.Map([]string{"sub_id"})
		rows := []domain.RawRecord{record(map[string]domain.Cell{
			"sub_id": domain.TextCell("SUB-42"),
		})}
		got := engine.ScoreTable(rows, mapping)[0]
		if got.Service != "SUB-42" {
			t.Errorf("service = %q, want SUB-42", got.Service)
		}
	})

	t.Run("unknown service fallback", func(t *testing.T) {
		mapping := schema.Map([]string{"whatever_col"})
		rows := []domain.RawRecord{record(map[string]domain.Cell{
			"whatever_col": domain.TextCell("x"),
		})}
		got := engine.ScoreTable(rows, mapping)[0]
		if got.Service != "Unknown Service" {
			t.Errorf("service = %q, want Unknown Service", got.Service)
		}
	})
}

func TestDefaults(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service": domain.TextCell("Bare"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want USD", got.Currency)
	}
	if got.Frequency != "monthly" {
		t.Errorf("frequency = %q, want monthly", got.Frequency)
	}
	if !got.AutoRenew {
		t.Error("auto-renew should default to true when the column is unbound")
	}
	if got.Amount != 0 {
		t.Errorf("amount = %v, want 0", got.Amount)
	}
}

func TestReasonSummaryOrderAndFormat(t *testing.T) {
	engine := NewEngine(fixedClock)
	headers := []string{"service", "amount", "currency", "uses_per_month", "usage_count", "last_used_date", "is_automatic"}
	mapping := schema.Map(headers)
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":        domain.TextCell("Full"),
		"amount":         domain.TextCell("19.99"),
		"currency":       domain.TextCell("EUR"),
		"uses_per_month": domain.TextCell("2.5"),
		"usage_count":    domain.TextCell("12"),
		"last_used_date": domain.TextCell("2025-06-10"),
		"is_automatic":   domain.TextCell("no"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	want := "uses_per_month=2.5; usage_count=12; days_since_last_use=5; amount=19.99 EUR; manual"
	if got.ReasonSummary != want {
		t.Errorf("reason summary = %q, want %q", got.ReasonSummary, want)
	}
}

func TestReasonSummaryOmitsAbsentSignals(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "amount"})
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service": domain.TextCell("Sparse"),
		"amount":  domain.TextCell("10"),
	})}

	got := engine.ScoreTable(rows, mapping)[0]
	want := "amount=10 USD; auto-renew"
	if got.ReasonSummary != want {
		t.Errorf("reason summary = %q, want %q", got.ReasonSummary, want)
	}
}

func TestEssentialCategoryCaseInsensitive(t *testing.T) {
	engine := NewEngine(fixedClock)
	mapping := schema.Map([]string{"service", "category"})

	for _, cat := range []string{"Infrastructure", " SECURITY ", "devops"} {
		rows := []domain.RawRecord{record(map[string]domain.Cell{
			"service":  domain.TextCell("svc"),
			"category": domain.TextCell(cat),
		})}
		got := engine.ScoreTable(rows, mapping)[0]
		// 50 - 5 - 5 + 20 + 30 + 5 = 95
		if got.Score != 95 {
			t.Errorf("category %q: score = %v, want 95", cat, got.Score)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	engine := NewEngine(fixedClock)
	headers := []string{"service", "amount", "uses_per_month", "last_used_date"}
	mapping := schema.Map(headers)
	rows := []domain.RawRecord{record(map[string]domain.Cell{
		"service":        domain.TextCell("svc"),
		"amount":         domain.TextCell("42.10"),
		"uses_per_month": domain.TextCell("3"),
		"last_used_date": domain.TextCell("2025-05-01"),
	})}

	first := engine.ScoreTable(rows, mapping)[0]
	for i := 0; i < 10; i++ {
		again := engine.ScoreTable(rows, mapping)[0]
		if math.Abs(again.Score-first.Score) > 1e-12 {
			t.Fatalf("run %d: score %v != %v", i, again.Score, first.Score)
		}
		if again.ReasonSummary != first.ReasonSummary {
			t.Fatalf("run %d: reason summary changed", i)
		}
	}
}

func TestNilClockDefaultsToNow(t *testing.T) {
	engine := NewEngine(nil)
	if engine.clock == nil {
		t.Fatal("clock should default to time.Now")
	}
}
