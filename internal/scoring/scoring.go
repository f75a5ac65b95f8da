// Package scoring combines usage, recency, cost, category and auto-renewal
// signals into a bounded retain/cancel score per subscription record.
package scoring

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/normalize"
	"github.com/opensource-finance/kestrel/internal/schema"
)

// Scoring constants. These thresholds and magnitudes are contractual:
// they define the engine's externally observable behavior and are not
// tunable configuration.
const (
	baselineScore = 50.0

	staleDays  = 180
	recentDays = 30

	highCostFactor = 1.5

	usesPerMonthHigh = 5.0
	usesPerMonthLow  = 1.0
	usageCountHigh   = 50.0
	usageCountLow    = 5.0
)

// essentialCategories get a +30 boost.
var essentialCategories = map[string]struct{}{
	"infrastructure": {}, "accounting": {}, "payment": {},
	"crm": {}, "devops": {}, "security": {},
}

// dateLayouts are tried in order when parsing last-used timestamps.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Clock supplies "now" so full pipeline runs are reproducible in tests.
type Clock func() time.Time

// Engine scores subscription records. Scoring a record is a pure function
// of its normalized fields, the table median amount and the clock; records
// are independent and the engine holds no per-table state.
type Engine struct {
	clock Clock
}

// NewEngine creates a scoring engine. A nil clock means time.Now.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{clock: clock}
}

// ScoreTable scores every row of a table. The table-wide median of parsed
// amounts is computed first (the only cross-record input), then each row
// is scored independently. Output order matches input order.
func (e *Engine) ScoreTable(rows []domain.RawRecord, mapping schema.Mapping) []domain.ScoredCandidate {
	median := MedianAmount(rows, mapping)
	now := e.clock()

	scored := make([]domain.ScoredCandidate, len(rows))
	for i, row := range rows {
		scored[i] = scoreRecord(row, mapping, median, now)
	}
	return scored
}

// MedianAmount computes the median of ParseAmount over all rows.
// Unbound amount columns and unparseable cells count as 0.0; an even
// number of rows takes the mean of the two middle values.
func MedianAmount(rows []domain.RawRecord, mapping schema.Mapping) float64 {
	if len(rows) == 0 {
		return 0.0
	}

	amount := mapping.Lookup(schema.FieldAmount)
	values := make([]float64, len(rows))
	for i, row := range rows {
		if amount.Bound {
			values[i] = normalize.ParseAmount(row.Cell(amount.Column))
		}
	}

	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// scoreRecord normalizes one record and applies the additive adjustments.
// No failure escapes: every parse error degrades to the normalizer default.
func scoreRecord(row domain.RawRecord, mapping schema.Mapping, median float64, now time.Time) domain.ScoredCandidate {
	c := domain.ScoredCandidate{
		Service:   resolveService(row, mapping),
		Currency:  "USD",
		Frequency: "monthly",
		AutoRenew: true, // deliberately optimistic when the column is unbound
	}

	if b := mapping.Lookup(schema.FieldAmount); b.Bound {
		c.Amount = normalize.ParseAmount(row.Cell(b.Column))
	}
	if b := mapping.Lookup(schema.FieldCurrency); b.Bound {
		if s := strings.TrimSpace(row.Cell(b.Column).String()); s != "" {
			c.Currency = s
		}
	}
	if b := mapping.Lookup(schema.FieldFrequency); b.Bound {
		if s := strings.TrimSpace(row.Cell(b.Column).String()); s != "" {
			c.Frequency = s
		}
	}
	if b := mapping.Lookup(schema.FieldCategory); b.Bound {
		c.Category = strings.TrimSpace(row.Cell(b.Column).String())
	}
	if b := mapping.Lookup(schema.FieldNotes); b.Bound {
		c.Notes = row.Cell(b.Column).String()
	}

	// Usage signals count as present only when the column is bound:
	// absence and zero are distinguished here and only here.
	if b := mapping.Lookup(schema.FieldUsesPerMonth); b.Bound {
		v := normalize.ParseNumber(row.Cell(b.Column))
		c.UsesPerMonth = &v
	}
	if b := mapping.Lookup(schema.FieldUsageCount); b.Bound {
		v := normalize.ParseNumber(row.Cell(b.Column))
		c.UsageCount = &v
	}

	c.DaysSinceLastUse = daysSinceLastUse(row, mapping, now)

	if b := mapping.Lookup(schema.FieldIsAutomatic); b.Bound {
		c.AutoRenew = normalize.ParseBool(row.Cell(b.Column))
	}

	c.Score = computeScore(&c, median)
	if c.Score < domain.DecisionThreshold {
		c.Decision = domain.DecisionCancel
	} else {
		c.Decision = domain.DecisionKeep
	}
	c.ReasonSummary = reasonSummary(&c)

	return c
}

// resolveService picks the service label: bound service column, else bound
// subscription_id column, else a fixed fallback.
func resolveService(row domain.RawRecord, mapping schema.Mapping) string {
	if b := mapping.Lookup(schema.FieldService); b.Bound {
		return row.Cell(b.Column).String()
	}
	if b := mapping.Lookup(schema.FieldSubscriptionID); b.Bound {
		return row.Cell(b.Column).String()
	}
	return "Unknown Service"
}

// daysSinceLastUse returns nil when the last-used column is unbound or the
// cell does not parse as a date. A future date clamps to zero days rather
// than going negative or unknown.
func daysSinceLastUse(row domain.RawRecord, mapping schema.Mapping, now time.Time) *int {
	b := mapping.Lookup(schema.FieldLastUsedDate)
	if !b.Bound {
		return nil
	}

	cell := row.Cell(b.Column)
	if cell.Kind != domain.CellText {
		return nil
	}

	t, ok := parseDate(cell.Text)
	if !ok {
		return nil
	}

	days := int(now.Sub(t).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// computeScore applies the independent additive adjustments to the
// baseline and clamps the result to [0, 100].
func computeScore(c *domain.ScoredCandidate, median float64) float64 {
	score := baselineScore

	// Usage: uses_per_month has priority over usage_count when both
	// columns are bound.
	switch {
	case c.UsesPerMonth != nil:
		switch {
		case *c.UsesPerMonth >= usesPerMonthHigh:
			score += 30
		case *c.UsesPerMonth >= usesPerMonthLow:
			score += 10
		default:
			score -= 20
		}
	case c.UsageCount != nil:
		switch {
		case *c.UsageCount >= usageCountHigh:
			score += 20
		case *c.UsageCount >= usageCountLow:
			score += 5
		default:
			score -= 15
		}
	default:
		score -= 5
	}

	// Recency: unknown is the worst case short of long-stale.
	switch {
	case c.DaysSinceLastUse == nil:
		score -= 5
	case *c.DaysSinceLastUse > staleDays:
		score -= 25
	case *c.DaysSinceLastUse > recentDays:
		score -= 5
	default:
		score += 10
	}

	// Cost relative to the table median.
	if median > 0 && c.Amount > median*highCostFactor {
		score -= 15
	} else if c.Amount == 0 {
		score += 20
	}

	// Essential categories are boosted.
	if _, ok := essentialCategories[strings.ToLower(strings.TrimSpace(c.Category))]; ok {
		score += 30
	}

	// Auto-renew slightly favored.
	if c.AutoRenew {
		score += 5
	} else {
		score -= 2
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// reasonSummary renders the semicolon-joined ordered reason list. Only
// applicable entries appear; amount and the renewal mode always do.
func reasonSummary(c *domain.ScoredCandidate) string {
	reasons := make([]string, 0, 5)

	if c.UsesPerMonth != nil {
		reasons = append(reasons, "uses_per_month="+formatFloat(*c.UsesPerMonth))
	}
	if c.UsageCount != nil {
		reasons = append(reasons, "usage_count="+strconv.Itoa(int(*c.UsageCount)))
	}
	if c.DaysSinceLastUse != nil {
		reasons = append(reasons, "days_since_last_use="+strconv.Itoa(*c.DaysSinceLastUse))
	}
	reasons = append(reasons, "amount="+formatFloat(c.Amount)+" "+c.Currency)

	if c.AutoRenew {
		reasons = append(reasons, "auto-renew")
	} else {
		reasons = append(reasons, "manual")
	}

	return strings.Join(reasons, "; ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
