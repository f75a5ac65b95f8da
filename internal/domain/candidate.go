package domain

import (
	"time"
)

// Decision is the binary retain/cancel outcome for a scored candidate.
type Decision string

const (
	// DecisionKeep means the subscription should be retained.
	DecisionKeep Decision = "keep"

	// DecisionCancel means the subscription is a cancellation candidate.
	DecisionCancel Decision = "cancel"
)

// DecisionThreshold separates keep from cancel: cancel iff score < 50.
// A score of exactly 50 is a keep.
const DecisionThreshold = 50.0

// ScoredCandidate is one subscription record after normalization and scoring.
// Created once per input row, immutable afterwards.
type ScoredCandidate struct {
	Service   string  `json:"service"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Frequency string  `json:"frequency"`
	Category  string  `json:"category,omitempty"`

	// Usage signals. Nil means the source column was unbound, which scores
	// differently from a bound column holding zero.
	UsesPerMonth *float64 `json:"usesPerMonth,omitempty"`
	UsageCount   *float64 `json:"usageCount,omitempty"`

	// DaysSinceLastUse is nil when the last-used date is unbound or
	// unparseable ("unknown" recency, the worst case for scoring).
	DaysSinceLastUse *int `json:"daysSinceLastUse,omitempty"`

	AutoRenew bool `json:"autoRenew"`

	Score         float64  `json:"score"` // clamped to [0, 100]
	Decision      Decision `json:"decision"`
	ReasonSummary string   `json:"reasonSummary"`
	Notes         string   `json:"notes,omitempty"`
}

// ReportCounts holds the aggregate counts of a report.
type ReportCounts struct {
	Total  int `json:"total"`
	Cancel int `json:"cancel"`
	Keep   int `json:"keep"`
}

// Report is the ranked audit output: all candidates ascending by score
// (most cancel-worthy first), the cancel/keep partition, counts and the
// rendered summary text. Recomputed fully on every run.
type Report struct {
	ID          string    `json:"id,omitempty"`
	TenantID    string    `json:"tenantId,omitempty"`
	GeneratedAt time.Time `json:"generatedAt,omitempty"`

	Candidates []ScoredCandidate `json:"candidates"`
	Cancel     []ScoredCandidate `json:"cancel"`
	Keep       []ScoredCandidate `json:"keep"`
	Counts     ReportCounts      `json:"counts"`

	Narrative   string `json:"narrative,omitempty"`
	SummaryText string `json:"summaryText"`
}
