package domain

import (
	"context"
	"time"
)

// Narrator is the optional external natural-language explanation generator.
// Implementations receive the top cancel candidates and return free text.
// An empty string is the uniform "unavailable" signal: callers never
// distinguish "not configured" from "call failed".
type Narrator interface {
	Explain(ctx context.Context, candidates []ScoredCandidate) (string, error)
}

// NarratorFunc adapts a plain function to the Narrator interface.
type NarratorFunc func(ctx context.Context, candidates []ScoredCandidate) (string, error)

// Explain calls f.
func (f NarratorFunc) Explain(ctx context.Context, candidates []ScoredCandidate) (string, error) {
	return f(ctx, candidates)
}

// NarrativeConfig holds configuration for the narrative collaborator.
type NarrativeConfig struct {
	// Type is the narrator type: "none" or "http"
	Type string

	// HTTP narrator settings
	URL         string
	TimeoutSecs int

	// TopK is how many cancel candidates are sent to the narrator
	TopK int

	// CacheTTL enables caching of narrative text when > 0
	CacheTTL time.Duration
}
