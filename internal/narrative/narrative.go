// Package narrative produces optional human-readable explanations for the
// top cancellation candidates via an external language-model service.
// The narrator is strictly advisory: any failure degrades to an empty
// narrative and the audit proceeds unchanged.
package narrative

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxResponseBytes caps the narrative body read from the service.
const maxResponseBytes = 64 * 1024

// New creates a narrator from config: "none" (or empty) for the no-op
// narrator, "http" for the external service client.
func New(cfg domain.NarrativeConfig) (domain.Narrator, error) {
	switch cfg.Type {
	case "", "none":
		return NewNoopNarrator(), nil
	case "http":
		return NewHTTPNarrator(cfg)
	default:
		return nil, fmt.Errorf("unsupported narrator type: %s", cfg.Type)
	}
}

// NoopNarrator always returns an empty narrative.
type NoopNarrator struct{}

// NewNoopNarrator creates the no-op narrator.
func NewNoopNarrator() *NoopNarrator {
	return &NoopNarrator{}
}

// Explain returns an empty narrative.
func (n *NoopNarrator) Explain(_ context.Context, _ []domain.ScoredCandidate) (string, error) {
	return "", nil
}

// HTTPNarrator posts candidates to an external explanation service and
// returns the response body as the narrative. Transport errors and
// non-200 responses degrade to an empty narrative, never an error.
type HTTPNarrator struct {
	url    string
	client *http.Client
}

// NewHTTPNarrator creates an HTTP narrator.
func NewHTTPNarrator(cfg domain.NarrativeConfig) (*HTTPNarrator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("narrator url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNarrator{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type explainRequest struct {
	Candidates []domain.ScoredCandidate `json:"candidates"`
}

// Explain posts the candidates and returns the service's plain-text
// explanation. Returns "" with a nil error on any failure.
func (n *HTTPNarrator) Explain(ctx context.Context, candidates []domain.ScoredCandidate) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}

	body, err := json.Marshal(explainRequest{Candidates: candidates})
	if err != nil {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return "", nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("narrative service unreachable", "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("narrative service returned non-200", "status", resp.StatusCode)
		return "", nil
	}

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		slog.Warn("narrative read failed", "error", err)
		return "", nil
	}
	return string(text), nil
}

// CachedNarrator wraps a narrator with a cache keyed on the candidate
// set, so repeat audits of unchanged data skip the external call.
type CachedNarrator struct {
	inner domain.Narrator
	cache domain.Cache
	ttl   time.Duration
}

// cacheTenant scopes narrative entries; narratives carry no tenant data
// beyond the candidates themselves, which form the key.
const cacheTenant = "_global"

// NewCachedNarrator wraps a narrator with caching.
func NewCachedNarrator(inner domain.Narrator, cache domain.Cache, ttl time.Duration) *CachedNarrator {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedNarrator{inner: inner, cache: cache, ttl: ttl}
}

// Explain returns a cached narrative when available, otherwise delegates
// and caches a non-empty result. Cache failures fall through to the inner
// narrator.
func (n *CachedNarrator) Explain(ctx context.Context, candidates []domain.ScoredCandidate) (string, error) {
	key, ok := cacheKey(candidates)
	if ok {
		if cached, err := n.cache.Get(ctx, cacheTenant, key); err == nil && cached != nil {
			return string(cached), nil
		}
	}

	text, err := n.inner.Explain(ctx, candidates)
	if err != nil {
		return "", err
	}

	if ok && text != "" {
		if err := n.cache.Set(ctx, cacheTenant, key, []byte(text), n.ttl); err != nil {
			slog.Warn("narrative cache set failed", "error", err)
		}
	}
	return text, nil
}

func cacheKey(candidates []domain.ScoredCandidate) (string, bool) {
	data, err := json.Marshal(candidates)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return "narrative:" + hex.EncodeToString(sum[:]), true
}
