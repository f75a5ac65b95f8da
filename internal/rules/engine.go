// Package rules provides the CEL-Go based watch-rule engine. Watch rules
// annotate scored candidates with notes; they never alter scores or
// decisions, which belong to the scoring engine alone.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates watch rules against scored candidates.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.WatchRule
	Program cel.Program
}

// NewEngine creates a watch-rule engine with the candidate variable set.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("service", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("frequency", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("decision", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("uses_per_month", cel.DoubleType),
		cel.Variable("usage_count", cel.DoubleType),
		cel.Variable("auto_renew", cel.BoolType),
		// -1 when the last-used date is unknown.
		cel.Variable("days_since_last_use", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.WatchRule) error {
	if rule == nil {
		return fmt.Errorf("watch rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.WatchRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiledRules[rule.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *Engine) LoadRules(rules []*domain.WatchRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(rules []*domain.WatchRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// RemoveRule unloads a rule by ID. Unknown IDs are a no-op.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiledRules, id)
}

// Annotate evaluates every loaded rule against every candidate and appends
// the rule note to Notes where the expression is true. The input slice is
// not mutated; score, decision and reason summary pass through untouched.
func (e *Engine) Annotate(candidates []domain.ScoredCandidate) []domain.ScoredCandidate {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	// Stable note order regardless of map iteration.
	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.ID < rules[j].Rule.ID })

	out := make([]domain.ScoredCandidate, len(candidates))
	copy(out, candidates)
	if len(rules) == 0 {
		return out
	}

	for i := range out {
		activation := activationFor(&out[i])
		for _, rule := range rules {
			val, _, err := rule.Program.Eval(activation)
			if err != nil {
				// A rule failing on one record must not poison the audit.
				continue
			}
			b, ok := val.(types.Bool)
			if !ok || !bool(b) {
				continue
			}
			note := rule.Rule.Name
			if rule.Rule.Note != "" {
				note += ": " + rule.Rule.Note
			}
			if out[i].Notes != "" {
				out[i].Notes += "; "
			}
			out[i].Notes += note
		}
	}

	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule definitions.
func (e *Engine) GetLoadedRules() []*domain.WatchRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.WatchRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.WatchRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

func activationFor(c *domain.ScoredCandidate) map[string]any {
	usesPerMonth := 0.0
	if c.UsesPerMonth != nil {
		usesPerMonth = *c.UsesPerMonth
	}
	usageCount := 0.0
	if c.UsageCount != nil {
		usageCount = *c.UsageCount
	}
	days := int64(-1)
	if c.DaysSinceLastUse != nil {
		days = int64(*c.DaysSinceLastUse)
	}

	return map[string]any{
		"service":             c.Service,
		"category":            c.Category,
		"frequency":           c.Frequency,
		"currency":            c.Currency,
		"decision":            string(c.Decision),
		"amount":              c.Amount,
		"score":               c.Score,
		"uses_per_month":      usesPerMonth,
		"usage_count":         usageCount,
		"auto_renew":          c.AutoRenew,
		"days_since_last_use": days,
	}
}
