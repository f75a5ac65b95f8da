// Package schema infers which source column supplies each canonical
// subscription field, given a table's header list and a dictionary of
// priority-ordered header aliases.
package schema

import (
	"sort"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Canonical field names.
const (
	FieldService        = "service"
	FieldAmount         = "amount"
	FieldCurrency       = "currency"
	FieldFrequency      = "frequency"
	FieldStartDate      = "start_date"
	FieldLastChargeDate = "last_charge_date"
	FieldLastUsedDate   = "last_used_date"
	FieldUsageCount     = "usage_count"
	FieldUsesPerMonth   = "uses_per_month"
	FieldIsAutomatic    = "is_automatic"
	FieldCategory       = "category"
	FieldNotes          = "notes"
	FieldSubscriptionID = "subscription_id"
)

// Dictionary maps a canonical field to its priority-ordered header aliases.
// The first alias wins on exact match.
type Dictionary map[string][]string

// DefaultDictionary returns the built-in canonical field dictionary.
func DefaultDictionary() Dictionary {
	return Dictionary{
		FieldService:        {"service", "vendor", "plan", "subscription", "description", "name"},
		FieldAmount:         {"amount", "price", "cost", "charge", "price_usd", "value"},
		FieldCurrency:       {"currency", "curr"},
		FieldFrequency:      {"frequency", "freq", "billing_frequency", "period"},
		FieldStartDate:      {"start_date", "start", "date_started", "created_at"},
		FieldLastChargeDate: {"last_charge_date", "last_charge", "last_billed", "last_payment_date"},
		FieldLastUsedDate:   {"last_used_date", "last_used", "last_activity", "last_accessed", "last_seen"},
		FieldUsageCount:     {"usage_count", "uses", "count", "times_used"},
		FieldUsesPerMonth:   {"uses_per_month", "uses/month", "usage_per_month", "uses_per_mo"},
		FieldIsAutomatic:    {"is_automatic", "auto", "auto_renew", "automatic", "is_autorenew"},
		FieldCategory:       {"category", "type", "tag"},
		FieldNotes:          {"notes", "comment", "info", "details"},
		FieldSubscriptionID: {"subscription_id", "id", "sub_id"},
	}
}

// Fields returns the canonical field names in sorted order.
func (d Dictionary) Fields() []string {
	fields := make([]string, 0, len(d))
	for f := range d {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Binding identifies the source column bound to a canonical field.
// The explicit Bound flag replaces any nil/empty-string sentinel: an
// unbound field is a first-class state every consumer must handle.
type Binding struct {
	Column string `json:"column"`
	Bound  bool   `json:"bound"`
}

// Mapping is the resolved association from canonical field to source
// column. Built once per table, read-only afterwards.
type Mapping map[string]Binding

// Lookup returns the binding for a canonical field.
func (m Mapping) Lookup(field string) Binding {
	return m[field]
}

// Map resolves headers against the built-in dictionary.
func Map(headers []string) Mapping {
	return mapWithDictionary(headers, DefaultDictionary())
}

// Mapper resolves schema mappings using the built-in dictionary plus
// persisted per-tenant alias overrides. Overrides are appended after the
// built-in aliases so built-ins keep priority.
type Mapper struct {
	mu        sync.RWMutex
	dict      Dictionary
	overrides []*domain.FieldAlias
}

// NewMapper creates a mapper with the default dictionary.
func NewMapper() *Mapper {
	return &Mapper{dict: DefaultDictionary()}
}

// Reload replaces all alias overrides (hot reload from the repository).
// Overrides referencing unknown canonical fields are ignored.
func (m *Mapper) Reload(aliases []*domain.FieldAlias) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append([]*domain.FieldAlias(nil), aliases...)
	sort.SliceStable(m.overrides, func(i, j int) bool {
		return m.overrides[i].Position < m.overrides[j].Position
	})
}

// AddAlias registers a single extra alias for a canonical field.
func (m *Mapper) AddAlias(alias *domain.FieldAlias) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, alias)
}

// AliasCount returns the number of loaded alias overrides.
func (m *Mapper) AliasCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.overrides)
}

// Dictionary returns the effective dictionary including overrides.
func (m *Mapper) Dictionary() Dictionary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveDictionary()
}

// Map resolves headers against the effective dictionary.
func (m *Mapper) Map(headers []string) Mapping {
	m.mu.RLock()
	dict := m.effectiveDictionary()
	m.mu.RUnlock()
	return mapWithDictionary(headers, dict)
}

func (m *Mapper) effectiveDictionary() Dictionary {
	dict := make(Dictionary, len(m.dict))
	for field, aliases := range m.dict {
		dict[field] = append([]string(nil), aliases...)
	}
	for _, o := range m.overrides {
		if _, ok := dict[o.Field]; !ok {
			continue
		}
		dict[o.Field] = append(dict[o.Field], o.Alias)
	}
	return dict
}

// mapWithDictionary runs the two-phase exact-then-fuzzy binding.
//
// Phase 1 (exact): for each canonical field, scan its alias list in
// priority order; the first alias that case-insensitively equals a header
// binds that header.
//
// Phase 2 (fuzzy): only for fields still unbound, scan headers in table
// order (outer) against aliases in priority order (inner); bind when
// either lower-cased string is a substring of the other. First match wins.
//
// The phase ordering and early exits are contractual: a different scan
// order silently rebinds columns and corrupts scoring downstream.
func mapWithDictionary(headers []string, dict Dictionary) Mapping {
	lowered := make([]string, len(headers))
	byLower := make(map[string]string, len(headers))
	for i, h := range headers {
		lowered[i] = strings.ToLower(h)
		byLower[lowered[i]] = h
	}

	mapping := make(Mapping, len(dict))
	for field, aliases := range dict {
		mapping[field] = bindField(headers, lowered, byLower, aliases)
	}
	return mapping
}

func bindField(headers, lowered []string, byLower map[string]string, aliases []string) Binding {
	// Exact pass: alias priority order decides.
	for _, alias := range aliases {
		if col, ok := byLower[strings.ToLower(alias)]; ok {
			return Binding{Column: col, Bound: true}
		}
	}

	// Fuzzy pass: header order outer, alias order inner.
	for i, hl := range lowered {
		for _, alias := range aliases {
			al := strings.ToLower(alias)
			if strings.Contains(hl, al) || strings.Contains(al, hl) {
				return Binding{Column: headers[i], Bound: true}
			}
		}
	}

	return Binding{}
}
