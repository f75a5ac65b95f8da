package domain

import "time"

// WatchRule is a tenant-configured CEL expression evaluated against a scored
// candidate. When the expression is true, Note is appended to the candidate's
// notes. Watch rules annotate only; they never change score or decision.
type WatchRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression over candidate fields; must evaluate to bool
	Expression string `json:"expression"`

	// Note appended to matching candidates
	Note string `json:"note"`

	// Whether the rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
