// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"encoding/json"
	"strconv"
)

// CellKind tags the variants a raw table cell can hold.
type CellKind int

const (
	// CellMissing marks an absent or null cell.
	CellMissing CellKind = iota

	// CellText holds an uninterpreted string value.
	CellText

	// CellNumber holds a numeric value (e.g. from JSON input).
	CellNumber
)

// Cell is a raw, loosely-typed table cell modeled as a tagged union.
// Normalizer functions switch on Kind instead of relying on dynamic coercion.
type Cell struct {
	Kind   CellKind
	Text   string
	Number float64
}

// TextCell wraps a string value.
func TextCell(s string) Cell {
	return Cell{Kind: CellText, Text: s}
}

// NumberCell wraps a numeric value.
func NumberCell(f float64) Cell {
	return Cell{Kind: CellNumber, Number: f}
}

// MissingCell returns the absent-value sentinel.
func MissingCell() Cell {
	return Cell{Kind: CellMissing}
}

// IsMissing reports whether the cell holds no value.
func (c Cell) IsMissing() bool {
	return c.Kind == CellMissing
}

// String renders the cell for display and string-based parsing.
// Numbers use the shortest decimal representation; missing cells render empty.
func (c Cell) String() string {
	switch c.Kind {
	case CellText:
		return c.Text
	case CellNumber:
		return strconv.FormatFloat(c.Number, 'f', -1, 64)
	default:
		return ""
	}
}

// MarshalJSON encodes missing as null, text as a string, numbers as numbers.
func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CellText:
		return json.Marshal(c.Text)
	case CellNumber:
		return json.Marshal(c.Number)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes null into a missing cell, numbers into numeric cells
// and everything else into text cells. Booleans become the text "true"/"false"
// so the boolean normalizer can pick them up.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch val := v.(type) {
	case nil:
		*c = MissingCell()
	case float64:
		*c = NumberCell(val)
	case bool:
		if val {
			*c = TextCell("true")
		} else {
			*c = TextCell("false")
		}
	case string:
		*c = TextCell(val)
	default:
		// Arrays/objects have no cell meaning; keep their JSON text.
		raw, _ := json.Marshal(val)
		*c = TextCell(string(raw))
	}
	return nil
}

// RawRecord is one source row: column identifier to raw cell value.
// Records are never mutated by the pipeline.
type RawRecord map[string]Cell

// Cell returns the cell for a column, or the missing sentinel when the
// column is absent from the row.
func (r RawRecord) Cell(column string) Cell {
	if c, ok := r[column]; ok {
		return c
	}
	return MissingCell()
}

// Table couples an ordered header list with its rows.
type Table struct {
	Headers []string    `json:"headers"`
	Rows    []RawRecord `json:"rows"`
}

// Dataset is a stored raw table, persisted per tenant so audits can be
// re-run against it. Scores are never persisted; every audit recomputes.
type Dataset struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	Name      string      `json:"name"`
	Headers   []string    `json:"headers"`
	Rows      []RawRecord `json:"rows"`
	CreatedAt int64       `json:"createdAt"` // unix seconds
}
