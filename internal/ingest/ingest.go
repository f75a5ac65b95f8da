// Package ingest reads delimited subscription exports into raw tables.
// Encoding and delimiter are sniffed rather than declared: real exports
// arrive as UTF-8 with or without a BOM, or as Latin-1, delimited by
// commas, tabs, semicolons or pipes.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrEmptyInput is returned when the input holds no header row.
var ErrEmptyInput = errors.New("ingest: empty input")

// ErrUnreadable is returned when no encoding/delimiter combination parses.
var ErrUnreadable = errors.New("ingest: unreadable table")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var delimiters = []rune{',', '\t', ';', '|'}

// ReadTable parses raw bytes into a table. Encodings are tried in order
// (UTF-8 with BOM, UTF-8, Latin-1) against each candidate delimiter; a
// single-column result under a non-comma delimiter is treated as a wrong
// guess and skipped. Headers are whitespace-trimmed; short rows pad with
// missing cells; empty cells become missing cells.
func ReadTable(data []byte) (*domain.Table, error) {
	if len(bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))) == 0 {
		return nil, ErrEmptyInput
	}

	var lastErr error
	var singleColumn *domain.Table
	for _, text := range decodings(data) {
		for _, delim := range delimiters {
			table, err := parse(text, delim)
			if err != nil {
				lastErr = err
				continue
			}
			if len(table.Headers) == 1 {
				// Probably the wrong delimiter. A comma parse is kept as
				// fallback in case the table genuinely has one column.
				if delim == ',' && singleColumn == nil {
					singleColumn = table
				}
				continue
			}
			return table, nil
		}
	}

	if singleColumn != nil {
		return singleColumn, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, lastErr)
	}
	return nil, ErrUnreadable
}

// decodings returns the candidate text decodings of the input, in
// preference order. Latin-1 decoding never fails, so it is only offered
// when the bytes are not already valid UTF-8.
func decodings(data []byte) []string {
	trimmed := bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(trimmed) {
		return []string{string(trimmed)}
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(trimmed)
	if err != nil {
		// ISO 8859-1 maps every byte; unreachable in practice.
		return []string{string(trimmed)}
	}
	return []string{string(decoded)}
}

func parse(text string, delim rune) (*domain.Table, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1 // ragged rows handled below
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}

	rows := make([]domain.RawRecord, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(domain.RawRecord, len(headers))
		for i, h := range headers {
			if i >= len(rec) {
				row[h] = domain.MissingCell()
				continue
			}
			row[h] = toCell(rec[i])
		}
		rows = append(rows, row)
	}

	return &domain.Table{Headers: headers, Rows: rows}, nil
}

// toCell converts a raw CSV field. Empty fields are missing; fields that
// parse as plain decimal numbers become number cells, everything else
// stays text.
func toCell(field string) domain.Cell {
	if strings.TrimSpace(field) == "" {
		return domain.MissingCell()
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil {
		return domain.NumberCell(v)
	}
	return domain.TextCell(field)
}
