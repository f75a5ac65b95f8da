// One-shot audit tool for local subscription exports.
//
// Usage:
//   go run cmd/audit/main.go -csv /path/to/subscriptions.csv
//
// This tool:
//   1. Reads a delimited export (CSV/TSV, UTF-8 or Latin-1)
//   2. Binds headers to canonical fields and scores every row
//   3. Prints the plain-text audit summary (or the full report with -json)
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func main() {
	csvPath := flag.String("csv", "", "Path to the subscription export (required)")
	asJSON := flag.Bool("json", false, "Print the full report as JSON instead of the text summary")
	flag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: audit -csv <file> [-json]")
		os.Exit(2)
	}

	data, err := os.ReadFile(*csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", *csvPath, err)
		os.Exit(1)
	}

	table, err := ingest.ReadTable(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse %s: %v\n", *csvPath, err)
		os.Exit(1)
	}

	mapping := schema.Map(table.Headers)
	scored := scoring.NewEngine(nil).ScoreTable(table.Rows, mapping)

	rep := report.Compose(scored, "")
	rep.ID = uuid.New().String()
	rep.GeneratedAt = time.Now().UTC()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "error: encode report: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println(rep.SummaryText)
}
