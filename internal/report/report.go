// Package report assembles scored candidates into an audit report: a
// stable score ordering, keep/cancel partitions and the plain-text summary.
package report

import (
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxCancelLines caps the cancel recommendations rendered in the summary.
const maxCancelLines = 20

const noCancelLine = " - None. Your subscriptions look fine under current heuristics."

const narrativeHeading = "LLM Explanation / Suggested Actions:"

var nextSteps = []string{
	"Suggested next steps:",
	"1) For each CANCEL candidate: review billing, check if shared accounts exist, pause auto-renew or cancel from provider portal.",
	"2) For high-cost KEEP candidates: negotiate enterprise discount or downgrade plan.",
	"3) For unclear items: manually inspect notes/usage or attach invoices for deeper audit.",
}

// Compose builds a report from scored candidates: stable ascending sort by
// score (cancel-worthiest first), partition by decision, then the summary
// text. The input slice is not mutated. Compose is pure: identical inputs
// yield byte-identical summaries. ID, tenant and timestamp are the caller's
// to fill in.
func Compose(scored []domain.ScoredCandidate, narrative string) *domain.Report {
	ordered := make([]domain.ScoredCandidate, len(scored))
	copy(ordered, scored)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score < ordered[j].Score
	})

	r := &domain.Report{
		Candidates: ordered,
		Narrative:  narrative,
	}
	for _, c := range ordered {
		if c.Decision == domain.DecisionCancel {
			r.Cancel = append(r.Cancel, c)
		} else {
			r.Keep = append(r.Keep, c)
		}
	}
	r.Counts = domain.ReportCounts{
		Total:  len(ordered),
		Cancel: len(r.Cancel),
		Keep:   len(r.Keep),
	}
	r.SummaryText = summaryText(r)
	return r
}

// TopCancelCandidates returns the first k cancel-decision candidates in
// ascending score order, for the narrative collaborator.
func TopCancelCandidates(scored []domain.ScoredCandidate, k int) []domain.ScoredCandidate {
	if k <= 0 {
		return nil
	}
	ordered := make([]domain.ScoredCandidate, len(scored))
	copy(ordered, scored)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score < ordered[j].Score
	})

	top := make([]domain.ScoredCandidate, 0, k)
	for _, c := range ordered {
		if c.Decision != domain.DecisionCancel {
			continue
		}
		top = append(top, c)
		if len(top) == k {
			break
		}
	}
	return top
}

func summaryText(r *domain.Report) string {
	lines := []string{
		"Total subscriptions analyzed: " + strconv.Itoa(r.Counts.Total),
		"Suggested to CANCEL: " + strconv.Itoa(r.Counts.Cancel),
		"Suggested to KEEP: " + strconv.Itoa(r.Counts.Keep),
		"",
		"Top cancellation recommendations (highest priority first):",
	}

	if len(r.Cancel) == 0 {
		lines = append(lines, noCancelLine)
	} else {
		for i, c := range r.Cancel {
			if i == maxCancelLines {
				break
			}
			lines = append(lines, "- "+c.Service+" ($"+formatAmount(c.Amount)+") => RECOMMENDATION: "+
				strings.ToUpper(string(c.Decision))+". Why: "+c.ReasonSummary)
		}
	}

	if r.Narrative != "" {
		lines = append(lines, "", narrativeHeading, r.Narrative)
	}

	lines = append(lines, "")
	lines = append(lines, nextSteps...)
	return strings.Join(lines, "\n")
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
