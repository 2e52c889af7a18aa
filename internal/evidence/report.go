package evidence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Report bundles the three pipeline outputs. Rendering is deterministic:
// identical inputs produce identical bytes, in both formats.
type Report struct {
	Claim  ClaimContext `json:"claim"`
	Ledger *Ledger      `json:"ledger"`
	Score  *ScoreTrace  `json:"score"`
	Gaps   *GapMap      `json:"gaps"`
}

// RenderJSON renders the report as indented JSON with stable key order
// (struct fields in declaration order, map keys sorted by encoding/json).
func (r *Report) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// RenderMarkdown renders the fixed-section Markdown report:
// Summary, Confidence, Evidence Table, Gaps, What Would Change The Score.
func (r *Report) RenderMarkdown() string {
	var b strings.Builder

	b.WriteString("# Evidence Report\n\n")

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "%d unique studies (%d retrieved, %d duplicates removed).\n",
		r.Ledger.Dedupe.Unique, r.Ledger.Dedupe.Input,
		r.Ledger.Dedupe.DroppedByID+r.Ledger.Dedupe.DroppedByTitle)
	if r.Claim.TargetPopulation != "" {
		fmt.Fprintf(&b, "Target population: %s.\n", r.Claim.TargetPopulation)
	}
	b.WriteString("\n")

	b.WriteString("## Confidence\n\n")
	fmt.Fprintf(&b, "**%s** — final confidence %s / 100 (CES %s, MP %s, bonus %s, penalties %s).\n\n",
		r.Score.Label,
		formatScore(r.Score.FinalConfidence),
		formatScore(r.Score.CES),
		formatScore(r.Score.MP),
		formatScore(r.Score.Bonus),
		formatScore(r.Score.PenaltyTotal))
	if len(r.Score.CapsApplied) > 0 {
		b.WriteString("Caps applied:\n")
		for _, cap := range r.Score.CapsApplied {
			fmt.Fprintf(&b, "- %s (≤%s)\n", cap.Reason, formatScore(cap.Cap))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Evidence Table\n\n")
	b.WriteString("| Level | Description | Count |\n")
	b.WriteString("|-------|-------------|-------|\n")
	for level := LevelSystematicReview; level <= LevelMechanistic; level++ {
		fmt.Fprintf(&b, "| %d | %s | %d |\n", level, LevelName(level), r.Ledger.LevelCount(level))
	}
	b.WriteString("\n")
	endpoints := sortedKeys(r.Ledger.CountsByEndpoint)
	if len(endpoints) > 0 {
		b.WriteString("Endpoints: ")
		parts := make([]string, 0, len(endpoints))
		for _, ep := range endpoints {
			parts = append(parts, fmt.Sprintf("%s %d", ep, r.Ledger.CountsByEndpoint[ep]))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(".\n\n")
	}

	b.WriteString("## Gaps\n\n")
	if len(r.Gaps.MissingLevels) > 0 {
		levels := make([]string, 0, len(r.Gaps.MissingLevels))
		for _, lvl := range r.Gaps.MissingLevels {
			levels = append(levels, strconv.Itoa(lvl))
		}
		fmt.Fprintf(&b, "Missing evidence levels: %s.\n", strings.Join(levels, ", "))
	}
	if r.Gaps.HardEndpointAbsent {
		b.WriteString("No study reports a hard clinical endpoint.\n")
	}
	for _, signal := range r.Gaps.MismatchSignals {
		fmt.Fprintf(&b, "Mismatch signal: %s.\n", signal)
	}
	if len(r.Gaps.MissingLevels) == 0 && !r.Gaps.HardEndpointAbsent && len(r.Gaps.MismatchSignals) == 0 {
		b.WriteString("No structural gaps detected.\n")
	}
	b.WriteString("\n")

	b.WriteString("## What Would Change The Score\n\n")
	for _, study := range r.Gaps.NextBestStudies {
		fmt.Fprintf(&b, "- %s\n", study)
	}

	return b.String()
}

// formatScore prints scores without trailing zeros ("27.7", "18.2", "45").
func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
