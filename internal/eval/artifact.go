package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WriteArtifacts persists a report under dir as a timestamped JSON document
// plus a plain-text rendering, and returns both paths. The stamp comes from
// the report's own timestamp so the artifacts and the run row agree.
func WriteArtifacts(report Report, scenario, dir string, t Thresholds) (jsonPath, textPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating results dir: %w", err)
	}

	stamp := report.Timestamp.Format("20060102_150405")
	jsonPath = filepath.Join(dir, fmt.Sprintf("eval_%s.json", stamp))
	textPath = filepath.Join(dir, fmt.Sprintf("eval_%s.txt", stamp))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshalling report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	if err := os.WriteFile(textPath, []byte(RenderText(report, scenario, t)), 0o644); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", textPath, err)
	}
	return jsonPath, textPath, nil
}

// RenderText formats a report as a sectioned plain-text document. Queries are
// rendered in sorted order so the output is stable for a given report.
func RenderText(report Report, scenario string, t Thresholds) string {
	var sb strings.Builder

	sb.WriteString("POISONED RETRIEVAL EVALUATION\n")
	sb.WriteString("=============================\n")
	fmt.Fprintf(&sb, "Generated: %s\n", report.Timestamp.Format("2006-01-02 15:04:05 MST"))
	if scenario != "" {
		fmt.Fprintf(&sb, "Scenario:  %s\n", scenario)
	}
	sb.WriteString("\n")

	sb.WriteString("RETRIEVAL SUMMARY\n")
	sb.WriteString("-----------------\n")
	fmt.Fprintf(&sb, "Queries evaluated: %d\n", len(report.PerQuery))
	fmt.Fprintf(&sb, "Total retrieved:   %d\n", report.TotalRetrieved)
	fmt.Fprintf(&sb, "Poisoned hits:     %d\n", report.PoisonedHits)
	fmt.Fprintf(&sb, "Poisoned retrieval rate: %.1f%%\n", report.PRR)
	sb.WriteString("\n")

	sb.WriteString("ATTACK OUTCOME\n")
	sb.WriteString("--------------\n")
	severity := t.Classify(report.PRR)
	fmt.Fprintf(&sb, "Severity: %s\n", severity)
	fmt.Fprintf(&sb, "%s\n", outcomeLine(severity))
	sb.WriteString("\n")

	sb.WriteString("DETAILED RESULTS\n")
	sb.WriteString("----------------\n")
	queries := make([]string, 0, len(report.PerQuery))
	for q := range report.PerQuery {
		queries = append(queries, q)
	}
	sort.Strings(queries)
	for i, q := range queries {
		stats := report.PerQuery[q]
		fmt.Fprintf(&sb, "[%d] %q\n", i+1, q)
		if stats.TimedOut {
			sb.WriteString("    timed out, contributed zero\n")
			continue
		}
		fmt.Fprintf(&sb, "    retrieved %d, poisoned %d\n", stats.Retrieved, stats.Poisoned)
		for _, ex := range stats.Examples {
			fmt.Fprintf(&sb, "    sample (score %.3f): %s\n", ex.Score, ex.Text)
		}
	}
	sb.WriteString("\n")

	sb.WriteString("LIMITATION\n")
	sb.WriteString("----------\n")
	fmt.Fprintf(&sb, "%s\n", report.Limitation)

	return sb.String()
}

func outcomeLine(s Severity) string {
	switch s {
	case SeverityHigh:
		return "Poisoned records dominate retrieval for these queries."
	case SeverityModerate:
		return "Poisoned records surface regularly for these queries."
	case SeverityLow:
		return "Poisoned records surfaced, but rarely."
	default:
		return "No poisoned records surfaced for these queries."
	}
}
