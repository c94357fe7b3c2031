package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Findings is the review artifact contract. The review agent writes
// review_findings.json into its repository directory; the controller only
// ever reads it.
type Findings struct {
	Findings          []Finding `json:"findings"`
	OverallAssessment string    `json:"overallAssessment"`
	Summary           string    `json:"summary"`
}

// Finding is one review observation.
type Finding struct {
	Severity     string `json:"severity"` // critical, major, minor
	File         string `json:"file"`
	Line         *int   `json:"line,omitempty"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggestedFix,omitempty"`
	TargetAgent  string `json:"targetAgent,omitempty"`
}

// Pass reports whether the review requires no further work.
func (f *Findings) Pass() bool {
	return f.OverallAssessment == "pass"
}

// SeverityCounts tallies findings per severity level.
func (f *Findings) SeverityCounts() (critical, major, minor int) {
	for _, finding := range f.Findings {
		switch finding.Severity {
		case "critical":
			critical++
		case "major":
			major++
		case "minor":
			minor++
		}
	}
	return
}

// readFindings loads and parses the findings file. A missing file returns
// (nil, nil): the review agent treated the code as clean.
func readFindings(path string) (*Findings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read findings: %w", err)
	}
	var f Findings
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse findings: %w", err)
	}
	return &f, nil
}

// textualize renders findings as the feedback message sent to the dev
// agent's terminal, grouped by severity, most severe first.
func (f *Findings) textualize() string {
	var b strings.Builder
	b.WriteString("A code review found issues that need to be fixed:\n\n")
	if f.Summary != "" {
		b.WriteString(f.Summary)
		b.WriteString("\n\n")
	}

	for _, severity := range []string{"critical", "major", "minor"} {
		var group []Finding
		for _, finding := range f.Findings {
			if finding.Severity == severity {
				group = append(group, finding)
			}
		}
		if len(group) == 0 {
			continue
		}
		b.WriteString(strings.ToUpper(severity))
		b.WriteString(":\n")
		for _, finding := range group {
			location := finding.File
			if finding.Line != nil {
				location = fmt.Sprintf("%s:%d", finding.File, *finding.Line)
			}
			fmt.Fprintf(&b, "- %s: %s", location, finding.Description)
			if finding.SuggestedFix != "" {
				fmt.Fprintf(&b, " (suggested fix: %s)", finding.SuggestedFix)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Please address these findings, then print TASKS_COMPLETED on its own line when done.\n")
	return b.String()
}
