package worker

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/model"
)

// buildDevPrompt renders the instruction prompt for one repository's dev
// agent from its slice of the plan.
func buildDevPrompt(item *model.Item, repoName string, tasks []model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a developer working on %q in the %s repository.\n\n", item.Name, repoName)
	if item.Description != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", item.Description)
	}
	if item.DesignDoc != "" {
		fmt.Fprintf(&b, "Design document:\n%s\n\n", item.DesignDoc)
	}

	b.WriteString("Complete the following tasks in order:\n\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "## %s: %s\n", task.ID, task.Title)
		if task.Description != "" {
			fmt.Fprintf(&b, "%s\n", task.Description)
		}
		if len(task.Files) > 0 {
			fmt.Fprintf(&b, "Relevant files: %s\n", strings.Join(task.Files, ", "))
		}
		if len(task.Dependencies) > 0 {
			fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(task.Dependencies, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("Work only inside the current directory. Commit as you go.\n")
	b.WriteString("When every task is done, print TASKS_COMPLETED on its own line and wait for further instructions.\n")
	return b.String()
}

// buildReviewPrompt renders the instruction prompt for one repository's
// review agent.
func buildReviewPrompt(item *model.Item, repoName string, tasks []model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a code reviewer for %q in the %s repository.\n\n", item.Name, repoName)

	b.WriteString("Review the recent changes against these review tasks:\n\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "- %s: %s\n", task.Title, task.Description)
	}

	b.WriteString("\nWrite your verdict to review_findings.json in the current directory with this shape:\n")
	b.WriteString(`{"findings": [{"severity": "critical|major|minor", "file": "...", "line": 0, "description": "...", "suggestedFix": "...", "targetAgent": "..."}], "overallAssessment": "pass|needs_fixes", "summary": "..."}` + "\n\n")
	b.WriteString("Use overallAssessment \"pass\" only when no critical or major findings remain.\n")
	b.WriteString("After writing the file, print TASKS_COMPLETED on its own line.\n")
	return b.String()
}
