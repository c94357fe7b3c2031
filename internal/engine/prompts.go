package engine

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/model"
)

// buildPlannerPrompt renders the planner agent's instruction prompt from the
// item's design document and repository layout.
func buildPlannerPrompt(item *model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a technical planner breaking down %q into concrete tasks.\n\n", item.Name)
	if item.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n\n", item.Description)
	}
	if item.DesignDoc != "" {
		fmt.Fprintf(&b, "Design document:\n%s\n\n", item.DesignDoc)
	}

	b.WriteString("Repositories in this workspace:\n")
	for idx := range item.Repositories {
		repo := &item.Repositories[idx]
		fmt.Fprintf(&b, "- %s (role: %s)\n", repo.DirectoryName, repo.Role)
	}

	b.WriteString("\nExplore the repositories, then write plan.yaml in the current directory:\n\n")
	b.WriteString("version: \"1.0\"\n")
	fmt.Fprintf(&b, "itemId: %s\n", item.ID)
	b.WriteString("summary: <one-line summary of the approach>\n")
	b.WriteString("tasks:\n")
	b.WriteString("  - id: <string, unique in this plan>\n")
	b.WriteString("    title: <string>\n")
	b.WriteString("    description: <detailed instructions for the implementing agent>\n")
	b.WriteString("    agent: <role>\n")
	b.WriteString("    repository: <directoryName>\n")
	b.WriteString("    dependencies: [<task id>, ...]   # optional\n")
	b.WriteString("    files: [<path>, ...]             # optional\n\n")
	b.WriteString("Each task's agent must be one of the repository roles above, or \"review\" for a review pass.\n")
	b.WriteString("Add one review task per repository that receives code changes.\n")
	b.WriteString("Write the file once, completely. Do not modify any repository.\n")
	return b.String()
}
