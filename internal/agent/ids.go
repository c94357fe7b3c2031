package agent

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/model"
)

// Agent identifiers use a double hyphen as the structural separator:
//
//	agent-{role}--{repoName}--{rand6}   repository-bound agents
//	agent-{role}--{rand6}               planner and other system roles
//
// Roles themselves may contain single hyphens (review-receiver), which is why
// the separator is doubled.

// GenerateAgentID builds a fresh agent identifier.
func GenerateAgentID(role, repoName string) string {
	if repoName != "" {
		return fmt.Sprintf("agent-%s--%s--%s", role, repoName, model.RandSuffix())
	}
	return fmt.Sprintf("agent-%s--%s", role, model.RandSuffix())
}

// ParseAgentRole recovers the role from an agent identifier. Legacy ids used
// a single hyphen between role and suffix (agent-{role}-{rand6}); those are
// recovered as well when the role is a known system role.
func ParseAgentRole(agentID string) (string, bool) {
	rest, ok := strings.CutPrefix(agentID, "agent-")
	if !ok || rest == "" {
		return "", false
	}

	if idx := strings.Index(rest, "--"); idx > 0 {
		return rest[:idx], true
	}

	// Legacy single-hyphen form: everything up to the final hyphen is the
	// role. Only trust it for roles this engine knows about.
	if idx := strings.LastIndex(rest, "-"); idx > 0 {
		role := rest[:idx]
		if model.IsSystemRole(role) {
			return role, true
		}
	}
	return "", false
}

// ParseAgentRepo recovers the repository name from a repository-bound agent
// identifier, or "" when the agent is not bound to a repository.
func ParseAgentRepo(agentID string) string {
	rest, ok := strings.CutPrefix(agentID, "agent-")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "--")
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}
