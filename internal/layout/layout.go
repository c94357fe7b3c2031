// Package layout provides the deterministic mapping from item, agent, and
// repository identifiers to filesystem paths under the Drover data root.
// Every component resolves paths through this package; nothing else
// concatenates data-root paths by hand.
package layout

import "path/filepath"

// Layout resolves all on-disk paths beneath a single data root.
type Layout struct {
	dataDir string
}

// New creates a Layout rooted at dataDir.
func New(dataDir string) *Layout {
	return &Layout{dataDir: dataDir}
}

// DataDir returns the configured data root.
func (l *Layout) DataDir() string {
	return l.dataDir
}

// ItemsDir returns the directory that holds all item directories.
func (l *Layout) ItemsDir() string {
	return filepath.Join(l.dataDir, "items")
}

// ItemDir returns the directory owned by one item.
func (l *Layout) ItemDir(itemID string) string {
	return filepath.Join(l.ItemsDir(), itemID)
}

// ItemConfig returns the path of the item's YAML configuration.
func (l *Layout) ItemConfig(itemID string) string {
	return filepath.Join(l.ItemDir(itemID), "item.yaml")
}

// ItemEventLog returns the path of the item's append-only journal.
func (l *Layout) ItemEventLog(itemID string) string {
	return filepath.Join(l.ItemDir(itemID), "events.jsonl")
}

// WorkspaceDir returns the item's workspace root.
func (l *Layout) WorkspaceDir(itemID string) string {
	return filepath.Join(l.ItemDir(itemID), "workspace")
}

// RepoDir returns the per-repository workspace directory.
func (l *Layout) RepoDir(itemID, repoName string) string {
	return filepath.Join(l.WorkspaceDir(itemID), repoName)
}

// PlanFile returns the path of the plan artifact for an item.
func (l *Layout) PlanFile(itemID string) string {
	return filepath.Join(l.WorkspaceDir(itemID), "plan.yaml")
}

// AgentsDir returns the directory that holds all agent directories of an item.
func (l *Layout) AgentsDir(itemID string) string {
	return filepath.Join(l.ItemDir(itemID), "agents")
}

// AgentDir returns the directory owned by one agent.
func (l *Layout) AgentDir(itemID, agentID string) string {
	return filepath.Join(l.AgentsDir(itemID), agentID)
}

// AgentEventLog returns the path of an agent's append-only journal.
func (l *Layout) AgentEventLog(itemID, agentID string) string {
	return filepath.Join(l.AgentDir(itemID, agentID), "events.jsonl")
}

// RepositoriesCatalog returns the path of the saved repositories catalog.
func (l *Layout) RepositoriesCatalog() string {
	return filepath.Join(l.dataDir, "repositories.yaml")
}
