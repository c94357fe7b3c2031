// Package model provides the shared data model for the Drover orchestration
// engine: items, repository configurations, plans, agents, and the event
// records that form each item's append-only journal. All Drover components
// (engine, CLI, transports) interact through these well-defined structures.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item represents a single development work unit covering one or more
// repositories. An item's identity and repository list are immutable for its
// whole life; name, description, and design doc may be updated.
type Item struct {
	ID           string             `yaml:"id" json:"id"`                     // ITEM-XXXXXXXX
	Name         string             `yaml:"name" json:"name"`                 // Human-readable name
	Description  string             `yaml:"description" json:"description"`   // Free-form description
	DesignDoc    string             `yaml:"designDoc,omitempty" json:"designDoc,omitempty"` // High-level design document
	Repositories []RepositoryConfig `yaml:"repositories" json:"repositories"` // Ordered, immutable after creation
	CreatedAt    time.Time          `yaml:"createdAt" json:"createdAt"`
}

// RepositoryType distinguishes remote (cloned) from local (linked) repositories.
type RepositoryType string

const (
	RepositoryTypeRemote RepositoryType = "remote"
	RepositoryTypeLocal  RepositoryType = "local"
)

// LinkMode controls how a local repository is staged into the workspace.
type LinkMode string

const (
	LinkModeSymlink LinkMode = "symlink"
	LinkModeCopy    LinkMode = "copy"
)

// RepositoryConfig describes one repository an item works on.
// DirectoryName is the workspace directory and must be unique within the item.
type RepositoryConfig struct {
	DirectoryName string         `yaml:"directoryName" json:"directoryName"`
	Role          string         `yaml:"role" json:"role"` // Developer-role label, e.g. "front", "back", "docs"
	Type          RepositoryType `yaml:"type" json:"type"`

	// Remote repositories.
	URL        string `yaml:"url,omitempty" json:"url,omitempty"`
	BaseBranch string `yaml:"baseBranch,omitempty" json:"baseBranch,omitempty"`
	Submodules bool   `yaml:"submodules,omitempty" json:"submodules,omitempty"`
	WorkBranch string `yaml:"workBranch,omitempty" json:"workBranch,omitempty"`

	// Local repositories.
	Path     string   `yaml:"path,omitempty" json:"path,omitempty"`
	LinkMode LinkMode `yaml:"linkMode,omitempty" json:"linkMode,omitempty"`
}

// Plan is the declarative task list for one planning cycle of an item.
// Produced by the planner agent as plan.yaml in the workspace root.
type Plan struct {
	Version string `yaml:"version" json:"version"`
	ItemID  string `yaml:"itemId" json:"itemId"`
	Summary string `yaml:"summary" json:"summary"`
	Tasks   []Task `yaml:"tasks" json:"tasks"`
}

// Task is a single unit of planned work targeting one repository.
type Task struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Description  string   `yaml:"description" json:"description"`
	Agent        string   `yaml:"agent" json:"agent"`           // Role label
	Repository   string   `yaml:"repository" json:"repository"` // Must match a RepositoryConfig directory name
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Files        []string `yaml:"files,omitempty" json:"files,omitempty"`
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusIdle                AgentStatus = "idle"
	AgentStatusStarting            AgentStatus = "starting"
	AgentStatusRunning             AgentStatus = "running"
	AgentStatusWaitingApproval     AgentStatus = "waiting_approval"
	AgentStatusWaitingOrchestrator AgentStatus = "waiting_orchestrator"
	AgentStatusStopped             AgentStatus = "stopped"
	AgentStatusCompleted           AgentStatus = "completed"
	AgentStatusError               AgentStatus = "error"
)

// IsActive reports whether the status means the agent should be backed by a
// live PTY. An active status with no live process marks an orphan.
func (s AgentStatus) IsActive() bool {
	switch s {
	case AgentStatusRunning, AgentStatusWaitingApproval, AgentStatusWaitingOrchestrator:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final for the agent.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusStopped, AgentStatusCompleted, AgentStatusError:
		return true
	default:
		return false
	}
}

// Agent is the in-memory record of one AI-assistant child process.
type Agent struct {
	ID        string      `json:"id"`
	ItemID    string      `json:"itemId"`
	Role      string      `json:"role"`
	RepoName  string      `json:"repoName,omitempty"`
	Status    AgentStatus `json:"status"`
	PID       int         `json:"pid,omitempty"`
	StartedAt time.Time   `json:"startedAt,omitempty"`
	StoppedAt time.Time   `json:"stoppedAt,omitempty"`
	ExitCode  *int        `json:"exitCode,omitempty"`
}

// ItemStatus is the derived lifecycle state of an item. It is never stored;
// the state deriver computes it from the item's event journal.
type ItemStatus string

const (
	ItemStatusCreated         ItemStatus = "created"
	ItemStatusCloning         ItemStatus = "cloning"
	ItemStatusPlanning        ItemStatus = "planning"
	ItemStatusReady           ItemStatus = "ready"
	ItemStatusRunning         ItemStatus = "running"
	ItemStatusWaitingApproval ItemStatus = "waiting_approval"
	ItemStatusReviewReceiving ItemStatus = "review_receiving"
	ItemStatusCompleted       ItemStatus = "completed"
	ItemStatusError           ItemStatus = "error"
)

// System agent roles. Any other role label is a developer role owned by the
// item's repository configuration.
const (
	RolePlanner        = "planner"
	RoleReview         = "review"
	RoleReviewReceiver = "review-receiver"
)

// IsSystemRole reports whether the role is one of the orchestration-owned
// roles rather than a repository developer role.
func IsSystemRole(role string) bool {
	return role == RolePlanner || role == RoleReview || role == RoleReviewReceiver
}

// PlanVersion is the only plan artifact version this engine accepts.
const PlanVersion = "1.0"

// NewItemID allocates a fresh item identifier of the form ITEM-XXXXXXXX.
func NewItemID() string {
	return "ITEM-" + strings.ToUpper(uuid.New().String()[:8])
}

// RandSuffix returns a 6-character random suffix used in agent identifiers
// and archived plan names.
func RandSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}

// DefaultWorkBranch returns the deterministic work branch for a repository
// when the item configuration does not set one explicitly.
func DefaultWorkBranch(itemID, repoName string) string {
	return fmt.Sprintf("drover/%s/%s", strings.ToLower(itemID), repoName)
}

// Validate performs strict validation on an item configuration.
func (i *Item) Validate() error {
	if i.ID == "" {
		return NewValidationError("item id is required")
	}
	if i.Name == "" {
		return NewValidationError("item name is required")
	}
	if len(i.Repositories) == 0 {
		return NewValidationError("item must have at least one repository")
	}

	seen := make(map[string]bool, len(i.Repositories))
	for idx := range i.Repositories {
		repo := &i.Repositories[idx]
		if err := repo.Validate(); err != nil {
			return err
		}
		if seen[repo.DirectoryName] {
			return NewValidationError(fmt.Sprintf("duplicate repository directory name %q", repo.DirectoryName))
		}
		seen[repo.DirectoryName] = true
	}
	return nil
}

// Validate performs validation on a single repository configuration.
func (r *RepositoryConfig) Validate() error {
	if r.DirectoryName == "" {
		return NewValidationError("repository directoryName is required")
	}
	if strings.ContainsAny(r.DirectoryName, "/\\") || r.DirectoryName == "." || r.DirectoryName == ".." {
		return NewValidationError(fmt.Sprintf("repository directory name %q must be a plain directory name", r.DirectoryName))
	}
	if r.Role == "" {
		return NewValidationError(fmt.Sprintf("repository %q: role is required", r.DirectoryName))
	}
	if IsSystemRole(r.Role) {
		return NewValidationError(fmt.Sprintf("repository %q: role %q is reserved", r.DirectoryName, r.Role))
	}

	switch r.Type {
	case RepositoryTypeRemote:
		if r.URL == "" {
			return NewValidationError(fmt.Sprintf("repository %q: url is required for remote repositories", r.DirectoryName))
		}
	case RepositoryTypeLocal:
		if r.Path == "" {
			return NewValidationError(fmt.Sprintf("repository %q: path is required for local repositories", r.DirectoryName))
		}
		if !strings.HasPrefix(r.Path, "/") {
			return NewValidationError(fmt.Sprintf("repository %q: path must be absolute", r.DirectoryName))
		}
		if r.LinkMode != LinkModeSymlink && r.LinkMode != LinkModeCopy {
			return NewValidationError(fmt.Sprintf("repository %q: linkMode must be 'symlink' or 'copy'", r.DirectoryName))
		}
	default:
		return NewValidationError(fmt.Sprintf("repository %q: unknown type %q", r.DirectoryName, r.Type))
	}
	return nil
}

// Repository returns the repository configuration matching the directory
// name, or nil if the item has none.
func (i *Item) Repository(directoryName string) *RepositoryConfig {
	for idx := range i.Repositories {
		if i.Repositories[idx].DirectoryName == directoryName {
			return &i.Repositories[idx]
		}
	}
	return nil
}

// RoleSet returns the set of developer roles declared by the item's
// repositories.
func (i *Item) RoleSet() map[string]bool {
	roles := make(map[string]bool, len(i.Repositories))
	for idx := range i.Repositories {
		roles[i.Repositories[idx].Role] = true
	}
	return roles
}

// Validate checks a plan against the owning item's repository and role sets.
// The review role is always permitted in addition to the item's own roles.
func (p *Plan) Validate(item *Item) error {
	if p.Version == "" {
		return NewValidationError("plan is missing version")
	}
	if p.Version != PlanVersion {
		return NewValidationError(fmt.Sprintf("unsupported plan version %q (expected %q)", p.Version, PlanVersion))
	}
	if p.ItemID != item.ID {
		return NewValidationError(fmt.Sprintf("plan itemId %q does not match item %q", p.ItemID, item.ID))
	}

	roles := item.RoleSet()
	roles[RoleReview] = true

	taskIDs := make(map[string]bool, len(p.Tasks))
	for idx := range p.Tasks {
		task := &p.Tasks[idx]
		if task.ID == "" {
			return NewValidationError(fmt.Sprintf("task at index %d is missing an id", idx))
		}
		if taskIDs[task.ID] {
			return NewValidationError(fmt.Sprintf("duplicate task id %q", task.ID))
		}
		taskIDs[task.ID] = true

		if task.Title == "" {
			return NewValidationError(fmt.Sprintf("task %q is missing a title", task.ID))
		}
		if task.Agent == "" {
			return NewValidationError(fmt.Sprintf("task %q is missing an agent role", task.ID))
		}
		if !roles[task.Agent] {
			return NewValidationError(fmt.Sprintf("task %q: agent role %q is not declared by the item", task.ID, task.Agent))
		}
		if item.Repository(task.Repository) == nil {
			return NewValidationError(fmt.Sprintf("task %q: repository %q is not part of the item", task.ID, task.Repository))
		}
	}

	for idx := range p.Tasks {
		for _, dep := range p.Tasks[idx].Dependencies {
			if !taskIDs[dep] {
				return NewValidationError(fmt.Sprintf("task %q: dependency %q is not a task in this plan", p.Tasks[idx].ID, dep))
			}
		}
	}
	return nil
}

// TasksByRepository groups the plan's tasks by their target repository,
// preserving plan order within each group.
func (p *Plan) TasksByRepository() map[string][]Task {
	grouped := make(map[string][]Task)
	for _, task := range p.Tasks {
		grouped[task.Repository] = append(grouped[task.Repository], task)
	}
	return grouped
}
