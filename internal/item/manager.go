// Package item owns item lifecycle: creation, configuration persistence,
// workspace staging (clone or link per repository), and deletion. The item
// manager owns each item's on-disk directory from creation until explicit
// deletion.
package item

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/pkg/model"
)

// PlannerStarter launches the planning phase for a freshly staged item. The
// engine wires this to the agent manager plus the plan watcher; the item
// manager stays unaware of either.
type PlannerStarter func(ctx context.Context, item *model.Item) error

// ObserverStopper tears down any per-item observers (git snapshot tickers,
// plan watchers) before an item directory is removed.
type ObserverStopper func(itemID string)

// Manager creates, stages, and deletes items.
type Manager struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	agents  *agent.Manager

	startPlanner  PlannerStarter
	stopObservers ObserverStopper

	// runGit is swappable for tests; production uses the git binary.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewManager wires the item manager.
func NewManager(l *layout.Layout, j *journal.Journal, b *bus.Bus, agents *agent.Manager) *Manager {
	return &Manager{
		layout:  l,
		journal: j,
		bus:     b,
		agents:  agents,
		runGit:  runGitCommand,
	}
}

// SetPlannerStarter registers the planner auto-launch hook.
func (m *Manager) SetPlannerStarter(fn PlannerStarter) { m.startPlanner = fn }

// SetObserverStopper registers the observer teardown hook used by Delete.
func (m *Manager) SetObserverStopper(fn ObserverStopper) { m.stopObservers = fn }

func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// emit appends an item-scoped event and publishes it.
func (m *Manager) emit(ev *model.Event) error {
	if err := m.journal.Append(m.layout.ItemEventLog(ev.ItemID), ev); err != nil {
		return err
	}
	m.bus.Publish(ev)
	return nil
}

// emitError records an infrastructural failure as an error event. Best
// effort: a journal that cannot be written is only logged.
func (m *Manager) emitError(itemID, message string) {
	ev := model.NewEvent(itemID, model.EventError, map[string]any{"message": message})
	if err := m.emit(ev); err != nil {
		log.Printf("[ItemManager] Failed to record error for %s: %v", itemID, err)
	}
}

// CreateRequest is the external input for item creation.
type CreateRequest struct {
	Name         string
	Description  string
	DesignDoc    string
	Repositories []model.RepositoryConfig
}

// CreateItem allocates an item id, defaults missing work branches, persists
// the configuration, and emits item_created. The repository list is
// immutable afterwards.
func (m *Manager) CreateItem(ctx context.Context, req CreateRequest) (*model.Item, error) {
	item := &model.Item{
		ID:           model.NewItemID(),
		Name:         req.Name,
		Description:  req.Description,
		DesignDoc:    req.DesignDoc,
		Repositories: req.Repositories,
		CreatedAt:    time.Now().UTC(),
	}

	for idx := range item.Repositories {
		repo := &item.Repositories[idx]
		if repo.Type == model.RepositoryTypeRemote && repo.WorkBranch == "" {
			repo.WorkBranch = model.DefaultWorkBranch(item.ID, repo.DirectoryName)
		}
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.layout.ItemDir(item.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create item directory: %w", err)
	}
	if err := m.writeConfig(item); err != nil {
		return nil, err
	}

	ev := model.NewEvent(item.ID, model.EventItemCreated, map[string]any{
		"name":      item.Name,
		"repoCount": len(item.Repositories),
	})
	if err := m.emit(ev); err != nil {
		return nil, fmt.Errorf("failed to record item creation: %w", err)
	}

	log.Printf("[ItemManager] Created item %s (%q, %d repos)", item.ID, item.Name, len(item.Repositories))
	return item, nil
}

func (m *Manager) writeConfig(item *model.Item) error {
	data, err := yaml.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item config: %w", err)
	}
	if err := os.WriteFile(m.layout.ItemConfig(item.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write item config: %w", err)
	}
	return nil
}

// Get loads one item configuration.
func (m *Manager) Get(itemID string) (*model.Item, error) {
	data, err := os.ReadFile(m.layout.ItemConfig(itemID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewValidationError(fmt.Sprintf("item %s not found", itemID))
		}
		return nil, fmt.Errorf("failed to read item config: %w", err)
	}
	var item model.Item
	if err := yaml.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse item config: %w", err)
	}
	return &item, nil
}

// List returns every item under the data root, sorted by creation time
// descending.
func (m *Manager) List() ([]*model.Item, error) {
	entries, err := os.ReadDir(m.layout.ItemsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	var items []*model.Item
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		item, err := m.Get(entry.Name())
		if err != nil {
			log.Printf("[ItemManager] Skipping unreadable item %s: %v", entry.Name(), err)
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

// UpdateRequest carries the mutable item fields. Nil pointers leave the
// field unchanged.
type UpdateRequest struct {
	Name        *string
	Description *string
	DesignDoc   *string
}

// Update rewrites the mutable fields of an item's configuration. Identity
// and repositories are immutable.
func (m *Manager) Update(itemID string, req UpdateRequest) (*model.Item, error) {
	item, err := m.Get(itemID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, model.NewValidationError("item name cannot be empty")
		}
		item.Name = *req.Name
	}
	if req.Description != nil {
		item.Description = *req.Description
	}
	if req.DesignDoc != nil {
		item.DesignDoc = *req.DesignDoc
	}
	if err := m.writeConfig(item); err != nil {
		return nil, err
	}
	return item, nil
}

// Delete stops all agents and observers of the item and removes its
// directory. The item's journal dies with the directory; deletion is final.
func (m *Manager) Delete(ctx context.Context, itemID string) error {
	if _, err := m.Get(itemID); err != nil {
		return err
	}

	if m.stopObservers != nil {
		m.stopObservers(itemID)
	}
	m.agents.StopItemAgents(ctx, itemID)

	if err := os.RemoveAll(m.layout.ItemDir(itemID)); err != nil {
		return fmt.Errorf("failed to remove item directory: %w", err)
	}
	log.Printf("[ItemManager] Deleted item %s", itemID)
	return nil
}
