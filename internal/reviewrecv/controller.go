// Package reviewrecv re-opens a finished item in response to pull-request
// review comments: it archives the old plan, starts a review-receiver agent
// that reads the PR discussion, and arms the plan watcher for the next plan
// cycle. Requests are serialized per item by a FIFO lock chain.
package reviewrecv

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/planwatch"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/model"
)

// ItemLoader is the slice of the item manager the controller needs.
type ItemLoader interface {
	Get(itemID string) (*model.Item, error)
}

// Controller serializes and executes review-receive cycles.
type Controller struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	agents  *agent.Manager
	items   ItemLoader
	watcher *planwatch.Watcher

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New wires the controller.
func New(l *layout.Layout, j *journal.Journal, b *bus.Bus, agents *agent.Manager, items ItemLoader, watcher *planwatch.Watcher) *Controller {
	return &Controller{
		layout:  l,
		journal: j,
		bus:     b,
		agents:  agents,
		items:   items,
		watcher: watcher,
		tails:   make(map[string]chan struct{}),
	}
}

// acquire joins the item's FIFO lock chain and blocks until every earlier
// link released. The returned release closes this link; the map entry is
// cleared when the released link is still the tail.
func (c *Controller) acquire(ctx context.Context, itemID string) (func(), error) {
	own := make(chan struct{})

	c.mu.Lock()
	prev := c.tails[itemID]
	c.tails[itemID] = own
	c.mu.Unlock()

	release := func() {
		close(own)
		c.mu.Lock()
		if c.tails[itemID] == own {
			delete(c.tails, itemID)
		}
		c.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Abandon the slot but keep the chain intact: successors wait on
			// own, which must not close before prev does.
			go func() {
				<-prev
				release()
			}()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// StartReviewReceive begins a new review-receive cycle. repoName selects
// which repository's pull request to read; empty means the most recent one.
// Illegal states surface as validation errors.
func (c *Controller) StartReviewReceive(ctx context.Context, itemID, repoName string) (string, error) {
	release, err := c.acquire(ctx, itemID)
	if err != nil {
		return "", err
	}
	defer release()

	item, err := c.items.Get(itemID)
	if err != nil {
		return "", err
	}

	events, err := c.journal.Read(c.layout.ItemEventLog(itemID))
	if err != nil {
		return "", fmt.Errorf("failed to read item journal: %w", err)
	}

	// A live cycle is checked before the status precondition: an active
	// receiver derives the item to review_receiving, which would otherwise
	// surface as the wrong rejection.
	for _, info := range state.DeriveAgents(events) {
		if info.Role == model.RoleReviewReceiver && info.Status.IsActive() {
			return "", model.NewValidationError("a review-receive cycle is already in progress")
		}
	}

	derived := state.DeriveItem(events, item)
	if derived == model.ItemStatusReviewReceiving {
		// review_receive_started journaled, receiver not yet spawned.
		return "", model.NewValidationError("a review-receive cycle is already in progress")
	}
	if derived != model.ItemStatusCompleted && derived != model.ItemStatusError {
		return "", model.NewValidationError(fmt.Sprintf("review-receive requires a completed or failed item, current status is %s", derived))
	}

	pr := findPullRequest(events, repoName)
	if pr == nil {
		if repoName != "" {
			return "", model.NewValidationError(fmt.Sprintf("no pull request recorded for repository %q", repoName))
		}
		return "", model.NewValidationError("no pull request recorded for this item")
	}

	agentID := agent.GenerateAgentID(model.RoleReviewReceiver, "")

	ev := model.NewEvent(itemID, model.EventReviewReceiveStarted, map[string]any{
		"agentId":  agentID,
		"prNumber": pr.PayloadInt("prNumber"),
		"prUrl":    pr.PayloadString("prUrl"),
		"repoName": pr.PayloadString("repoName"),
	})
	if err := c.journal.Append(c.layout.ItemEventLog(itemID), ev); err != nil {
		return "", fmt.Errorf("failed to record review-receive start: %w", err)
	}
	c.bus.Publish(ev)

	if err := c.archivePlan(itemID); err != nil {
		return "", err
	}

	if err := c.watcher.Start(ctx, planwatch.Params{
		Item:    item,
		AgentID: agentID,
		Role:    model.RoleReviewReceiver,
	}); err != nil {
		return "", fmt.Errorf("failed to start plan watcher: %w", err)
	}

	prompt := buildReceiverPrompt(item, pr)
	if _, err := c.agents.StartAgent(ctx, agent.StartParams{
		Item:    item,
		Role:    model.RoleReviewReceiver,
		WorkDir: c.layout.WorkspaceDir(itemID),
		Prompt:  prompt,
		AgentID: agentID,
	}); err != nil {
		c.watcher.Stop(itemID)
		return "", fmt.Errorf("failed to start review-receiver: %w", err)
	}

	log.Printf("[ReviewRecv] Started cycle for %s on PR #%d (%s)", itemID, pr.PayloadInt("prNumber"), agentID)
	return agentID, nil
}

// findPullRequest returns the most recent pr_created event, filtered to one
// repository when repoName is set.
func findPullRequest(events []*model.Event, repoName string) *model.Event {
	var found *model.Event
	for _, ev := range events {
		if ev.Type != model.EventPRCreated {
			continue
		}
		if repoName != "" && ev.PayloadString("repoName") != repoName {
			continue
		}
		found = ev
	}
	return found
}

// archivePlan moves the current plan aside so the watcher cannot mistake it
// for the next cycle's output.
func (c *Controller) archivePlan(itemID string) error {
	planPath := c.layout.PlanFile(itemID)
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return nil
	}
	archived := filepath.Join(
		c.layout.WorkspaceDir(itemID),
		fmt.Sprintf("plan_%s_%s.yaml", time.Now().UTC().Format("20060102T150405"), model.RandSuffix()),
	)
	if err := os.Rename(planPath, archived); err != nil {
		return fmt.Errorf("failed to archive plan: %w", err)
	}
	log.Printf("[ReviewRecv] Archived plan for %s as %s", itemID, filepath.Base(archived))
	return nil
}

func buildReceiverPrompt(item *model.Item, pr *model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are processing pull-request review feedback for %q.\n\n", item.Name)
	fmt.Fprintf(&b, "Pull request: #%d %s (repository %s)\n\n",
		pr.PayloadInt("prNumber"), pr.PayloadString("prUrl"), pr.PayloadString("repoName"))

	b.WriteString("Repositories in this workspace:\n")
	for idx := range item.Repositories {
		repo := &item.Repositories[idx]
		fmt.Fprintf(&b, "- %s (role: %s)\n", repo.DirectoryName, repo.Role)
	}

	b.WriteString("\nRead the review comments on the pull request (use gh pr view --comments).\n")
	b.WriteString("Translate them into a new plan.yaml in the current directory, using this shape:\n\n")
	b.WriteString("version: \"1.0\"\n")
	fmt.Fprintf(&b, "itemId: %s\n", item.ID)
	b.WriteString("summary: <what this cycle addresses>\n")
	b.WriteString("tasks:\n  - id: <string>\n    title: <string>\n    description: <string>\n    agent: <role>\n    repository: <directoryName>\n\n")
	b.WriteString("Each task's agent must be one of the repository roles above, or \"review\".\n")
	b.WriteString("If the comments require no work, write a plan with an empty tasks list.\n")
	return b.String()
}
