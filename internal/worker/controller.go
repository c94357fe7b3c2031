// Package worker drives an item's execution phases once a plan exists: dev
// agents in parallel per repository, a bounded review loop per repository,
// and finalization into one draft pull request per repository.
package worker

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
	"github.com/droverhq/drover/internal/gitexec"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/pkg/model"
)

// maxReviewIterations bounds the feedback loop per repository. Three rounds
// catch real regressions; anything beyond that is a disagreement between
// agents, not progress.
const maxReviewIterations = 3

// waitPollInterval is the safety-net poll while waiting on agent status.
const waitPollInterval = time.Second

type devKey struct {
	itemID   string
	repoName string
}

// Controller coordinates the dev, review, and finalize phases. The
// activeDevAgents table is mutated only here.
type Controller struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	agents  *agent.Manager
	git     *gitexec.Executor
	snaps   *snapshotter

	mu              sync.Mutex
	activeDevAgents map[devKey]string
}

// New wires the controller.
func New(l *layout.Layout, j *journal.Journal, b *bus.Bus, agents *agent.Manager, git *gitexec.Executor) *Controller {
	return &Controller{
		layout:          l,
		journal:         j,
		bus:             b,
		agents:          agents,
		git:             git,
		snaps:           newSnapshotter(),
		activeDevAgents: make(map[devKey]string),
	}
}

// StopObservers cancels the item's snapshot job. Registered with the item
// manager so deletion tears observation down before the directory goes.
func (c *Controller) StopObservers(itemID string) {
	c.snaps.stop(itemID)
}

// Shutdown stops every snapshot job.
func (c *Controller) Shutdown() {
	c.snaps.stopAll()
}

// ActiveDevAgent returns the current dev agent for a repository, or "".
func (c *Controller) ActiveDevAgent(itemID, repoName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDevAgents[devKey{itemID, repoName}]
}

// Run executes all three phases for one plan cycle. Returns after
// finalization; all intermediate outcomes live in the item's journal.
func (c *Controller) Run(ctx context.Context, item *model.Item, plan *model.Plan) error {
	itemID := item.ID
	byRepo := plan.TasksByRepository()

	wsRoot := c.layout.WorkspaceDir(itemID)
	for repoName := range byRepo {
		if err := c.guardWorkDir(wsRoot, c.layout.RepoDir(itemID, repoName)); err != nil {
			c.emitError(itemID, err.Error())
			return err
		}
	}

	c.snaps.start(ctx, item, c.git.Snapshot)
	defer c.snaps.stop(itemID)

	if err := c.runDevPhase(ctx, item, byRepo); err != nil {
		return err
	}
	c.runReviewPhase(ctx, item, byRepo)
	return c.finalize(ctx, item)
}

// guardWorkDir rejects any computed working directory that escapes the
// workspace root.
func (c *Controller) guardWorkDir(wsRoot, dir string) error {
	absRoot, err := filepath.Abs(wsRoot)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("working directory %s escapes the workspace root", dir)
	}
	return nil
}

// runDevPhase spawns one dev agent per repository that has dev tasks and
// waits for all of them to finish or fail.
func (c *Controller) runDevPhase(ctx context.Context, item *model.Item, byRepo map[string][]model.Task) error {
	itemID := item.ID

	type launch struct {
		repoName string
		tasks    []model.Task
	}
	var launches []launch
	for repoName, tasks := range byRepo {
		var devTasks []model.Task
		for _, task := range tasks {
			if !model.IsSystemRole(task.Agent) {
				devTasks = append(devTasks, task)
			}
		}
		if len(devTasks) > 0 {
			launches = append(launches, launch{repoName: repoName, tasks: devTasks})
		}
	}
	if len(launches) == 0 {
		log.Printf("[Worker] No dev tasks for %s, skipping dev phase", itemID)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(launches))
	for idx, l := range launches {
		wg.Add(1)
		go func(i int, repoName string, tasks []model.Task) {
			defer wg.Done()
			errs[i] = c.runRepoDev(ctx, item, repoName, tasks)
		}(idx, l.repoName, l.tasks)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runRepoDev(ctx context.Context, item *model.Item, repoName string, tasks []model.Task) error {
	itemID := item.ID
	role := tasks[0].Agent

	a, err := c.agents.StartAgent(ctx, agent.StartParams{
		Item:     item,
		Role:     role,
		RepoName: repoName,
		WorkDir:  c.layout.RepoDir(itemID, repoName),
		Prompt:   buildDevPrompt(item, repoName, tasks),
	})
	if err != nil {
		return fmt.Errorf("failed to start dev agent for %s: %w", repoName, err)
	}

	c.mu.Lock()
	c.activeDevAgents[devKey{itemID, repoName}] = a.ID
	c.mu.Unlock()

	status := c.waitForAgent(ctx, itemID, a.ID)
	log.Printf("[Worker] Dev agent %s finished phase 1 with status %s", a.ID, status)
	if status == model.AgentStatusError {
		err := fmt.Errorf("dev agent for %s failed", repoName)
		c.emitError(itemID, err.Error())
		return err
	}
	return nil
}

// runReviewPhase iterates the bounded review loop per repository. Review
// failures degrade to log lines and error events; they never abort
// finalization, which is what publishes whatever work exists.
func (c *Controller) runReviewPhase(ctx context.Context, item *model.Item, byRepo map[string][]model.Task) {
	for repoName, tasks := range byRepo {
		var reviewTasks []model.Task
		for _, task := range tasks {
			if task.Agent == model.RoleReview {
				reviewTasks = append(reviewTasks, task)
			}
		}
		if len(reviewTasks) == 0 {
			continue
		}
		c.runRepoReviewLoop(ctx, item, repoName, reviewTasks)
	}
}

func (c *Controller) runRepoReviewLoop(ctx context.Context, item *model.Item, repoName string, tasks []model.Task) {
	itemID := item.ID
	repoDir := c.layout.RepoDir(itemID, repoName)
	findingsPath := filepath.Join(repoDir, "review_findings.json")

	for iteration := 1; iteration <= maxReviewIterations; iteration++ {
		_ = os.Remove(findingsPath)

		reviewer, err := c.agents.StartAgent(ctx, agent.StartParams{
			Item:     item,
			Role:     model.RoleReview,
			RepoName: repoName,
			WorkDir:  repoDir,
			Prompt:   buildReviewPrompt(item, repoName, tasks),
		})
		if err != nil {
			c.emitError(itemID, fmt.Sprintf("failed to start review agent for %s: %v", repoName, err))
			return
		}

		c.waitForAgent(ctx, itemID, reviewer.ID)

		findings, err := readFindings(findingsPath)
		stopErr := c.agents.StopAgent(ctx, itemID, reviewer.ID)
		if stopErr != nil {
			log.Printf("[Worker] Failed to stop review agent %s: %v", reviewer.ID, stopErr)
		}

		if err != nil {
			c.emitError(itemID, fmt.Sprintf("review findings for %s unreadable: %v", repoName, err))
			return
		}
		if findings == nil || findings.Pass() {
			log.Printf("[Worker] Review of %s/%s passed on iteration %d", itemID, repoName, iteration)
			return
		}

		critical, major, minor := findings.SeverityCounts()
		c.emitEvent(model.NewEvent(itemID, model.EventReviewFindingsExtracted, map[string]any{
			"repoName":          repoName,
			"iteration":         iteration,
			"criticalCount":     critical,
			"majorCount":        major,
			"minorCount":        minor,
			"overallAssessment": findings.OverallAssessment,
			"summary":           findings.Summary,
			"findingCount":      len(findings.Findings),
		}))

		if iteration == maxReviewIterations {
			log.Printf("[Worker] Review of %s/%s still failing after %d iterations, moving on", itemID, repoName, maxReviewIterations)
			return
		}

		if !c.sendFeedback(ctx, itemID, repoName, findings) {
			return
		}
	}
}

// sendFeedback forwards findings to the repository's dev agent and waits for
// it to settle again. Returns false when no receptive dev agent exists.
func (c *Controller) sendFeedback(ctx context.Context, itemID, repoName string, findings *Findings) bool {
	devID := c.ActiveDevAgent(itemID, repoName)
	if devID == "" {
		log.Printf("[Worker] No active dev agent for %s/%s, cannot forward findings", itemID, repoName)
		return false
	}
	dev := c.agents.Get(devID)
	if dev == nil || (dev.Status != model.AgentStatusRunning && dev.Status != model.AgentStatusWaitingOrchestrator) {
		log.Printf("[Worker] Dev agent %s not receptive to findings", devID)
		return false
	}

	if err := c.agents.SendInput(devID, []byte(findings.textualize()+"\n")); err != nil {
		c.emitError(itemID, fmt.Sprintf("failed to forward findings to %s: %v", devID, err))
		return false
	}
	if err := c.agents.SetStatus(itemID, devID, model.AgentStatusRunning); err != nil {
		log.Printf("[Worker] Failed to reset %s to running: %v", devID, err)
	}

	c.waitForAgent(ctx, itemID, devID)
	return true
}

// finalize stops every remaining agent, clears the dev table, and publishes
// each repository in sequence.
func (c *Controller) finalize(ctx context.Context, item *model.Item) error {
	itemID := item.ID

	c.agents.StopItemAgents(ctx, itemID)
	c.snaps.stop(itemID)

	c.mu.Lock()
	for key := range c.activeDevAgents {
		if key.itemID == itemID {
			delete(c.activeDevAgents, key)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for idx := range item.Repositories {
		repo := &item.Repositories[idx]
		if err := c.git.FinalizeRepo(ctx, item, repo); err != nil {
			// FinalizeRepo already journaled the failure; keep going so the
			// other repositories still publish.
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// waitForAgent blocks until the agent reaches a terminal state or
// waiting_orchestrator. Bus events wake it early; the poll catches anything
// the bus dropped.
func (c *Controller) waitForAgent(ctx context.Context, itemID, agentID string) model.AgentStatus {
	settled := func() (model.AgentStatus, bool) {
		a := c.agents.Get(agentID)
		if a == nil {
			return model.AgentStatusError, true
		}
		if a.Status.IsTerminal() || a.Status == model.AgentStatusWaitingOrchestrator {
			return a.Status, true
		}
		return a.Status, false
	}

	if status, done := settled(); done {
		return status
	}

	sub := c.bus.Subscribe(itemID)
	defer sub.Close()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			status, _ := settled()
			return status
		case ev, ok := <-sub.Events():
			if !ok {
				status, _ := settled()
				return status
			}
			if ev.AgentID != agentID {
				continue
			}
			if status, done := settled(); done {
				return status
			}
		case <-ticker.C:
			if status, done := settled(); done {
				return status
			}
		}
	}
}

func (c *Controller) emitEvent(ev *model.Event) {
	if err := c.journal.Append(c.layout.ItemEventLog(ev.ItemID), ev); err != nil {
		log.Printf("[Worker] Failed to journal %s for %s: %v", ev.Type, ev.ItemID, err)
		return
	}
	c.bus.Publish(ev)
}

func (c *Controller) emitError(itemID, message string) {
	c.emitEvent(model.NewEvent(itemID, model.EventError, map[string]any{"message": message}))
}
