// Package planwatch waits for a planning agent to produce plan.yaml in an
// item's workspace. Detection combines fsnotify with a safety-net poll;
// editors and assistants write files in ways inotify alone can miss.
package planwatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/pkg/model"
)

const (
	pollInterval = 3 * time.Second
	// planDeadline bounds how long a planning cycle may run before the item
	// is failed.
	planDeadline = 30 * time.Minute
	// exitGrace is how long after the producing agent exits the watcher
	// keeps looking for a plan flushed at the last moment.
	exitGrace = 5 * time.Second
)

// AgentControl is the slice of the agent manager the watcher needs.
type AgentControl interface {
	ListByItem(itemID string) []*model.Agent
	SetStatus(itemID, agentID string, status model.AgentStatus) error
	SendInput(agentID string, data []byte) error
}

// PlanHandler is invoked after a valid plan was journaled.
type PlanHandler func(itemID string, plan *model.Plan)

// watch is one live watch registration; the pointer identity ties a goroutine
// to its map entry.
type watch struct {
	cancel context.CancelFunc
}

// Watcher supervises at most one plan watch per item.
type Watcher struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	agents  AgentControl
	onPlan  PlanHandler

	mu      sync.Mutex
	watches map[string]*watch
}

// New creates a plan watcher.
func New(l *layout.Layout, j *journal.Journal, b *bus.Bus, agents AgentControl) *Watcher {
	return &Watcher{
		layout:  l,
		journal: j,
		bus:     b,
		agents:  agents,
		watches: make(map[string]*watch),
	}
}

// SetPlanHandler registers the post-plan hook (engine wires this to the
// worker controller).
func (w *Watcher) SetPlanHandler(fn PlanHandler) { w.onPlan = fn }

// Params configures one watch.
type Params struct {
	Item *model.Item

	// AgentID binds the watch to a specific producing agent. When empty the
	// watcher resolves the producer at plan time (running planner first,
	// most recently started agent second).
	AgentID string

	// Role used for producer resolution when AgentID is empty.
	Role string
}

// Start launches the watch goroutine for an item. A second Start for the
// same item replaces the previous watch.
func (w *Watcher) Start(ctx context.Context, params Params) error {
	if params.Item == nil {
		return model.NewValidationError("item is required")
	}
	itemID := params.Item.ID

	watchCtx, cancel := context.WithCancel(ctx)
	wt := &watch{cancel: cancel}
	w.mu.Lock()
	if prev, ok := w.watches[itemID]; ok {
		prev.cancel()
	}
	w.watches[itemID] = wt
	w.mu.Unlock()

	go w.run(watchCtx, params, wt)
	return nil
}

// Stop cancels the watch for an item, if any.
func (w *Watcher) Stop(itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.watches[itemID]; ok {
		wt.cancel()
		delete(w.watches, itemID)
	}
}

// Shutdown cancels every active watch.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, wt := range w.watches {
		wt.cancel()
		delete(w.watches, id)
	}
}

// release clears one goroutine's registration. The map entry is removed only
// while it still belongs to this watch; a replacement Start for the same item
// must survive its predecessor's teardown.
func (w *Watcher) release(itemID string, wt *watch) {
	wt.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watches[itemID] == wt {
		delete(w.watches, itemID)
	}
}

func (w *Watcher) run(ctx context.Context, params Params, wt *watch) {
	itemID := params.Item.ID
	wsDir := w.layout.WorkspaceDir(itemID)
	planPath := w.layout.PlanFile(itemID)

	defer w.release(itemID, wt)

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		if addErr := fsw.Add(wsDir); addErr != nil {
			log.Printf("[PlanWatch] inotify unavailable for %s, polling only: %v", itemID, addErr)
		}
	} else {
		log.Printf("[PlanWatch] fsnotify unavailable for %s, polling only: %v", itemID, err)
	}
	var fsEvents chan fsnotify.Event
	if fsw != nil {
		fsEvents = fsw.Events
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(planDeadline)
	defer deadline.Stop()

	log.Printf("[PlanWatch] Watching %s for plan (agent=%s)", itemID, params.AgentID)

	// The plan may already exist when the watch starts (fast producer, or a
	// restart mid-cycle).
	if done := w.tryPlan(ctx, params, planPath); done {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			w.fail(itemID, fmt.Sprintf("no plan produced within %s", planDeadline))
			return

		case ev := <-fsEvents:
			if ev.Name != planPath {
				continue
			}
			if done := w.tryPlan(ctx, params, planPath); done {
				return
			}

		case <-ticker.C:
			if done := w.tryPlan(ctx, params, planPath); done {
				return
			}
			if w.producerDead(params) {
				// One last look after a short grace: the plan may have been
				// flushed right before the process exited.
				select {
				case <-ctx.Done():
					return
				case <-time.After(exitGrace):
				}
				if done := w.tryPlan(ctx, params, planPath); done {
					return
				}
				w.fail(itemID, "planning agent exited without producing a plan")
				return
			}
		}
	}
}

// tryPlan attempts to load and accept the plan file. Returns true when the
// watch is over (plan accepted or fatally invalid).
func (w *Watcher) tryPlan(ctx context.Context, params Params, planPath string) bool {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return false
	}

	var plan model.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		// Possibly observed mid-write; the next tick retries.
		return false
	}
	if plan.Tasks == nil {
		// A document without a tasks array is not a plan yet. Writers flush
		// incrementally; keep watching until the array appears.
		return false
	}
	if err := plan.Validate(params.Item); err != nil {
		w.fail(params.Item.ID, fmt.Sprintf("invalid plan: %v", err))
		return true
	}

	w.acceptPlan(ctx, params, &plan)
	return true
}

func (w *Watcher) acceptPlan(ctx context.Context, params Params, plan *model.Plan) {
	itemID := params.Item.ID
	producer := w.findProducer(params)

	payload := map[string]any{
		"version":   plan.Version,
		"summary":   plan.Summary,
		"taskCount": len(plan.Tasks),
	}
	if producer != "" {
		payload["producedBy"] = producer
	}
	ev := model.NewEvent(itemID, model.EventPlanCreated, payload)
	if err := w.emit(ev); err != nil {
		log.Printf("[PlanWatch] Failed to record plan for %s: %v", itemID, err)
		return
	}
	log.Printf("[PlanWatch] Plan accepted for %s (%d tasks)", itemID, len(plan.Tasks))

	if producer != "" {
		if err := w.agents.SetStatus(itemID, producer, model.AgentStatusCompleted); err != nil {
			log.Printf("[PlanWatch] Failed to mark %s completed: %v", producer, err)
		}
		// Ask the assistant to wind down its session cleanly.
		if err := w.agents.SendInput(producer, []byte("/exit\n")); err != nil {
			log.Printf("[PlanWatch] Failed to send exit to %s: %v", producer, err)
		}
	}

	if w.onPlan != nil {
		w.onPlan(itemID, plan)
	}
}

// findProducer resolves which agent produced the plan: the bound agent id if
// it is known, otherwise a live agent of the watch role, otherwise the most
// recently started agent.
func (w *Watcher) findProducer(params Params) string {
	agents := w.agents.ListByItem(params.Item.ID)

	if params.AgentID != "" {
		for _, a := range agents {
			if a.ID == params.AgentID {
				return a.ID
			}
		}
	}
	if params.Role != "" {
		for _, a := range agents {
			if a.Role == params.Role && a.Status.IsActive() {
				return a.ID
			}
		}
	}
	var latest *model.Agent
	for _, a := range agents {
		if latest == nil || a.StartedAt.After(latest.StartedAt) {
			latest = a
		}
	}
	if latest != nil {
		return latest.ID
	}
	return params.AgentID
}

// producerDead reports whether the bound producing agent reached a terminal
// state. With no bound agent the watch relies on the deadline alone.
func (w *Watcher) producerDead(params Params) bool {
	if params.AgentID == "" && params.Role == "" {
		return false
	}
	for _, a := range w.agents.ListByItem(params.Item.ID) {
		if a.ID == params.AgentID || (params.AgentID == "" && a.Role == params.Role) {
			return a.Status.IsTerminal()
		}
	}
	return false
}

func (w *Watcher) fail(itemID, message string) {
	ev := model.NewEvent(itemID, model.EventError, map[string]any{"message": message})
	if err := w.emit(ev); err != nil {
		log.Printf("[PlanWatch] Failed to record failure for %s: %v", itemID, err)
	}
	log.Printf("[PlanWatch] Watch for %s failed: %s", itemID, message)
}

func (w *Watcher) emit(ev *model.Event) error {
	if err := w.journal.Append(w.layout.ItemEventLog(ev.ItemID), ev); err != nil {
		return err
	}
	w.bus.Publish(ev)
	return nil
}
