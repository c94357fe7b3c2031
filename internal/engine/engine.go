// Package engine wires the orchestration components together and exposes the
// request surface transports call into. Construction order follows the
// dependency direction: layout and journal first, then bus, supervisor,
// agent manager, and the controllers on top.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/gitexec"
	"github.com/droverhq/drover/internal/item"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/planwatch"
	"github.com/droverhq/drover/internal/ptysup"
	"github.com/droverhq/drover/internal/reviewrecv"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/internal/worker"
	"github.com/droverhq/drover/pkg/model"
)

// Engine is the single assembled orchestration core.
type Engine struct {
	cfg     *config.Config
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	sup     *ptysup.Supervisor
	agents  *agent.Manager
	items   *item.Manager
	watcher *planwatch.Watcher
	git     *gitexec.Executor
	worker  *worker.Controller
	recv    *reviewrecv.Controller

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles an engine from configuration. No goroutines run until
// Startup.
func New(cfg *config.Config) *Engine {
	l := layout.New(cfg.DataDir)
	j := journal.New()
	b := bus.New()
	sup := ptysup.New(cfg.AgentBinary)
	agents := agent.NewManager(l, j, b, sup)
	items := item.NewManager(l, j, b, agents)
	watcher := planwatch.New(l, j, b, agents)
	git := gitexec.New(l, j, b)
	wrk := worker.New(l, j, b, agents, git)
	recv := reviewrecv.New(l, j, b, agents, items, watcher)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		layout:  l,
		journal: j,
		bus:     b,
		sup:     sup,
		agents:  agents,
		items:   items,
		watcher: watcher,
		git:     git,
		worker:  wrk,
		recv:    recv,
		ctx:     ctx,
		cancel:  cancel,
	}

	items.SetPlannerStarter(e.startPlanner)
	items.SetObserverStopper(e.stopItemObservers)
	watcher.SetPlanHandler(e.onPlan)
	return e
}

// Startup prepares the data root and reconciles the journals with reality:
// agents recorded as active with no live PTY are transitioned to stopped
// before anything else runs.
func (e *Engine) Startup() error {
	if err := os.MkdirAll(e.layout.ItemsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}
	if err := e.agents.RecoverOrphans(e.ctx); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	log.Printf("[Engine] Started (data root %s)", e.cfg.DataDir)
	return nil
}

// Shutdown stops observers, kills agents, and closes the bus.
func (e *Engine) Shutdown() {
	e.cancel()
	e.watcher.Shutdown()
	e.worker.Shutdown()
	e.sup.Shutdown()
	e.bus.Close()
	log.Printf("[Engine] Shut down")
}

// stopItemObservers cancels everything watching one item. Wired into item
// deletion.
func (e *Engine) stopItemObservers(itemID string) {
	e.watcher.Stop(itemID)
	e.worker.StopObservers(itemID)
}

// startPlanner launches the planning phase: plan watcher first so the
// artifact cannot be missed, then the planner agent.
func (e *Engine) startPlanner(ctx context.Context, it *model.Item) error {
	agentID := agent.GenerateAgentID(model.RolePlanner, "")

	if err := e.watcher.Start(e.ctx, planwatch.Params{
		Item:    it,
		AgentID: agentID,
		Role:    model.RolePlanner,
	}); err != nil {
		return err
	}

	_, err := e.agents.StartAgent(ctx, agent.StartParams{
		Item:    it,
		Role:    model.RolePlanner,
		WorkDir: e.layout.WorkspaceDir(it.ID),
		Prompt:  buildPlannerPrompt(it),
		AgentID: agentID,
	})
	if err != nil {
		e.watcher.Stop(it.ID)
		return err
	}
	return nil
}

// onPlan reacts to an accepted plan. A plan with tasks starts the worker
// phases; an empty plan leaves the item in ready for a human to decide.
func (e *Engine) onPlan(itemID string, plan *model.Plan) {
	if len(plan.Tasks) == 0 {
		log.Printf("[Engine] Plan for %s has no tasks, leaving item ready", itemID)
		return
	}
	it, err := e.items.Get(itemID)
	if err != nil {
		log.Printf("[Engine] Cannot load item %s for work phase: %v", itemID, err)
		return
	}
	go func() {
		if err := e.worker.Run(e.ctx, it, plan); err != nil {
			log.Printf("[Engine] Work phase for %s failed: %v", itemID, err)
		}
	}()
}

// Subscribe attaches a live event subscription for one item ("" for all).
func (e *Engine) Subscribe(itemID string) *bus.Subscription {
	return e.bus.Subscribe(itemID)
}

// Events replays the item's full journal.
func (e *Engine) Events(itemID string) ([]*model.Event, error) {
	return e.journal.Read(e.layout.ItemEventLog(itemID))
}

// ItemStatus derives the item's current status from its journal.
func (e *Engine) ItemStatus(itemID string) (model.ItemStatus, error) {
	it, err := e.items.Get(itemID)
	if err != nil {
		return "", err
	}
	events, err := e.Events(itemID)
	if err != nil {
		return "", err
	}
	return state.DeriveItem(events, it), nil
}
