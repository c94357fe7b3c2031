package engine

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/item"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/model"
)

// ItemView pairs an item configuration with its derived status.
type ItemView struct {
	Item   *model.Item      `json:"item"`
	Status model.ItemStatus `json:"status"`
}

// CreateItem creates an item and stages its workspace in the background.
// The caller gets the item back immediately; staging progress is visible in
// the event stream.
func (e *Engine) CreateItem(ctx context.Context, req item.CreateRequest) (*model.Item, error) {
	it, err := e.items.CreateItem(ctx, req)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := e.items.SetupWorkspace(e.ctx, it.ID); err != nil {
			// SetupWorkspace already journaled the failure.
			return
		}
	}()
	return it, nil
}

// ListItems returns every item with its derived status.
func (e *Engine) ListItems() ([]ItemView, error) {
	items, err := e.items.List()
	if err != nil {
		return nil, err
	}
	views := make([]ItemView, 0, len(items))
	for _, it := range items {
		events, err := e.Events(it.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, ItemView{Item: it, Status: state.DeriveItem(events, it)})
	}
	return views, nil
}

// GetItem returns one item with its derived status.
func (e *Engine) GetItem(itemID string) (*ItemView, error) {
	it, err := e.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	events, err := e.Events(itemID)
	if err != nil {
		return nil, err
	}
	return &ItemView{Item: it, Status: state.DeriveItem(events, it)}, nil
}

// UpdateItem rewrites the mutable item fields.
func (e *Engine) UpdateItem(itemID string, req item.UpdateRequest) (*model.Item, error) {
	return e.items.Update(itemID, req)
}

// DeleteItem tears the item down completely.
func (e *Engine) DeleteItem(ctx context.Context, itemID string) error {
	return e.items.Delete(ctx, itemID)
}

// RetrySetup re-stages the item's workspace from scratch.
func (e *Engine) RetrySetup(ctx context.Context, itemID string) error {
	return e.items.RetrySetup(ctx, itemID)
}

// CreatePRs finalizes every repository of the item: push plus draft pull
// request, or repo_no_changes. Used to publish without another work phase.
func (e *Engine) CreatePRs(ctx context.Context, itemID string) error {
	it, err := e.items.Get(itemID)
	if err != nil {
		return err
	}
	var firstErr error
	for idx := range it.Repositories {
		if err := e.git.FinalizeRepo(ctx, it, &it.Repositories[idx]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartReviewReceive begins a review-receive cycle and returns the
// review-receiver agent id.
func (e *Engine) StartReviewReceive(ctx context.Context, itemID, repoName string) (string, error) {
	return e.recv.StartReviewReceive(ctx, itemID, repoName)
}

// StartWork runs the dev/review/finalize phases against the current plan.
func (e *Engine) StartWork(ctx context.Context, itemID string) error {
	it, err := e.items.Get(itemID)
	if err != nil {
		return err
	}
	plan, err := e.GetPlan(itemID)
	if err != nil {
		return err
	}
	return e.worker.Run(ctx, it, plan)
}

// Catalog accessors.

func (e *Engine) CatalogList() ([]item.SavedRepository, error) { return e.items.CatalogList() }
func (e *Engine) CatalogAdd(entry item.SavedRepository) error  { return e.items.CatalogAdd(entry) }
func (e *Engine) CatalogRemove(name string) error              { return e.items.CatalogRemove(name) }
func (e *Engine) CatalogGet(name string) (*item.SavedRepository, error) {
	return e.items.CatalogGet(name)
}

// GetPlan loads and validates the item's current plan artifact.
func (e *Engine) GetPlan(itemID string) (*model.Plan, error) {
	it, err := e.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(e.layout.PlanFile(itemID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewValidationError(fmt.Sprintf("item %s has no plan", itemID))
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan model.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := plan.Validate(it); err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetPlanContent returns the raw plan artifact bytes.
func (e *Engine) GetPlanContent(itemID string) ([]byte, error) {
	if _, err := e.items.Get(itemID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(e.layout.PlanFile(itemID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewValidationError(fmt.Sprintf("item %s has no plan", itemID))
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return data, nil
}

// UpdatePlanContent validates and replaces the plan artifact.
func (e *Engine) UpdatePlanContent(itemID string, content []byte) error {
	it, err := e.items.Get(itemID)
	if err != nil {
		return err
	}
	var plan model.Plan
	if err := yaml.Unmarshal(content, &plan); err != nil {
		return model.NewValidationError(fmt.Sprintf("plan does not parse: %v", err))
	}
	if err := plan.Validate(it); err != nil {
		return err
	}
	if err := os.WriteFile(e.layout.PlanFile(itemID), content, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// ListAgents returns the item's agents as derived from the journal, merged
// with live registry details where available.
func (e *Engine) ListAgents(itemID string) ([]*model.Agent, error) {
	derived, err := e.agents.DerivedAgents(itemID)
	if err != nil {
		return nil, err
	}
	var out []*model.Agent
	for id, info := range derived {
		if live := e.agents.Get(id); live != nil {
			out = append(out, live)
			continue
		}
		out = append(out, &model.Agent{
			ID:       id,
			ItemID:   itemID,
			Role:     info.Role,
			RepoName: info.RepoName,
			Status:   info.Status,
		})
	}
	return out, nil
}

// GetAgent returns one agent's in-memory record, or nil if unknown to this
// process.
func (e *Engine) GetAgent(agentID string) *model.Agent {
	return e.agents.Get(agentID)
}

// StartAgent launches an ad-hoc agent for an item.
func (e *Engine) StartAgent(ctx context.Context, itemID, role, repoName, prompt string) (*model.Agent, error) {
	it, err := e.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	workDir := e.layout.WorkspaceDir(itemID)
	if repoName != "" {
		if it.Repository(repoName) == nil {
			return nil, model.NewValidationError(fmt.Sprintf("repository %q is not part of item %s", repoName, itemID))
		}
		workDir = e.layout.RepoDir(itemID, repoName)
	}
	return e.agents.StartAgent(ctx, agent.StartParams{
		Item:     it,
		Role:     role,
		RepoName: repoName,
		WorkDir:  workDir,
		Prompt:   prompt,
	})
}

// StopAgent stops one agent.
func (e *Engine) StopAgent(ctx context.Context, itemID, agentID string) error {
	return e.agents.StopAgent(ctx, itemID, agentID)
}

// SendAgentInput writes raw input to an agent's terminal.
func (e *Engine) SendAgentInput(agentID string, data []byte) error {
	return e.agents.SendInput(agentID, data)
}

// AgentOutputBuffer returns the agent's recent terminal output.
func (e *Engine) AgentOutputBuffer(agentID string) (string, error) {
	return e.sup.OutputTail(agentID)
}

// ResizeAgent changes an agent's terminal dimensions.
func (e *Engine) ResizeAgent(agentID string, cols, rows uint16) error {
	return e.sup.Resize(agentID, cols, rows)
}

// PendingApprovals lists the item's undecided approval requests.
func (e *Engine) PendingApprovals(itemID string) ([]*model.Event, error) {
	return e.agents.PendingApprovals(itemID)
}

// DecideApproval resolves one approval request by journal event id.
func (e *Engine) DecideApproval(ctx context.Context, itemID, eventID string, approve bool, reason string) error {
	return e.agents.DecideApproval(ctx, itemID, eventID, approve, reason)
}

// BatchDecideApprovals resolves several approval requests with one decision.
// Returns the first error after attempting every request.
func (e *Engine) BatchDecideApprovals(ctx context.Context, itemID string, eventIDs []string, approve bool, reason string) error {
	var firstErr error
	for _, id := range eventIDs {
		if err := e.agents.DecideApproval(ctx, itemID, id, approve, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
