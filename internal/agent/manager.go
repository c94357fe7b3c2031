// Package agent owns the in-memory agent registry and the bridge between PTY
// supervisor signals and persisted events. Every agent event is appended to
// the agent's own journal and the item journal, in that order, and then
// published on the bus.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/ptysup"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/model"
)

// Manager is the single owner of the in-memory agent registry. All status
// mutations flow through it so that the corresponding event append always
// precedes the in-memory update.
type Manager struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	sup     *ptysup.Supervisor

	mu     sync.Mutex
	agents map[string]*model.Agent
}

// StartParams describes one agent launch.
type StartParams struct {
	Item     *model.Item
	Role     string
	RepoName string // Required for developer roles
	WorkDir  string
	Prompt   string

	// AgentID forces the identifier. Used when the id was pre-allocated and
	// already journaled; generated fresh when empty.
	AgentID string
}

// NewManager wires the manager to its collaborators.
func NewManager(l *layout.Layout, j *journal.Journal, b *bus.Bus, sup *ptysup.Supervisor) *Manager {
	return &Manager{
		layout:  l,
		journal: j,
		bus:     b,
		sup:     sup,
		agents:  make(map[string]*model.Agent),
	}
}

// Supervisor exposes the PTY supervisor for callers that need raw terminal
// access (send-input, resize, output buffer).
func (m *Manager) Supervisor() *ptysup.Supervisor {
	return m.sup
}

// emitAgent appends an agent-scoped event (agent journal first, item journal
// second) and publishes it.
func (m *Manager) emitAgent(ev *model.Event) error {
	agentLog := m.layout.AgentEventLog(ev.ItemID, ev.AgentID)
	itemLog := m.layout.ItemEventLog(ev.ItemID)
	if err := m.journal.AppendDual(agentLog, itemLog, ev); err != nil {
		return err
	}
	m.bus.Publish(ev)
	return nil
}

// Get returns the in-memory record for an agent, or nil.
func (m *Manager) Get(agentID string) *model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		clone := *a
		return &clone
	}
	return nil
}

// ListByItem returns the in-memory records of all agents of one item.
func (m *Manager) ListByItem(itemID string) []*model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Agent
	for _, a := range m.agents {
		if a.ItemID == itemID {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out
}

// StartAgent validates the launch parameters, spawns the assistant PTY, and
// emits agent_started. On spawn failure an error event scoped to the intended
// agent id is written and the error propagated.
func (m *Manager) StartAgent(ctx context.Context, params StartParams) (*model.Agent, error) {
	if params.Item == nil {
		return nil, model.NewValidationError("item is required")
	}
	if params.Role == "" {
		return nil, model.NewValidationError("agent role is required")
	}
	if !model.IsSystemRole(params.Role) && params.RepoName == "" {
		return nil, model.NewValidationError(fmt.Sprintf("role %q requires a repository name", params.Role))
	}

	agentID := params.AgentID
	if agentID == "" {
		agentID = GenerateAgentID(params.Role, params.RepoName)
	}
	itemID := params.Item.ID

	if err := os.MkdirAll(m.layout.AgentDir(itemID, agentID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent directory: %w", err)
	}

	callbacks := m.bridgeCallbacks(itemID, agentID)
	pid, err := m.sup.Spawn(agentID, params.WorkDir, params.Prompt, callbacks)
	if err != nil {
		fail := model.NewAgentEvent(itemID, agentID, model.EventError, map[string]any{
			"message": fmt.Sprintf("failed to start agent: %v", err),
			"role":    params.Role,
		})
		if emitErr := m.emitAgent(fail); emitErr != nil {
			log.Printf("[AgentManager] Failed to record start failure for %s: %v", agentID, emitErr)
		}
		return nil, fmt.Errorf("failed to spawn agent %s: %w", agentID, err)
	}

	started := model.NewAgentEvent(itemID, agentID, model.EventAgentStarted, map[string]any{
		"role":     params.Role,
		"repoName": params.RepoName,
		"pid":      pid,
		"workDir":  params.WorkDir,
	})
	if err := m.emitAgent(started); err != nil {
		_ = m.sup.Kill(agentID)
		return nil, fmt.Errorf("failed to record agent start: %w", err)
	}

	agent := &model.Agent{
		ID:        agentID,
		ItemID:    itemID,
		Role:      params.Role,
		RepoName:  params.RepoName,
		Status:    model.AgentStatusRunning,
		PID:       pid,
		StartedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.agents[agentID] = agent
	m.mu.Unlock()

	log.Printf("[AgentManager] Started agent %s (role=%s, pid=%d)", agentID, params.Role, pid)
	clone := *agent
	return &clone, nil
}

// bridgeCallbacks routes every supervisor signal for one agent to the right
// persistence. The output path translates failures into log lines only; it
// must never propagate.
func (m *Manager) bridgeCallbacks(itemID, agentID string) ptysup.Callbacks {
	return ptysup.Callbacks{
		OnOutput: func(chunk []byte) {
			ev := model.NewAgentEvent(itemID, agentID, model.EventStdout, map[string]any{
				"data": string(chunk),
			})
			if err := m.emitAgent(ev); err != nil {
				log.Printf("[AgentManager] Failed to persist stdout for %s: %v", agentID, err)
			}
		},

		OnTasksCompleted: func() {
			m.recordTasksCompleted(itemID, agentID)
		},

		OnApprovalNeeded: func(req ptysup.Request) {
			ev := model.NewAgentEvent(itemID, agentID, model.EventApprovalRequested, approvalPayload(req, ""))
			if err := m.emitAgent(ev); err != nil {
				log.Printf("[AgentManager] Failed to persist approval request for %s: %v", agentID, err)
				return
			}
			m.setMemoryStatus(agentID, model.AgentStatusWaitingApproval)
		},

		OnAutoDenied: func(req ptysup.Request) {
			// Blocklist hit: a synthetic request/decision pair keeps the
			// approval bijection intact in the journal.
			reqEv := model.NewAgentEvent(itemID, agentID, model.EventApprovalRequested, approvalPayload(req, "deny"))
			if err := m.emitAgent(reqEv); err != nil {
				log.Printf("[AgentManager] Failed to persist auto-deny request for %s: %v", agentID, err)
				return
			}
			decEv := model.NewAgentEvent(itemID, agentID, model.EventApprovalDecision, map[string]any{
				"requestId": req.ID,
				"decision":  "deny",
				"source":    "auto",
				"reason":    "command matched blocklist",
			})
			if err := m.emitAgent(decEv); err != nil {
				log.Printf("[AgentManager] Failed to persist auto-deny decision for %s: %v", agentID, err)
			}
		},

		OnAutoApproved: func(req ptysup.Request) {
			log.Printf("[AgentManager] Auto-approved command for %s: %s", agentID, req.Command)
		},

		OnExit: func(exitCode int, signal string) {
			m.recordExit(itemID, agentID, exitCode, signal)
		},

		OnError: func(err error) {
			ev := model.NewAgentEvent(itemID, agentID, model.EventError, map[string]any{
				"message": err.Error(),
			})
			if emitErr := m.emitAgent(ev); emitErr != nil {
				log.Printf("[AgentManager] Failed to persist error for %s: %v", agentID, emitErr)
			}
		},
	}
}

func approvalPayload(req ptysup.Request, autoDecision string) map[string]any {
	flags, _ := json.Marshal(req.Flags)
	payload := map[string]any{
		"requestId": req.ID,
		"command":   req.Command,
		"uiKind":    string(req.UIKind),
		"context":   req.Context,
		"flags":     json.RawMessage(flags),
	}
	if autoDecision != "" {
		payload["autoDecision"] = autoDecision
	}
	return payload
}

// recordTasksCompleted persists the waiting_orchestrator transition followed
// by the tasks_completed marker.
func (m *Manager) recordTasksCompleted(itemID, agentID string) {
	prev := m.memoryStatus(agentID)
	statusEv := model.NewAgentEvent(itemID, agentID, model.EventStatusChanged, map[string]any{
		"oldStatus": string(prev),
		"newStatus": string(model.AgentStatusWaitingOrchestrator),
	})
	if err := m.emitAgent(statusEv); err != nil {
		log.Printf("[AgentManager] Failed to persist waiting_orchestrator for %s: %v", agentID, err)
		return
	}
	m.setMemoryStatus(agentID, model.AgentStatusWaitingOrchestrator)

	doneEv := model.NewAgentEvent(itemID, agentID, model.EventTasksCompleted, nil)
	if err := m.emitAgent(doneEv); err != nil {
		log.Printf("[AgentManager] Failed to persist tasks_completed for %s: %v", agentID, err)
	}
}

// recordExit persists agent_exited and updates memory. An agent already
// stopped by the orchestrator keeps the stopped status.
func (m *Manager) recordExit(itemID, agentID string, exitCode int, signal string) {
	ev := model.NewAgentEvent(itemID, agentID, model.EventAgentExited, map[string]any{
		"exitCode": exitCode,
		"signal":   signal,
	})
	if err := m.emitAgent(ev); err != nil {
		log.Printf("[AgentManager] Failed to persist exit for %s: %v", agentID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return
	}
	a.StoppedAt = time.Now().UTC()
	a.ExitCode = &exitCode
	if a.Status != model.AgentStatusStopped {
		if exitCode == 0 {
			a.Status = model.AgentStatusCompleted
		} else {
			a.Status = model.AgentStatusError
		}
	}
}

// StopAgent kills the agent's PTY and records the stopped transition. The
// stopped status survives the agent_exited that follows the kill.
func (m *Manager) StopAgent(ctx context.Context, itemID, agentID string) error {
	prev := m.memoryStatus(agentID)

	ev := model.NewAgentEvent(itemID, agentID, model.EventStatusChanged, map[string]any{
		"oldStatus": string(prev),
		"newStatus": string(model.AgentStatusStopped),
	})
	if err := m.emitAgent(ev); err != nil {
		return fmt.Errorf("failed to record stop for %s: %w", agentID, err)
	}
	m.setMemoryStatus(agentID, model.AgentStatusStopped)

	if m.sup.Has(agentID) {
		if err := m.sup.Kill(agentID); err != nil {
			return fmt.Errorf("failed to kill agent %s: %w", agentID, err)
		}
	}
	log.Printf("[AgentManager] Stopped agent %s", agentID)
	return nil
}

// StopItemAgents stops every live or active agent belonging to an item.
func (m *Manager) StopItemAgents(ctx context.Context, itemID string) {
	for _, a := range m.ListByItem(itemID) {
		if a.Status.IsActive() || m.sup.Has(a.ID) {
			if err := m.StopAgent(ctx, itemID, a.ID); err != nil {
				log.Printf("[AgentManager] Failed to stop agent %s: %v", a.ID, err)
			}
		}
	}
}

// SendInput writes raw input to a live agent terminal.
func (m *Manager) SendInput(agentID string, data []byte) error {
	return m.sup.Write(agentID, data)
}

// SetStatus persists a status transition and then updates memory.
func (m *Manager) SetStatus(itemID, agentID string, newStatus model.AgentStatus) error {
	prev := m.memoryStatus(agentID)
	ev := model.NewAgentEvent(itemID, agentID, model.EventStatusChanged, map[string]any{
		"oldStatus": string(prev),
		"newStatus": string(newStatus),
	})
	if err := m.emitAgent(ev); err != nil {
		return fmt.Errorf("failed to record status change for %s: %w", agentID, err)
	}
	m.setMemoryStatus(agentID, newStatus)
	return nil
}

// DecideApproval resolves a pending approval request by journal event id.
// The decision event is appended before the response is written to the PTY.
func (m *Manager) DecideApproval(ctx context.Context, itemID, eventID string, approve bool, reason string) error {
	events, err := m.journal.Read(m.layout.ItemEventLog(itemID))
	if err != nil {
		return fmt.Errorf("failed to read item journal: %w", err)
	}

	var request *model.Event
	for _, ev := range events {
		if ev.ID == eventID && ev.Type == model.EventApprovalRequested {
			request = ev
			break
		}
	}
	if request == nil {
		return model.NewValidationError(fmt.Sprintf("no approval request with event id %s", eventID))
	}

	requestID := request.PayloadString("requestId")
	for _, ev := range events {
		if ev.Type == model.EventApprovalDecision && ev.PayloadString("requestId") == requestID {
			return model.NewValidationError(fmt.Sprintf("approval request %s already decided", requestID))
		}
	}

	decision := "deny"
	if approve {
		decision = "approve"
	}
	decEv := model.NewAgentEvent(itemID, request.AgentID, model.EventApprovalDecision, map[string]any{
		"requestId": requestID,
		"decision":  decision,
		"source":    "user",
		"reason":    reason,
	})
	if err := m.emitAgent(decEv); err != nil {
		return fmt.Errorf("failed to record approval decision: %w", err)
	}

	if err := m.sup.ProcessApproval(request.AgentID, approve, ""); err != nil {
		// The decision is recorded; the process may have moved on or died.
		log.Printf("[AgentManager] Approval decision recorded but not delivered to %s: %v", request.AgentID, err)
	}
	// Only a live waiting agent resumes; a decision arriving after the agent
	// exited or was stopped must not overwrite its terminal status.
	if m.memoryStatus(request.AgentID) == model.AgentStatusWaitingApproval {
		m.setMemoryStatus(request.AgentID, model.AgentStatusRunning)
	}
	return nil
}

// PendingApprovals derives the unresolved approval requests for an item.
func (m *Manager) PendingApprovals(itemID string) ([]*model.Event, error) {
	events, err := m.journal.Read(m.layout.ItemEventLog(itemID))
	if err != nil {
		return nil, fmt.Errorf("failed to read item journal: %w", err)
	}
	return state.PendingApprovals(events), nil
}

// DerivedAgents replays the item journal through the state deriver.
func (m *Manager) DerivedAgents(itemID string) (map[string]*state.AgentInfo, error) {
	events, err := m.journal.Read(m.layout.ItemEventLog(itemID))
	if err != nil {
		return nil, fmt.Errorf("failed to read item journal: %w", err)
	}
	return state.DeriveAgents(events), nil
}

func (m *Manager) memoryStatus(agentID string) model.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		return a.Status
	}
	return model.AgentStatusIdle
}

func (m *Manager) setMemoryStatus(agentID string, status model.AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.Status = status
	}
}
