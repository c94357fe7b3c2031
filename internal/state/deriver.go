// Package state derives item and agent status from event history. Everything
// here is a pure function over an event slice in journal append order; the
// deriver never writes and never consults live process state, which is what
// makes replay after a crash trustworthy.
package state

import (
	"github.com/droverhq/drover/pkg/model"
)

// AgentInfo is the derived view of one agent.
type AgentInfo struct {
	ID       string
	Role     string
	RepoName string
	Status   model.AgentStatus

	// exited records that a terminal agent_exited was folded in, so later
	// status_changed events (other than stopped) are ignored.
	exited bool
}

// DeriveAgents folds the event list into per-agent status. The fold follows
// the journal order exactly:
//
//	agent_started      → running
//	agent_exited       → completed (exit 0) or error, unless already stopped
//	approval_requested → waiting_approval
//	approval_decision  → running, if previously waiting_approval
//	status_changed     → new status, unless already stopped; after exit only
//	                     a transition to stopped is honored
func DeriveAgents(events []*model.Event) map[string]*AgentInfo {
	agents := make(map[string]*AgentInfo)

	for _, ev := range events {
		if ev.AgentID == "" {
			continue
		}
		info, ok := agents[ev.AgentID]
		if !ok {
			info = &AgentInfo{ID: ev.AgentID, Status: model.AgentStatusIdle}
			agents[ev.AgentID] = info
		}

		switch ev.Type {
		case model.EventAgentStarted:
			info.Status = model.AgentStatusRunning
			if role := ev.PayloadString("role"); role != "" {
				info.Role = role
			}
			if repo := ev.PayloadString("repoName"); repo != "" {
				info.RepoName = repo
			}

		case model.EventAgentExited:
			if info.Status == model.AgentStatusStopped {
				break
			}
			if ev.PayloadInt("exitCode") == 0 {
				info.Status = model.AgentStatusCompleted
			} else {
				info.Status = model.AgentStatusError
			}
			info.exited = true

		case model.EventApprovalRequested:
			if !info.Status.IsTerminal() {
				info.Status = model.AgentStatusWaitingApproval
			}

		case model.EventApprovalDecision:
			if info.Status == model.AgentStatusWaitingApproval {
				info.Status = model.AgentStatusRunning
			}

		case model.EventStatusChanged:
			newStatus := model.AgentStatus(ev.PayloadString("newStatus"))
			if newStatus == "" {
				break
			}
			if info.Status == model.AgentStatusStopped {
				break
			}
			if info.exited && newStatus != model.AgentStatusStopped {
				break
			}
			info.Status = newStatus
		}
	}
	return agents
}

// DeriveItem computes the item's status from its journal. Rules are evaluated
// in order; the first match wins.
func DeriveItem(events []*model.Event, item *model.Item) model.ItemStatus {
	if len(events) == 0 {
		return model.ItemStatusCreated
	}

	agents := DeriveAgents(events)

	// Rule 2: an unsuppressed error event. A later pr_created or
	// repo_no_changes suppresses earlier errors (tolerates intermittent git
	// failures at finalize).
	if hasUnsuppressedError(events) {
		return model.ItemStatusError
	}

	// Rules 3 and 4: staging in progress or failed.
	if status, ok := deriveStaging(events); ok {
		return status
	}

	// Rule 5: a human decision is outstanding.
	for _, info := range agents {
		if info.Status == model.AgentStatusWaitingApproval {
			return model.ItemStatusWaitingApproval
		}
	}

	// Rule 6: a review-receive cycle without its plan yet.
	if status, ok := deriveReviewReceive(events, agents); ok {
		return status
	}

	// Rule 7: planner running.
	for _, info := range agents {
		if info.Role == model.RolePlanner && info.Status == model.AgentStatusRunning {
			return model.ItemStatusPlanning
		}
	}

	// Rule 8: any working agent running.
	for _, info := range agents {
		if info.Role == model.RolePlanner || info.Role == model.RoleReviewReceiver {
			continue
		}
		if info.Status == model.AgentStatusRunning {
			return model.ItemStatusRunning
		}
	}

	// Rule 9: every dev agent finished its tasks and every repository reached
	// a terminal PR outcome, with no later planning cycle.
	if isCompleted(events, agents, item) {
		return model.ItemStatusCompleted
	}

	// Rule 10: a plan exists.
	for _, ev := range events {
		if ev.Type == model.EventPlanCreated {
			return model.ItemStatusReady
		}
	}

	return model.ItemStatusCreated
}

func hasUnsuppressedError(events []*model.Event) bool {
	errIdx := -1
	for i, ev := range events {
		if ev.Type == model.EventError {
			errIdx = i
		}
	}
	if errIdx < 0 {
		return false
	}
	for _, ev := range events[errIdx+1:] {
		if ev.Type == model.EventPRCreated || ev.Type == model.EventRepoNoChanges {
			return false
		}
	}
	return true
}

// deriveStaging inspects clone and workspace-setup progress per repository.
func deriveStaging(events []*model.Event) (model.ItemStatus, bool) {
	cloneDone := make(map[string]bool)
	clonePending := make(map[string]bool)
	setupDone := make(map[string]bool)
	setupPending := make(map[string]bool)

	for _, ev := range events {
		repo := ev.PayloadString("repoName")
		switch ev.Type {
		case model.EventCloneStarted:
			clonePending[repo] = true
			cloneDone[repo] = false
		case model.EventCloneCompleted:
			if !ev.PayloadBool("success") {
				return model.ItemStatusError, true
			}
			cloneDone[repo] = true
		case model.EventWorkspaceSetupStarted:
			setupPending[repo] = true
			setupDone[repo] = false
		case model.EventWorkspaceSetupCompleted:
			if ev.Payload != nil {
				if ok, exists := ev.Payload["success"].(bool); exists && !ok {
					return model.ItemStatusError, true
				}
			}
			setupDone[repo] = true
		}
	}

	for repo := range clonePending {
		if !cloneDone[repo] {
			return model.ItemStatusCloning, true
		}
	}
	for repo := range setupPending {
		if !setupDone[repo] {
			return model.ItemStatusCloning, true
		}
	}
	return "", false
}

// deriveReviewReceive handles the window between review_receive_started and
// the resulting plan_created. The event pre-allocates the receiver agent id.
func deriveReviewReceive(events []*model.Event, agents map[string]*AgentInfo) (model.ItemStatus, bool) {
	startIdx := -1
	var receiverID string
	for i, ev := range events {
		if ev.Type == model.EventReviewReceiveStarted {
			startIdx = i
			receiverID = ev.PayloadString("agentId")
			if receiverID == "" {
				receiverID = ev.AgentID
			}
		}
	}
	if startIdx < 0 {
		return "", false
	}

	for _, ev := range events[startIdx+1:] {
		if ev.Type == model.EventPlanCreated {
			return "", false // Cycle produced its plan; later rules decide.
		}
	}

	info, started := agents[receiverID]
	if !started {
		// Agent not yet started; the cycle is still spinning up.
		return model.ItemStatusReviewReceiving, true
	}
	if info.Status.IsTerminal() {
		// Receiver died without producing a plan.
		return model.ItemStatusError, true
	}
	return model.ItemStatusReviewReceiving, true
}

// isCompleted implements rule 9.
func isCompleted(events []*model.Event, agents map[string]*AgentInfo, item *model.Item) bool {
	if item == nil {
		return false
	}

	// Every dev agent that was ever started must have a tasks_completed. An
	// item with no dev agents at all (published via create-PRs directly)
	// completes on the repository outcomes alone.
	completedBy := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == model.EventTasksCompleted && ev.AgentID != "" {
			completedBy[ev.AgentID] = true
		}
	}
	for id, info := range agents {
		if model.IsSystemRole(info.Role) || info.Role == "" {
			continue
		}
		if !completedBy[id] {
			return false
		}
	}

	// Every repository needs a terminal PR outcome, and nothing may restart
	// the cycle after the last one.
	lastTerminal := -1
	terminalRepos := make(map[string]bool)
	for i, ev := range events {
		if ev.Type == model.EventPRCreated || ev.Type == model.EventRepoNoChanges {
			terminalRepos[ev.PayloadString("repoName")] = true
			lastTerminal = i
		}
	}
	for idx := range item.Repositories {
		if !terminalRepos[item.Repositories[idx].DirectoryName] {
			return false
		}
	}
	for _, ev := range events[lastTerminal+1:] {
		if ev.Type == model.EventPlanCreated || ev.Type == model.EventReviewReceiveStarted {
			return false
		}
	}
	return true
}

// PendingApprovals returns every approval_requested event whose request id is
// not referenced by any approval_decision and that was not auto-denied.
func PendingApprovals(events []*model.Event) []*model.Event {
	decided := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == model.EventApprovalDecision {
			if id := ev.PayloadString("requestId"); id != "" {
				decided[id] = true
			}
		}
	}

	var pending []*model.Event
	for _, ev := range events {
		if ev.Type != model.EventApprovalRequested {
			continue
		}
		if ev.PayloadString("autoDecision") == "deny" {
			continue
		}
		if decided[ev.PayloadString("requestId")] {
			continue
		}
		pending = append(pending, ev)
	}
	return pending
}
