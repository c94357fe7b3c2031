package agent

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/model"
)

// RecoverOrphans replays every item journal on process startup and stops
// agents the logs consider active but no live PTY backs. The journal write
// is ordered strictly before the in-memory registry update: if the process
// crashes between the two, replaying the log again converges on the same
// state.
//
// An orphan whose role cannot be determined (neither from its agent_started
// event nor from its identifier) is skipped entirely: no log write, no
// memory update.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	entries, err := os.ReadDir(m.layout.ItemsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list items: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := m.recoverItem(ctx, entry.Name()); err != nil {
			log.Printf("[AgentManager] Orphan recovery failed for item %s: %v", entry.Name(), err)
		}
	}
	return nil
}

func (m *Manager) recoverItem(ctx context.Context, itemID string) error {
	events, err := m.journal.Read(m.layout.ItemEventLog(itemID))
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	for agentID, info := range state.DeriveAgents(events) {
		if !info.Status.IsActive() {
			continue
		}
		if m.sup.Has(agentID) {
			continue
		}

		role := info.Role
		if role == "" {
			parsed, ok := ParseAgentRole(agentID)
			if !ok {
				log.Printf("[AgentManager] Skipping orphan %s: role undeterminable", agentID)
				continue
			}
			role = parsed
		}

		ev := model.NewAgentEvent(itemID, agentID, model.EventStatusChanged, map[string]any{
			"oldStatus": string(info.Status),
			"newStatus": string(model.AgentStatusStopped),
			"reason":    "orphaned on restart",
		})
		if err := m.emitAgent(ev); err != nil {
			return fmt.Errorf("failed to record orphan stop for %s: %w", agentID, err)
		}

		// Memory update only after the journal write landed.
		m.mu.Lock()
		m.agents[agentID] = &model.Agent{
			ID:       agentID,
			ItemID:   itemID,
			Role:     role,
			RepoName: info.RepoName,
			Status:   model.AgentStatusStopped,
		}
		m.mu.Unlock()

		log.Printf("[AgentManager] Orphan %s (role=%s) transitioned %s -> stopped", agentID, role, info.Status)
	}
	return nil
}
