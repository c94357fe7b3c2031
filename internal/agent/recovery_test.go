package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/ptysup"
	"github.com/droverhq/drover/pkg/model"
)

func newTestManager(t *testing.T) (*Manager, *layout.Layout, *journal.Journal) {
	t.Helper()
	l := layout.New(t.TempDir())
	j := journal.New()
	b := bus.New()
	t.Cleanup(b.Close)
	return NewManager(l, j, b, ptysup.New("")), l, j
}

func seedItemJournal(t *testing.T, l *layout.Layout, j *journal.Journal, itemID string, events ...*model.Event) {
	t.Helper()
	require.NoError(t, os.MkdirAll(l.ItemDir(itemID), 0o755))
	for _, ev := range events {
		require.NoError(t, j.Append(l.ItemEventLog(itemID), ev))
	}
}

func TestRecoverOrphans_StopsActiveAgents(t *testing.T) {
	m, l, j := newTestManager(t)
	itemID := "ITEM-AAAA0001"
	agentID := "agent-backend-dev--api--a1b2c3"

	seedItemJournal(t, l, j, itemID,
		model.NewAgentEvent(itemID, agentID, model.EventAgentStarted, map[string]any{
			"role": "backend-dev", "repoName": "api",
		}))
	require.NoError(t, os.MkdirAll(l.AgentDir(itemID, agentID), 0o755))

	require.NoError(t, m.RecoverOrphans(context.Background()))

	// The stop transition landed in the item journal.
	events, err := j.Read(l.ItemEventLog(itemID))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStatusChanged, events[1].Type)
	assert.Equal(t, "stopped", events[1].PayloadString("newStatus"))
	assert.Equal(t, agentID, events[1].AgentID)

	// And in the agent journal.
	agentEvents, err := j.Read(l.AgentEventLog(itemID, agentID))
	require.NoError(t, err)
	require.Len(t, agentEvents, 1)
	assert.Equal(t, model.EventStatusChanged, agentEvents[0].Type)

	// Memory reflects the converged state.
	a := m.Get(agentID)
	require.NotNil(t, a)
	assert.Equal(t, model.AgentStatusStopped, a.Status)
	assert.Equal(t, "backend-dev", a.Role)
	assert.Equal(t, "api", a.RepoName)
}

func TestRecoverOrphans_TerminalAgentsUntouched(t *testing.T) {
	m, l, j := newTestManager(t)
	itemID := "ITEM-AAAA0002"
	agentID := "agent-planner--b2c3d4"

	seedItemJournal(t, l, j, itemID,
		model.NewAgentEvent(itemID, agentID, model.EventAgentStarted, map[string]any{"role": "planner"}),
		model.NewAgentEvent(itemID, agentID, model.EventAgentExited, map[string]any{"exitCode": 0}))

	require.NoError(t, m.RecoverOrphans(context.Background()))

	events, err := j.Read(l.ItemEventLog(itemID))
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Nil(t, m.Get(agentID))
}

// Role recovery falls back to the identifier when the started event carried
// none; an undeterminable role skips the agent entirely.
func TestRecoverOrphans_RoleFromID(t *testing.T) {
	m, l, j := newTestManager(t)
	itemID := "ITEM-AAAA0003"
	parseable := "agent-frontend-dev--web--c3d4e5"
	opaque := "agent-mystery-x9y8z7"

	seedItemJournal(t, l, j, itemID,
		model.NewAgentEvent(itemID, parseable, model.EventAgentStarted, nil),
		model.NewAgentEvent(itemID, opaque, model.EventAgentStarted, nil))
	require.NoError(t, os.MkdirAll(l.AgentDir(itemID, parseable), 0o755))

	require.NoError(t, m.RecoverOrphans(context.Background()))

	a := m.Get(parseable)
	require.NotNil(t, a)
	assert.Equal(t, "frontend-dev", a.Role)
	assert.Equal(t, model.AgentStatusStopped, a.Status)

	// The opaque id produced neither a memory record nor a journal write.
	assert.Nil(t, m.Get(opaque))
	events, err := j.Read(l.ItemEventLog(itemID))
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == model.EventStatusChanged {
			assert.Equal(t, parseable, ev.AgentID)
		}
	}
}

func TestRecoverOrphans_NoItemsDir(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.NoError(t, m.RecoverOrphans(context.Background()))
}

func TestRecoverOrphans_SkipsStrayFiles(t *testing.T) {
	m, l, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(l.ItemsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.ItemsDir(), "notes.txt"), []byte("x"), 0o644))
	assert.NoError(t, m.RecoverOrphans(context.Background()))
}
