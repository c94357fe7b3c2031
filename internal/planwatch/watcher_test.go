package planwatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/pkg/model"
)

// fakeAgents is an in-memory AgentControl.
type fakeAgents struct {
	mu       sync.Mutex
	agents   []*model.Agent
	statuses map[string]model.AgentStatus
	inputs   map[string]string
}

func newFakeAgents(agents ...*model.Agent) *fakeAgents {
	return &fakeAgents{
		agents:   agents,
		statuses: make(map[string]model.AgentStatus),
		inputs:   make(map[string]string),
	}
}

func (f *fakeAgents) ListByItem(itemID string) []*model.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Agent
	for _, a := range f.agents {
		if a.ItemID == itemID {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out
}

func (f *fakeAgents) SetStatus(itemID, agentID string, status model.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[agentID] = status
	for _, a := range f.agents {
		if a.ID == agentID {
			a.Status = status
		}
	}
	return nil
}

func (f *fakeAgents) SendInput(agentID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[agentID] += string(data)
	return nil
}

func (f *fakeAgents) status(agentID string) model.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[agentID]
}

func (f *fakeAgents) input(agentID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[agentID]
}

func watchItem() *model.Item {
	return &model.Item{
		ID:   "ITEM-ABCD1234",
		Name: "feature",
		Repositories: []model.RepositoryConfig{
			{DirectoryName: "api", Role: "backend-dev", Type: model.RepositoryTypeRemote, URL: "u"},
		},
	}
}

func validPlanYAML(itemID string) string {
	return fmt.Sprintf(`version: "1.0"
itemId: %s
summary: build the endpoint
tasks:
  - id: task-1
    title: implement handler
    agent: backend-dev
    repository: api
`, itemID)
}

func newTestWatcher(t *testing.T, agents AgentControl) (*Watcher, *layout.Layout, *journal.Journal) {
	t.Helper()
	l := layout.New(t.TempDir())
	j := journal.New()
	b := bus.New()
	t.Cleanup(b.Close)
	w := New(l, j, b, agents)
	t.Cleanup(w.Shutdown)
	return w, l, j
}

func waitForEvent(t *testing.T, j *journal.Journal, l *layout.Layout, itemID string, typ model.EventType) *model.Event {
	t.Helper()
	var found *model.Event
	require.Eventually(t, func() bool {
		events, err := j.Read(l.ItemEventLog(itemID))
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	return found
}

func TestWatcher_AcceptsPreexistingPlan(t *testing.T) {
	item := watchItem()
	planner := &model.Agent{
		ID: "agent-planner--abc123", ItemID: item.ID, Role: model.RolePlanner,
		Status: model.AgentStatusRunning, StartedAt: time.Now(),
	}
	agents := newFakeAgents(planner)
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))

	var handled *model.Plan
	done := make(chan struct{})
	w.SetPlanHandler(func(itemID string, plan *model.Plan) {
		handled = plan
		close(done)
	})

	require.NoError(t, w.Start(context.Background(), Params{Item: item, AgentID: planner.ID, Role: model.RolePlanner}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("plan handler never fired")
	}
	require.NotNil(t, handled)
	assert.Len(t, handled.Tasks, 1)

	ev := waitForEvent(t, j, l, item.ID, model.EventPlanCreated)
	assert.Equal(t, "1.0", ev.PayloadString("version"))
	assert.Equal(t, 1, ev.PayloadInt("taskCount"))
	assert.Equal(t, planner.ID, ev.PayloadString("producedBy"))

	// The producer is wound down.
	assert.Equal(t, model.AgentStatusCompleted, agents.status(planner.ID))
	assert.Equal(t, "/exit\n", agents.input(planner.ID))
}

func TestWatcher_DetectsPlanWrittenLater(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, w.Start(context.Background(), Params{Item: item}))

	// Give the watch a moment to arm, then drop the plan in.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))

	ev := waitForEvent(t, j, l, item.ID, model.EventPlanCreated)
	assert.Equal(t, 1, ev.PayloadInt("taskCount"))
}

func TestWatcher_InvalidPlanFails(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	// Valid YAML, wrong item id: fatally invalid rather than mid-write.
	bad := validPlanYAML("ITEM-SOMEONE")
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(bad), 0o644))

	require.NoError(t, w.Start(context.Background(), Params{Item: item}))

	ev := waitForEvent(t, j, l, item.ID, model.EventError)
	assert.Contains(t, ev.PayloadString("message"), "invalid plan")
}

func TestWatcher_UnparseableYAMLIsRetried(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte("version: [unterminated"), 0o644))

	require.NoError(t, w.Start(context.Background(), Params{Item: item}))
	time.Sleep(100 * time.Millisecond)

	// Mid-write garbage produced no failure; completing the file resolves it.
	events, err := j.Read(l.ItemEventLog(item.ID))
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))
	waitForEvent(t, j, l, item.ID, model.EventPlanCreated)
}

func TestWatcher_PartialDocumentKeepsWatching(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	// A truncated flush: parseable YAML, but no tasks array yet.
	partial := fmt.Sprintf("itemId: %s\nsummary: build the endpoint\n", item.ID)
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(partial), 0o644))

	require.NoError(t, w.Start(context.Background(), Params{Item: item}))
	time.Sleep(100 * time.Millisecond)

	events, err := j.Read(l.ItemEventLog(item.ID))
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))
	waitForEvent(t, j, l, item.ID, model.EventPlanCreated)
}

func TestWatcher_RestartReplacesWatch(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, w.Start(context.Background(), Params{Item: item}))
	time.Sleep(50 * time.Millisecond)

	// The second Start supersedes the first; the first watch's teardown must
	// not take the replacement down with it.
	require.NoError(t, w.Start(context.Background(), Params{Item: item}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))
	ev := waitForEvent(t, j, l, item.ID, model.EventPlanCreated)
	assert.Equal(t, 1, ev.PayloadInt("taskCount"))
}

func TestWatcher_StartRequiresItem(t *testing.T) {
	w, _, _ := newTestWatcher(t, newFakeAgents())
	assert.Error(t, w.Start(context.Background(), Params{}))
}

func TestWatcher_StopCancelsWatch(t *testing.T) {
	item := watchItem()
	agents := newFakeAgents()
	w, l, j := newTestWatcher(t, agents)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, w.Start(context.Background(), Params{Item: item}))
	w.Stop(item.ID)

	// A plan arriving after Stop is ignored by the fsnotify path; only a
	// fresh Start would pick it up.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte(validPlanYAML(item.ID)), 0o644))
	time.Sleep(200 * time.Millisecond)

	events, err := j.Read(l.ItemEventLog(item.ID))
	require.NoError(t, err)
	assert.Empty(t, events)
}
