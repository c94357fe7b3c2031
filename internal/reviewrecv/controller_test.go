package reviewrecv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/planwatch"
	"github.com/droverhq/drover/internal/ptysup"
	"github.com/droverhq/drover/pkg/model"
)

type fakeItems struct {
	item *model.Item
}

func (f *fakeItems) Get(itemID string) (*model.Item, error) {
	if f.item != nil && f.item.ID == itemID {
		clone := *f.item
		return &clone, nil
	}
	return nil, model.NewValidationError("item " + itemID + " not found")
}

func reviewItem() *model.Item {
	return &model.Item{
		ID:   "ITEM-ABCD1234",
		Name: "feature",
		Repositories: []model.RepositoryConfig{
			{DirectoryName: "api", Role: "backend-dev", Type: model.RepositoryTypeRemote, URL: "u"},
		},
	}
}

func newTestController(t *testing.T, item *model.Item) (*Controller, *layout.Layout, *journal.Journal) {
	t.Helper()
	l := layout.New(t.TempDir())
	j := journal.New()
	b := bus.New()
	t.Cleanup(b.Close)
	agents := agent.NewManager(l, j, b, ptysup.New(""))
	watcher := planwatch.New(l, j, b, agents)
	t.Cleanup(watcher.Shutdown)
	return New(l, j, b, agents, &fakeItems{item: item}, watcher), l, j
}

// seedCompleted journals a finished single-repo run with one pull request.
func seedCompleted(t *testing.T, l *layout.Layout, j *journal.Journal, itemID string) {
	t.Helper()
	devID := "agent-backend-dev--api--aaa111"
	events := []*model.Event{
		model.NewAgentEvent(itemID, devID, model.EventAgentStarted, map[string]any{"role": "backend-dev", "repoName": "api"}),
		model.NewAgentEvent(itemID, devID, model.EventTasksCompleted, nil),
		model.NewAgentEvent(itemID, devID, model.EventStatusChanged, map[string]any{"newStatus": "stopped"}),
		model.NewEvent(itemID, model.EventPRCreated, map[string]any{
			"repoName": "api", "prNumber": 42, "prUrl": "https://github.com/org/api/pull/42",
		}),
	}
	for _, ev := range events {
		require.NoError(t, j.Append(l.ItemEventLog(itemID), ev))
	}
}

func TestStartReviewReceive_RejectsActiveItem(t *testing.T) {
	item := reviewItem()
	c, l, j := newTestController(t, item)

	// A running dev agent means the item is not finished.
	devID := "agent-backend-dev--api--aaa111"
	require.NoError(t, j.Append(l.ItemEventLog(item.ID),
		model.NewAgentEvent(item.ID, devID, model.EventAgentStarted, map[string]any{"role": "backend-dev", "repoName": "api"})))

	_, err := c.StartReviewReceive(context.Background(), item.ID, "")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "completed or failed")
}

func TestStartReviewReceive_RejectsWithoutPR(t *testing.T) {
	item := reviewItem()
	c, l, j := newTestController(t, item)

	// Finished, but the only terminal outcome was repo_no_changes.
	devID := "agent-backend-dev--api--aaa111"
	for _, ev := range []*model.Event{
		model.NewAgentEvent(item.ID, devID, model.EventAgentStarted, map[string]any{"role": "backend-dev", "repoName": "api"}),
		model.NewAgentEvent(item.ID, devID, model.EventTasksCompleted, nil),
		model.NewAgentEvent(item.ID, devID, model.EventStatusChanged, map[string]any{"newStatus": "stopped"}),
		model.NewEvent(item.ID, model.EventRepoNoChanges, map[string]any{"repoName": "api"}),
	} {
		require.NoError(t, j.Append(l.ItemEventLog(item.ID), ev))
	}

	_, err := c.StartReviewReceive(context.Background(), item.ID, "")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "no pull request")
}

func TestStartReviewReceive_RejectsWrongRepo(t *testing.T) {
	item := reviewItem()
	c, l, j := newTestController(t, item)
	seedCompleted(t, l, j, item.ID)

	_, err := c.StartReviewReceive(context.Background(), item.ID, "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"web"`)
}

func TestStartReviewReceive_RejectsUnknownItem(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	_, err := c.StartReviewReceive(context.Background(), "ITEM-MISSING0", "")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestStartReviewReceive_RejectsConcurrentCycle(t *testing.T) {
	item := reviewItem()
	c, l, j := newTestController(t, item)
	seedCompleted(t, l, j, item.ID)

	// An earlier cycle whose receiver is still running.
	recvID := "agent-review-receiver--ccc333"
	for _, ev := range []*model.Event{
		model.NewEvent(item.ID, model.EventReviewReceiveStarted, map[string]any{"agentId": recvID}),
		model.NewAgentEvent(item.ID, recvID, model.EventAgentStarted, map[string]any{"role": model.RoleReviewReceiver}),
	} {
		require.NoError(t, j.Append(l.ItemEventLog(item.ID), ev))
	}

	_, err := c.StartReviewReceive(context.Background(), item.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestStartReviewReceive_RejectsCycleBeforeReceiverSpawn(t *testing.T) {
	item := reviewItem()
	c, l, j := newTestController(t, item)
	seedCompleted(t, l, j, item.ID)

	// The cycle is journaled but the receiver process has not spawned yet.
	require.NoError(t, j.Append(l.ItemEventLog(item.ID),
		model.NewEvent(item.ID, model.EventReviewReceiveStarted, map[string]any{
			"agentId": "agent-review-receiver--ddd444",
		})))

	_, err := c.StartReviewReceive(context.Background(), item.ID, "")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "already in progress")
}

func TestFindPullRequest(t *testing.T) {
	itemID := "ITEM-ABCD1234"
	first := model.NewEvent(itemID, model.EventPRCreated, map[string]any{"repoName": "api", "prNumber": 1})
	second := model.NewEvent(itemID, model.EventPRCreated, map[string]any{"repoName": "web", "prNumber": 2})
	third := model.NewEvent(itemID, model.EventPRCreated, map[string]any{"repoName": "api", "prNumber": 3})
	events := []*model.Event{first, second, third}

	// Unfiltered: the latest wins.
	pr := findPullRequest(events, "")
	require.NotNil(t, pr)
	assert.Equal(t, 3, pr.PayloadInt("prNumber"))

	pr = findPullRequest(events, "web")
	require.NotNil(t, pr)
	assert.Equal(t, 2, pr.PayloadInt("prNumber"))

	assert.Nil(t, findPullRequest(events, "docs"))
	assert.Nil(t, findPullRequest(nil, ""))
}

func TestArchivePlan(t *testing.T) {
	item := reviewItem()
	c, l, _ := newTestController(t, item)

	require.NoError(t, os.MkdirAll(l.WorkspaceDir(item.ID), 0o755))
	require.NoError(t, os.WriteFile(l.PlanFile(item.ID), []byte("version: \"1.0\"\n"), 0o644))

	require.NoError(t, c.archivePlan(item.ID))

	_, err := os.Stat(l.PlanFile(item.ID))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(l.WorkspaceDir(item.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "plan_"))
	assert.Equal(t, ".yaml", filepath.Ext(entries[0].Name()))

	// Archiving again with no plan present is a no-op.
	require.NoError(t, c.archivePlan(item.ID))
}

func TestAcquire_FIFO(t *testing.T) {
	item := reviewItem()
	c, _, _ := newTestController(t, item)
	ctx := context.Background()

	releaseA, err := c.acquire(ctx, item.ID)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		releaseB, err := c.acquire(ctx, item.ID)
		if err == nil {
			close(acquired)
			releaseB()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire proceeded while the first held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	releaseA()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestAcquire_AbandonedWaiterKeepsChain(t *testing.T) {
	item := reviewItem()
	c, _, _ := newTestController(t, item)

	releaseA, err := c.acquire(context.Background(), item.ID)
	require.NoError(t, err)

	// B waits, then gives up.
	ctxB, cancelB := context.WithCancel(context.Background())
	cancelB()
	_, err = c.acquire(ctxB, item.ID)
	require.ErrorIs(t, err, context.Canceled)

	// C queued behind the abandoned B still proceeds once A releases.
	acquired := make(chan struct{})
	go func() {
		releaseC, err := c.acquire(context.Background(), item.ID)
		if err == nil {
			close(acquired)
			releaseC()
		}
	}()

	releaseA()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter behind an abandoned slot never proceeded")
	}
}

func TestBuildReceiverPrompt(t *testing.T) {
	item := reviewItem()
	pr := model.NewEvent(item.ID, model.EventPRCreated, map[string]any{
		"repoName": "api", "prNumber": 42, "prUrl": "https://github.com/org/api/pull/42",
	})

	prompt := buildReceiverPrompt(item, pr)
	assert.Contains(t, prompt, "#42")
	assert.Contains(t, prompt, "gh pr view --comments")
	assert.Contains(t, prompt, "api (role: backend-dev)")
	assert.Contains(t, prompt, "itemId: "+item.ID)
	assert.Contains(t, prompt, "empty tasks list")
}
