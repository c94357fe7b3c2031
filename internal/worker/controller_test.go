package worker

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/gitexec"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/internal/ptysup"
	"github.com/droverhq/drover/pkg/model"
)

// newTestWorker builds a controller whose agents run the given binary instead
// of the assistant.
func newTestWorker(t *testing.T, binary string) (*Controller, *layout.Layout, *journal.Journal) {
	t.Helper()
	l := layout.New(t.TempDir())
	j := journal.New()
	b := bus.New()
	t.Cleanup(b.Close)
	agents := agent.NewManager(l, j, b, ptysup.New(binary))
	git := gitexec.New(l, j, b)
	c := New(l, j, b, agents, git)
	t.Cleanup(c.Shutdown)
	return c, l, j
}

func workerItem() *model.Item {
	return &model.Item{
		ID:   "ITEM-ABCD1234",
		Name: "feature",
		Repositories: []model.RepositoryConfig{
			{DirectoryName: "api", Role: "backend-dev", Type: model.RepositoryTypeRemote, URL: "u"},
		},
	}
}

func TestRunRepoDev_AgentFailureJournaled(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not available")
	}
	c, l, j := newTestWorker(t, "/bin/false")
	item := workerItem()
	require.NoError(t, os.MkdirAll(l.RepoDir(item.ID, "api"), 0o755))

	tasks := []model.Task{{ID: "t1", Title: "implement handler", Agent: "backend-dev", Repository: "api"}}
	err := c.runRepoDev(context.Background(), item, "api", tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev agent for api failed")

	// The failure is user-visible in the journal, not just in the return.
	events, readErr := j.Read(l.ItemEventLog(item.ID))
	require.NoError(t, readErr)
	var sawError, sawExit bool
	for _, ev := range events {
		if ev.Type == model.EventError && strings.Contains(ev.PayloadString("message"), "dev agent for api failed") {
			sawError = true
		}
		if ev.Type == model.EventAgentExited && ev.PayloadInt("exitCode") != 0 {
			sawExit = true
		}
	}
	assert.True(t, sawExit)
	assert.True(t, sawError)
}

func TestGuardWorkDir(t *testing.T) {
	c, l, _ := newTestWorker(t, "")
	root := l.WorkspaceDir("ITEM-ABCD1234")

	assert.NoError(t, c.guardWorkDir(root, l.RepoDir("ITEM-ABCD1234", "api")))
	assert.Error(t, c.guardWorkDir(root, l.WorkspaceDir("ITEM-ZZZZ9999")))
	assert.Error(t, c.guardWorkDir(root, root+"/../escape"))
}
