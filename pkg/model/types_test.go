package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validItem() *Item {
	return &Item{
		ID:   "ITEM-ABCD1234",
		Name: "two repo feature",
		Repositories: []RepositoryConfig{
			{DirectoryName: "frontend", Role: "front", Type: RepositoryTypeRemote, URL: "git@example.com:org/frontend.git"},
			{DirectoryName: "backend", Role: "back", Type: RepositoryTypeLocal, Path: "/srv/backend", LinkMode: LinkModeSymlink},
		},
	}
}

func TestItemValidate_Valid(t *testing.T) {
	assert.NoError(t, validItem().Validate())
}

func TestItemValidate_RequiresRepositories(t *testing.T) {
	item := validItem()
	item.Repositories = nil
	err := item.Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestItemValidate_DuplicateDirectoryNames(t *testing.T) {
	item := validItem()
	item.Repositories[1].DirectoryName = "frontend"
	err := item.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestItemValidate_ReservedRole(t *testing.T) {
	item := validItem()
	item.Repositories[0].Role = RolePlanner
	err := item.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestRepositoryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		repo    RepositoryConfig
		wantErr string
	}{
		{
			name:    "remote without url",
			repo:    RepositoryConfig{DirectoryName: "x", Role: "dev", Type: RepositoryTypeRemote},
			wantErr: "url is required",
		},
		{
			name:    "local with relative path",
			repo:    RepositoryConfig{DirectoryName: "x", Role: "dev", Type: RepositoryTypeLocal, Path: "rel/path", LinkMode: LinkModeCopy},
			wantErr: "must be absolute",
		},
		{
			name:    "local with bad link mode",
			repo:    RepositoryConfig{DirectoryName: "x", Role: "dev", Type: RepositoryTypeLocal, Path: "/abs", LinkMode: "hardlink"},
			wantErr: "linkMode",
		},
		{
			name:    "directory name with slash",
			repo:    RepositoryConfig{DirectoryName: "a/b", Role: "dev", Type: RepositoryTypeRemote, URL: "u"},
			wantErr: "plain directory name",
		},
		{
			name:    "unknown type",
			repo:    RepositoryConfig{DirectoryName: "x", Role: "dev", Type: "svn"},
			wantErr: "unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.repo.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestPlanValidate_Valid(t *testing.T) {
	item := validItem()
	plan := &Plan{
		Version: PlanVersion,
		ItemID:  item.ID,
		Summary: "do the thing",
		Tasks: []Task{
			{ID: "t1", Title: "frontend work", Agent: "front", Repository: "frontend"},
			{ID: "t2", Title: "backend work", Agent: "back", Repository: "backend", Dependencies: []string{"t1"}},
			{ID: "t3", Title: "review backend", Agent: RoleReview, Repository: "backend"},
		},
	}
	assert.NoError(t, plan.Validate(item))
}

func TestPlanValidate_EmptyTasksIsValid(t *testing.T) {
	item := validItem()
	plan := &Plan{Version: PlanVersion, ItemID: item.ID}
	assert.NoError(t, plan.Validate(item))
}

func TestPlanValidate_Rejections(t *testing.T) {
	item := validItem()
	base := func() *Plan {
		return &Plan{
			Version: PlanVersion,
			ItemID:  item.ID,
			Tasks:   []Task{{ID: "t1", Title: "x", Agent: "front", Repository: "frontend"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr string
	}{
		{"missing version", func(p *Plan) { p.Version = "" }, "missing version"},
		{"wrong version", func(p *Plan) { p.Version = "2.0" }, "unsupported plan version"},
		{"item mismatch", func(p *Plan) { p.ItemID = "ITEM-OTHER000" }, "does not match"},
		{"duplicate task ids", func(p *Plan) { p.Tasks = append(p.Tasks, p.Tasks[0]) }, "duplicate task id"},
		{"missing title", func(p *Plan) { p.Tasks[0].Title = "" }, "missing a title"},
		{"unknown role", func(p *Plan) { p.Tasks[0].Agent = "ops" }, "not declared"},
		{"unknown repository", func(p *Plan) { p.Tasks[0].Repository = "infra" }, "not part of the item"},
		{"dangling dependency", func(p *Plan) { p.Tasks[0].Dependencies = []string{"t9"} }, "not a task in this plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := base()
			tt.mutate(plan)
			err := plan.Validate(item)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewItemID(t *testing.T) {
	id := NewItemID()
	assert.True(t, strings.HasPrefix(id, "ITEM-"))
	assert.Len(t, id, len("ITEM-")+8)
	assert.Equal(t, strings.ToUpper(id), id)
	assert.NotEqual(t, id, NewItemID())
}

func TestDefaultWorkBranch(t *testing.T) {
	assert.Equal(t, "drover/item-abcd1234/backend", DefaultWorkBranch("ITEM-ABCD1234", "backend"))
}

func TestAgentStatusPredicates(t *testing.T) {
	assert.True(t, AgentStatusRunning.IsActive())
	assert.True(t, AgentStatusWaitingApproval.IsActive())
	assert.True(t, AgentStatusWaitingOrchestrator.IsActive())
	assert.False(t, AgentStatusStopped.IsActive())
	assert.False(t, AgentStatusIdle.IsActive())

	assert.True(t, AgentStatusStopped.IsTerminal())
	assert.True(t, AgentStatusCompleted.IsTerminal())
	assert.True(t, AgentStatusError.IsTerminal())
	assert.False(t, AgentStatusRunning.IsTerminal())
}

func TestTasksByRepository(t *testing.T) {
	plan := &Plan{Tasks: []Task{
		{ID: "a", Repository: "frontend"},
		{ID: "b", Repository: "backend"},
		{ID: "c", Repository: "frontend"},
	}}
	grouped := plan.TasksByRepository()
	require.Len(t, grouped, 2)
	assert.Equal(t, "a", grouped["frontend"][0].ID)
	assert.Equal(t, "c", grouped["frontend"][1].ID)
	assert.Equal(t, "b", grouped["backend"][0].ID)
}
