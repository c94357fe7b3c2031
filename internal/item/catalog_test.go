package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/model"
)

func TestCatalog_AddGetListRemove(t *testing.T) {
	m, _, _ := newTestItemManager(t)

	require.NoError(t, m.CatalogAdd(SavedRepository{
		Name:       "api",
		Repository: remoteRepo("api", "backend-dev"),
	}))
	require.NoError(t, m.CatalogAdd(SavedRepository{
		Name:       "web",
		Repository: remoteRepo("web", "frontend-dev"),
	}))

	entry, err := m.CatalogGet("api")
	require.NoError(t, err)
	assert.Equal(t, "backend-dev", entry.Repository.Role)

	list, err := m.CatalogList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Name)
	assert.Equal(t, "web", list[1].Name)

	require.NoError(t, m.CatalogRemove("api"))
	_, err = m.CatalogGet("api")
	assert.Error(t, err)

	list, err = m.CatalogList()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCatalog_AddReplacesByName(t *testing.T) {
	m, _, _ := newTestItemManager(t)

	require.NoError(t, m.CatalogAdd(SavedRepository{
		Name:       "api",
		Repository: remoteRepo("api", "backend-dev"),
	}))

	updated := remoteRepo("api", "backend-dev")
	updated.BaseBranch = "develop"
	require.NoError(t, m.CatalogAdd(SavedRepository{Name: "api", Repository: updated}))

	list, err := m.CatalogList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "develop", list[0].Repository.BaseBranch)
}

func TestCatalog_Validation(t *testing.T) {
	m, _, _ := newTestItemManager(t)

	assert.Error(t, m.CatalogAdd(SavedRepository{Repository: remoteRepo("api", "backend-dev")}))

	bad := model.RepositoryConfig{DirectoryName: "api", Role: "backend-dev", Type: model.RepositoryTypeRemote}
	assert.Error(t, m.CatalogAdd(SavedRepository{Name: "api", Repository: bad}))

	assert.Error(t, m.CatalogRemove("ghost"))
	_, err := m.CatalogGet("ghost")
	assert.True(t, model.IsValidation(err))
}

func TestCatalog_EmptyOnFreshRoot(t *testing.T) {
	m, _, _ := newTestItemManager(t)
	list, err := m.CatalogList()
	require.NoError(t, err)
	assert.Empty(t, list)
}
