package item

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/model"
)

// SavedRepository is a named, reusable repository configuration in the
// catalog. Item creation can reference catalog entries instead of spelling
// out the full configuration each time.
type SavedRepository struct {
	Name       string                 `yaml:"name"`
	Repository model.RepositoryConfig `yaml:"repository"`
}

type catalogFile struct {
	Repositories []SavedRepository `yaml:"repositories"`
}

// CatalogList returns every saved repository, sorted by name.
func (m *Manager) CatalogList() ([]SavedRepository, error) {
	cat, err := m.loadCatalog()
	if err != nil {
		return nil, err
	}
	sort.Slice(cat.Repositories, func(i, j int) bool {
		return cat.Repositories[i].Name < cat.Repositories[j].Name
	})
	return cat.Repositories, nil
}

// CatalogGet looks up one saved repository by name.
func (m *Manager) CatalogGet(name string) (*SavedRepository, error) {
	cat, err := m.loadCatalog()
	if err != nil {
		return nil, err
	}
	for i := range cat.Repositories {
		if cat.Repositories[i].Name == name {
			return &cat.Repositories[i], nil
		}
	}
	return nil, model.NewValidationError(fmt.Sprintf("saved repository %q not found", name))
}

// CatalogAdd saves or replaces a named repository configuration.
func (m *Manager) CatalogAdd(entry SavedRepository) error {
	if entry.Name == "" {
		return model.NewValidationError("saved repository name is required")
	}
	if err := entry.Repository.Validate(); err != nil {
		return err
	}

	cat, err := m.loadCatalog()
	if err != nil {
		return err
	}
	replaced := false
	for i := range cat.Repositories {
		if cat.Repositories[i].Name == entry.Name {
			cat.Repositories[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		cat.Repositories = append(cat.Repositories, entry)
	}
	return m.saveCatalog(cat)
}

// CatalogRemove deletes a saved repository by name.
func (m *Manager) CatalogRemove(name string) error {
	cat, err := m.loadCatalog()
	if err != nil {
		return err
	}
	for i := range cat.Repositories {
		if cat.Repositories[i].Name == name {
			cat.Repositories = append(cat.Repositories[:i], cat.Repositories[i+1:]...)
			return m.saveCatalog(cat)
		}
	}
	return model.NewValidationError(fmt.Sprintf("saved repository %q not found", name))
}

func (m *Manager) loadCatalog() (*catalogFile, error) {
	data, err := os.ReadFile(m.layout.RepositoriesCatalog())
	if err != nil {
		if os.IsNotExist(err) {
			return &catalogFile{}, nil
		}
		return nil, fmt.Errorf("failed to read repositories catalog: %w", err)
	}
	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse repositories catalog: %w", err)
	}
	return &cat, nil
}

func (m *Manager) saveCatalog(cat *catalogFile) error {
	data, err := yaml.Marshal(cat)
	if err != nil {
		return fmt.Errorf("failed to marshal repositories catalog: %w", err)
	}
	if err := os.WriteFile(m.layout.RepositoriesCatalog(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write repositories catalog: %w", err)
	}
	return nil
}
