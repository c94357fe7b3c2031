package item

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/droverhq/drover/pkg/model"
)

// SetupWorkspace stages every repository of the item in parallel: remote
// repositories are cloned onto their work branch, local repositories are
// symlinked or copied. When all repositories staged successfully the planner
// is auto-started. Staging failures are recorded per repository; the first
// failure is also returned.
func (m *Manager) SetupWorkspace(ctx context.Context, itemID string) error {
	item, err := m.Get(itemID)
	if err != nil {
		return err
	}

	wsDir := m.layout.WorkspaceDir(itemID)
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(item.Repositories))
	for idx := range item.Repositories {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo := &item.Repositories[i]
			if repo.Type == model.RepositoryTypeRemote {
				errs[i] = m.stageRemote(ctx, item, repo)
			} else {
				errs[i] = m.stageLocal(item, repo)
			}
		}(idx)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if m.startPlanner != nil {
		if err := m.startPlanner(ctx, item); err != nil {
			// Staged repositories stay in place; RetrySetup can relaunch.
			m.emitError(itemID, fmt.Sprintf("failed to start planner: %v", err))
			return fmt.Errorf("failed to start planner: %w", err)
		}
	}
	return nil
}

// RetrySetup removes whatever staging left behind and runs SetupWorkspace
// again from scratch.
func (m *Manager) RetrySetup(ctx context.Context, itemID string) error {
	item, err := m.Get(itemID)
	if err != nil {
		return err
	}
	for idx := range item.Repositories {
		dest := m.layout.RepoDir(itemID, item.Repositories[idx].DirectoryName)
		if err := removeStaged(dest); err != nil {
			return fmt.Errorf("failed to clear %s: %w", item.Repositories[idx].DirectoryName, err)
		}
	}
	return m.SetupWorkspace(ctx, itemID)
}

// stageRemote clones the repository and checks out its work branch. Progress
// is journaled as a clone_started / clone_completed pair; the completion
// event carries success=false plus the error string on failure.
func (m *Manager) stageRemote(ctx context.Context, item *model.Item, repo *model.RepositoryConfig) error {
	dest := m.layout.RepoDir(item.ID, repo.DirectoryName)
	if err := removeStaged(dest); err != nil {
		return err
	}

	ev := model.NewEvent(item.ID, model.EventCloneStarted, map[string]any{
		"repoName": repo.DirectoryName,
		"url":      repo.URL,
	})
	if err := m.emit(ev); err != nil {
		return err
	}

	err := m.cloneAndBranch(ctx, repo, dest)

	done := map[string]any{
		"repoName": repo.DirectoryName,
		"success":  err == nil,
	}
	if err != nil {
		done["error"] = err.Error()
	}
	if emitErr := m.emit(model.NewEvent(item.ID, model.EventCloneCompleted, done)); emitErr != nil {
		log.Printf("[ItemManager] Failed to record clone completion for %s: %v", repo.DirectoryName, emitErr)
	}

	if err != nil {
		return fmt.Errorf("clone of %s failed: %w", repo.DirectoryName, err)
	}
	log.Printf("[ItemManager] Cloned %s for item %s", repo.DirectoryName, item.ID)
	return nil
}

func (m *Manager) cloneAndBranch(ctx context.Context, repo *model.RepositoryConfig, dest string) error {
	args := []string{"clone"}
	if repo.Submodules {
		args = append(args, "--recurse-submodules")
	}
	if repo.BaseBranch != "" {
		args = append(args, "--branch", repo.BaseBranch)
	}
	args = append(args, repo.URL, dest)
	if _, err := m.runGit(ctx, "", args...); err != nil {
		return err
	}
	if repo.WorkBranch != "" {
		if _, err := m.runGit(ctx, dest, "checkout", "-b", repo.WorkBranch); err != nil {
			return err
		}
	}
	return nil
}

// stageLocal makes a local repository visible in the workspace, either as a
// symlink (live edits in place) or a copy (isolated working set).
func (m *Manager) stageLocal(item *model.Item, repo *model.RepositoryConfig) error {
	dest := m.layout.RepoDir(item.ID, repo.DirectoryName)

	ev := model.NewEvent(item.ID, model.EventWorkspaceSetupStarted, map[string]any{
		"repoName": repo.DirectoryName,
		"path":     repo.Path,
		"linkMode": string(repo.LinkMode),
	})
	if err := m.emit(ev); err != nil {
		return err
	}

	err := func() error {
		if err := removeStaged(dest); err != nil {
			return err
		}
		src, err := filepath.Abs(repo.Path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", repo.Path, err)
		}
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			return fmt.Errorf("local path %s is not a directory", repo.Path)
		}
		if repo.LinkMode == model.LinkModeCopy {
			return copyTree(src, dest)
		}
		return os.Symlink(src, dest)
	}()

	done := map[string]any{
		"repoName": repo.DirectoryName,
		"success":  err == nil,
	}
	if err != nil {
		done["error"] = err.Error()
	}
	if emitErr := m.emit(model.NewEvent(item.ID, model.EventWorkspaceSetupCompleted, done)); emitErr != nil {
		log.Printf("[ItemManager] Failed to record workspace setup for %s: %v", repo.DirectoryName, emitErr)
	}

	if err != nil {
		return fmt.Errorf("workspace setup of %s failed: %w", repo.DirectoryName, err)
	}
	return nil
}

// removeStaged clears a previous staging attempt. Lstat rather than Stat so
// a dangling symlink is still removed.
func removeStaged(dest string) error {
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(dest)
}

// copyTree duplicates a directory tree. Symlinks inside the tree are
// re-created as symlinks; file modes are preserved.
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
