// Package gitexec performs the git and GitHub side effects of the
// orchestration: periodic work-in-progress snapshots and per-repository
// finalization (push plus draft pull request). Commands run through a
// swappable runner so tests exercise the decision logic without a git
// binary.
package gitexec

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/layout"
	"github.com/droverhq/drover/pkg/model"
)

// findingsFileName is the review artifact a review agent leaves behind; it
// must never end up in a commit.
const findingsFileName = "review_findings.json"

// Runner executes one external command in a directory and returns its
// combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) (string, error)

func execRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Executor journals git outcomes for items.
type Executor struct {
	layout  *layout.Layout
	journal *journal.Journal
	bus     *bus.Bus
	run     Runner
}

// New creates an executor backed by the real git and gh binaries.
func New(l *layout.Layout, j *journal.Journal, b *bus.Bus) *Executor {
	return &Executor{layout: l, journal: j, bus: b, run: execRunner}
}

// SetRunner swaps the command runner (tests only).
func (e *Executor) SetRunner(run Runner) { e.run = run }

func (e *Executor) emit(ev *model.Event) {
	if err := e.journal.Append(e.layout.ItemEventLog(ev.ItemID), ev); err != nil {
		log.Printf("[GitExec] Failed to journal %s for %s: %v", ev.Type, ev.ItemID, err)
		return
	}
	e.bus.Publish(ev)
}

// Snapshot commits all pending changes in one repository directory as a
// work-in-progress commit. An empty repoName targets the workspace root.
// A directory with nothing to commit, or no git metadata at all, is a
// no-op. Failures are journaled as git_snapshot_error and never abort the
// caller.
func (e *Executor) Snapshot(ctx context.Context, itemID, repoName string) {
	dir := e.layout.RepoDir(itemID, repoName)
	if repoName == "" {
		dir = e.layout.WorkspaceDir(itemID)
		repoName = "workspace"
	}
	if !isGitRepo(dir) {
		return
	}

	status, err := e.run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		e.snapshotError(itemID, repoName, err)
		return
	}
	if strings.TrimSpace(status) == "" {
		return
	}

	if _, err := e.run(ctx, dir, "git", "add", "-A"); err != nil {
		e.snapshotError(itemID, repoName, err)
		return
	}
	if _, err := e.run(ctx, dir, "git", "commit", "-m", "wip: periodic work snapshot"); err != nil {
		e.snapshotError(itemID, repoName, err)
		return
	}

	hash, _ := e.run(ctx, dir, "git", "rev-parse", "HEAD")
	e.emit(model.NewEvent(itemID, model.EventGitSnapshot, map[string]any{
		"repoName":   repoName,
		"commitHash": strings.TrimSpace(hash),
	}))
}

func (e *Executor) snapshotError(itemID, repoName string, err error) {
	e.emit(model.NewEvent(itemID, model.EventGitSnapshotError, map[string]any{
		"repoName": repoName,
		"error":    err.Error(),
	}))
}

// FinalizeRepo pushes a repository's work branch and opens a draft pull
// request, or records repo_no_changes when there is nothing to publish.
// Refuses to operate on a protected branch.
func (e *Executor) FinalizeRepo(ctx context.Context, item *model.Item, repo *model.RepositoryConfig) error {
	itemID := item.ID
	dir := e.layout.RepoDir(itemID, repo.DirectoryName)

	if repo.Type == model.RepositoryTypeLocal {
		// Local repositories are edited in place; there is nothing to push.
		// Publishing from a protected branch is still refused.
		if isGitRepo(dir) {
			branch, err := e.currentBranch(ctx, dir)
			if err != nil {
				return e.finalizeError(itemID, repo.DirectoryName, err)
			}
			if protected, reason := e.isProtectedBranch(ctx, dir, branch); protected {
				err := fmt.Errorf("refusing to publish from %s: %s", branch, reason)
				return e.finalizeError(itemID, repo.DirectoryName, err)
			}
		}
		e.emit(model.NewEvent(itemID, model.EventRepoNoChanges, map[string]any{
			"repoName": repo.DirectoryName,
			"reason":   "local repository",
		}))
		return nil
	}

	// The findings artifact is orchestration metadata, not work product.
	_ = os.Remove(filepath.Join(dir, findingsFileName))

	branch, err := e.currentBranch(ctx, dir)
	if err != nil {
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}
	if protected, reason := e.isProtectedBranch(ctx, dir, branch); protected {
		err := fmt.Errorf("refusing to push %s: %s", branch, reason)
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}

	// Fold any uncommitted remains into a final commit.
	status, err := e.run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}
	if strings.TrimSpace(status) != "" {
		if _, err := e.run(ctx, dir, "git", "add", "-A"); err != nil {
			return e.finalizeError(itemID, repo.DirectoryName, err)
		}
		if _, err := e.run(ctx, dir, "git", "commit", "-m", fmt.Sprintf("%s: %s", strings.ToLower(itemID), item.Name)); err != nil {
			return e.finalizeError(itemID, repo.DirectoryName, err)
		}
	}

	ahead, err := e.commitsAhead(ctx, dir, repo)
	if err != nil {
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}
	if ahead == 0 {
		e.emit(model.NewEvent(itemID, model.EventRepoNoChanges, map[string]any{
			"repoName": repo.DirectoryName,
			"branch":   branch,
		}))
		log.Printf("[GitExec] No changes to publish for %s/%s", itemID, repo.DirectoryName)
		return nil
	}

	if _, err := e.run(ctx, dir, "git", "push", "-u", "origin", branch); err != nil {
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}

	prURL, prNumber, err := e.createDraftPR(ctx, dir, item, repo, branch)
	if err != nil {
		return e.finalizeError(itemID, repo.DirectoryName, err)
	}

	hash, _ := e.run(ctx, dir, "git", "rev-parse", "HEAD")
	e.emit(model.NewEvent(itemID, model.EventPRCreated, map[string]any{
		"repoName":   repo.DirectoryName,
		"prUrl":      prURL,
		"prNumber":   prNumber,
		"branch":     branch,
		"commitHash": strings.TrimSpace(hash),
	}))
	log.Printf("[GitExec] Draft PR #%d opened for %s/%s", prNumber, itemID, repo.DirectoryName)
	return nil
}

func (e *Executor) finalizeError(itemID, repoName string, err error) error {
	e.emit(model.NewEvent(itemID, model.EventError, map[string]any{
		"message":  fmt.Sprintf("finalize %s: %v", repoName, err),
		"repoName": repoName,
	}))
	return fmt.Errorf("finalize %s: %w", repoName, err)
}

func (e *Executor) currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := e.run(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isProtectedBranch refuses pushes to main, master, and whatever branch the
// origin HEAD points at.
func (e *Executor) isProtectedBranch(ctx context.Context, dir, branch string) (bool, string) {
	if branch == "main" || branch == "master" {
		return true, "protected branch name"
	}
	out, err := e.run(ctx, dir, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		head := strings.TrimSpace(out)
		if name := strings.TrimPrefix(head, "refs/remotes/origin/"); name == branch {
			return true, "origin default branch"
		}
	}
	return false, ""
}

// commitsAhead counts commits on HEAD not reachable from the base. With no
// usable base reference the push proceeds (a fresh branch on a fresh remote).
func (e *Executor) commitsAhead(ctx context.Context, dir string, repo *model.RepositoryConfig) (int, error) {
	base := repo.BaseBranch
	if base == "" {
		out, err := e.run(ctx, dir, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
		if err != nil {
			return 1, nil
		}
		base = strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/")
	}
	out, err := e.run(ctx, dir, "git", "rev-list", "--count", fmt.Sprintf("origin/%s..HEAD", base))
	if err != nil {
		return 1, nil
	}
	count, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 1, nil
	}
	return count, nil
}

var prURLPattern = regexp.MustCompile(`https://[^\s]+/pull/(\d+)`)

func (e *Executor) createDraftPR(ctx context.Context, dir string, item *model.Item, repo *model.RepositoryConfig, branch string) (string, int, error) {
	title := fmt.Sprintf("%s: %s", item.ID, item.Name)
	body := item.Description
	if body == "" {
		body = item.Name
	}

	args := []string{"pr", "create", "--draft", "--title", title, "--body", body, "--head", branch}
	if repo.BaseBranch != "" {
		args = append(args, "--base", repo.BaseBranch)
	}
	out, err := e.run(ctx, dir, "gh", args...)
	if err != nil {
		return "", 0, err
	}

	match := prURLPattern.FindStringSubmatch(out)
	if match == nil {
		return "", 0, fmt.Errorf("could not find pull request URL in gh output: %s", strings.TrimSpace(out))
	}
	number, _ := strconv.Atoi(match[1])
	return match[0], number, nil
}

func isGitRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}
