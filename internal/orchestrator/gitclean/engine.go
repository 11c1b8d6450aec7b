// Package gitclean removes merged branches, stale remote refs, and
// abandoned worktrees left behind by finished agent work. Every check is
// fail-safe: anything that cannot be proven clean and unreferenced is
// left alone.
package gitclean

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/constants"
	"github.com/agentboard/agentboard/internal/common/logger"
)

// validBranchNameRegex matches safe git branch names.
// Allows alphanumeric, hyphens, underscores, slashes, and dots.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

func isValidBranchName(branch string) bool {
	if branch == "" || len(branch) > 255 {
		return false
	}
	if strings.Contains(branch, "..") {
		return false
	}
	if strings.HasSuffix(branch, ".lock") {
		return false
	}
	return validBranchNameRegex.MatchString(branch)
}

// GitRunner executes one git command in a directory with a timeout.
// Injected so tests can script git behavior without a real repository.
type GitRunner func(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error)

// Config holds the engine's repository settings
type Config struct {
	// RepoPath is the working copy the engine operates on
	RepoPath string
	// TrunkBranch is the integration branch candidates must be merged into
	TrunkBranch string
	// Remote is the remote whose stale refs are pruned
	Remote string
	// ProtectedBranches are glob patterns never eligible for deletion
	ProtectedBranches []string
}

// BranchSummary reports one merged-branch cleanup pass
type BranchSummary struct {
	Deleted []string
	Failed  []string
	Skipped []string
}

// PruneSummary reports one remote-ref pruning pass
type PruneSummary struct {
	StaleRefs int
	Pruned    bool
}

// WorktreeSummary reports one stale-worktree cleanup pass
type WorktreeSummary struct {
	Removed []string
	Skipped []string
	Failed  []string
}

// Summary aggregates one full cleanup run
type Summary struct {
	Branches  BranchSummary
	Prune     PruneSummary
	Worktrees WorktreeSummary
}

// worktreeEntry is one parsed record from `git worktree list --porcelain`
type worktreeEntry struct {
	path   string
	branch string
}

// Engine performs safety-gated git garbage collection on one working copy.
// The active-branch set is supplied fresh per invocation and never mutated.
type Engine struct {
	cfg    Config
	runner GitRunner
	logger *logger.Logger
}

// NewEngine creates a cleanup engine using the real git binary
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	return NewEngineWithRunner(cfg, runGit, log)
}

// NewEngineWithRunner creates a cleanup engine with a custom git runner
func NewEngineWithRunner(cfg Config, runner GitRunner, log *logger.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		runner: runner,
		logger: log.WithFields(zap.String("component", "gitclean")),
	}
}

// runGit executes a git command with explicit timeout and captured output
func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if err != nil {
		return output, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

func (e *Engine) git(ctx context.Context, args ...string) (string, error) {
	return e.runner(ctx, e.cfg.RepoPath, constants.GitCommandTimeout, args...)
}

// Run executes all three cleanup algorithms in order: branches, then
// remote refs, then worktrees. The order matters; worktree safety checks
// assume merged-but-unreferenced branches are already gone.
func (e *Engine) Run(ctx context.Context, activeTaskBranches []string) *Summary {
	active := make(map[string]bool, len(activeTaskBranches))
	for _, branch := range activeTaskBranches {
		active[branch] = true
	}

	summary := &Summary{}
	summary.Branches = e.CleanupMergedBranches(ctx, active)
	summary.Prune = e.PruneRemoteRefs(ctx)
	summary.Worktrees = e.CleanupWorktrees(ctx, active)
	return summary
}

// CleanupMergedBranches force-deletes local branches that are fully merged
// into the trunk, not active, not checked out, and not protected. Failures
// are logged per branch and never abort the batch.
func (e *Engine) CleanupMergedBranches(ctx context.Context, active map[string]bool) BranchSummary {
	var summary BranchSummary

	merged, err := e.mergedBranches(ctx)
	if err != nil {
		e.logger.Warn("failed to list merged branches", zap.Error(err))
		return summary
	}

	current, err := e.currentBranch(ctx)
	if err != nil {
		e.logger.Warn("failed to resolve current branch", zap.Error(err))
		return summary
	}

	for _, branch := range merged {
		if reason := e.deletionBlocker(branch, current, active); reason != "" {
			summary.Skipped = append(summary.Skipped, branch)
			e.logger.Debug("skipping branch",
				zap.String("branch", branch),
				zap.String("reason", reason))
			continue
		}

		if _, err := e.git(ctx, "branch", "-D", branch); err != nil {
			summary.Failed = append(summary.Failed, branch)
			e.logger.Warn("failed to delete branch",
				zap.String("branch", branch),
				zap.Error(err))
			continue
		}

		summary.Deleted = append(summary.Deleted, branch)
		e.logger.Info("deleted merged branch", zap.String("branch", branch))
	}

	return summary
}

// deletionBlocker returns a reason the branch must be kept, or ""
func (e *Engine) deletionBlocker(branch, current string, active map[string]bool) string {
	switch {
	case branch == e.cfg.TrunkBranch:
		return "trunk branch"
	case branch == current:
		return "currently checked out"
	case active[branch]:
		return "backs an active task"
	case e.isProtected(branch):
		return "protected pattern"
	case !isValidBranchName(branch):
		return "unsafe branch name"
	}
	return ""
}

func (e *Engine) isProtected(branch string) bool {
	for _, pattern := range e.cfg.ProtectedBranches {
		if matched, err := path.Match(pattern, branch); err == nil && matched {
			return true
		}
	}
	return false
}

// PruneRemoteRefs prunes stale remote-tracking refs. A dry run counts the
// stale refs first; the real prune only runs when there is something to
// remove. Only the count is logged, the remote stays the source of truth.
func (e *Engine) PruneRemoteRefs(ctx context.Context) PruneSummary {
	var summary PruneSummary

	output, err := e.git(ctx, "remote", "prune", e.cfg.Remote, "--dry-run")
	if err != nil {
		e.logger.Warn("remote prune dry-run failed", zap.Error(err))
		return summary
	}

	summary.StaleRefs = countPrunableRefs(output)
	if summary.StaleRefs == 0 {
		return summary
	}

	if _, err := e.git(ctx, "remote", "prune", e.cfg.Remote); err != nil {
		e.logger.Warn("remote prune failed",
			zap.Int("stale_refs", summary.StaleRefs),
			zap.Error(err))
		return summary
	}

	summary.Pruned = true
	e.logger.Info("pruned stale remote refs",
		zap.String("remote", e.cfg.Remote),
		zap.Int("stale_refs", summary.StaleRefs))
	return summary
}

func countPrunableRefs(dryRunOutput string) int {
	count := 0
	for _, line := range strings.Split(dryRunOutput, "\n") {
		if strings.Contains(line, "[would prune]") {
			count++
		}
	}
	return count
}

// CleanupWorktrees removes worktrees whose branch is merged, inactive, and
// whose checkout is clean. Any error while checking a worktree marks it
// dirty and skips it; losing one worktree's cleanup never blocks the rest.
func (e *Engine) CleanupWorktrees(ctx context.Context, active map[string]bool) WorktreeSummary {
	var summary WorktreeSummary

	output, err := e.runner(ctx, e.cfg.RepoPath, constants.GitWorktreeTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		e.logger.Warn("failed to list worktrees", zap.Error(err))
		return summary
	}
	worktrees := parseWorktreeList(output)

	merged, err := e.mergedBranches(ctx)
	if err != nil {
		e.logger.Warn("failed to list merged branches", zap.Error(err))
		return summary
	}
	mergedSet := make(map[string]bool, len(merged))
	for _, branch := range merged {
		mergedSet[branch] = true
	}

	current, err := e.currentBranch(ctx)
	if err != nil {
		e.logger.Warn("failed to resolve current branch", zap.Error(err))
		return summary
	}

	for _, wt := range worktrees {
		reason := ""
		switch {
		case wt.branch == "":
			reason = "detached HEAD"
		case wt.branch == e.cfg.TrunkBranch:
			reason = "trunk branch"
		case wt.branch == current:
			reason = "currently checked out"
		case active[wt.branch]:
			reason = "backs an active task"
		case !mergedSet[wt.branch]:
			reason = "not merged"
		}

		if reason == "" && e.isDirty(ctx, wt.path) {
			reason = "uncommitted changes"
		}

		if reason != "" {
			summary.Skipped = append(summary.Skipped, wt.path)
			e.logger.Debug("skipping worktree",
				zap.String("path", wt.path),
				zap.String("branch", wt.branch),
				zap.String("reason", reason))
			continue
		}

		if _, err := e.runner(ctx, e.cfg.RepoPath, constants.GitWorktreeTimeout, "worktree", "remove", wt.path, "--force"); err != nil {
			summary.Failed = append(summary.Failed, wt.path)
			e.logger.Warn("failed to remove worktree",
				zap.String("path", wt.path),
				zap.Error(err))
			continue
		}

		summary.Removed = append(summary.Removed, wt.path)
		e.logger.Info("removed stale worktree",
			zap.String("path", wt.path),
			zap.String("branch", wt.branch))
	}

	return summary
}

// isDirty checks a worktree for uncommitted changes. Any failure to
// determine the state counts as dirty.
func (e *Engine) isDirty(ctx context.Context, worktreePath string) bool {
	output, err := e.runner(ctx, worktreePath, constants.GitCommandTimeout, "status", "--porcelain")
	if err != nil {
		e.logger.Warn("failed to check worktree status, treating as dirty",
			zap.String("path", worktreePath),
			zap.Error(err))
		return true
	}
	return strings.TrimSpace(output) != ""
}

func (e *Engine) mergedBranches(ctx context.Context) ([]string, error) {
	output, err := e.git(ctx, "branch", "--merged", e.cfg.TrunkBranch, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(output, "\n") {
		branch := strings.TrimSpace(line)
		if branch != "" {
			branches = append(branches, branch)
		}
	}
	return branches, nil
}

func (e *Engine) currentBranch(ctx context.Context) (string, error) {
	output, err := e.git(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output into
// path/branch pairs. Entries are blank-line separated; detached worktrees
// have no branch line.
func parseWorktreeList(output string) []worktreeEntry {
	var entries []worktreeEntry
	var cur *worktreeEntry

	flush := func() {
		if cur != nil && cur.path != "" {
			entries = append(entries, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()

	return entries
}
