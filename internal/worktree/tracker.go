// Package worktree tracks per-task git worktrees: one isolated checkout per
// in-flight task, with a small state machine (active, completed, abandoned,
// merged) and housekeeping hooks driven by the coordinator. Branch operations
// go through an injected runner so the state machine is testable without git.
package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

// State of a tracked worktree.
type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateAbandoned State = "ABANDONED"
	StateMerged    State = "MERGED"
)

// terminal reports whether the state admits cleanup.
func (s State) terminal() bool { return s != StateActive }

// Worktree is one tracked checkout.
type Worktree struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Path        string     `json:"path"`
	Branch      string     `json:"branch"`
	BaseBranch  string     `json:"base_branch"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Status pairs a worktree with its checkout dirtiness.
type Status struct {
	Worktree Worktree
	Dirty    bool
}

// Runner executes git commands. Tests stub it; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Tracker is the in-memory worktree registry. Safe for concurrent use.
type Tracker struct {
	log    logrus.FieldLogger
	runner Runner
	now    func() time.Time

	mu     sync.RWMutex
	trees  map[string]*Worktree
	byTask map[string]string
}

// NewTracker builds a tracker. A nil runner falls back to ExecRunner.
func NewTracker(log logrus.FieldLogger, runner Runner) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tracker{
		log:    log,
		runner: runner,
		now:    func() time.Time { return time.Now().UTC() },
		trees:  make(map[string]*Worktree),
		byTask: make(map[string]string),
	}
}

// Create adds a worktree for the task and materialises the checkout. One
// active worktree per task.
func (t *Tracker) Create(ctx context.Context, taskID, path, branch, baseBranch string) (*Worktree, error) {
	if taskID == "" || path == "" || branch == "" {
		return nil, faults.Validation("worktree", "task id, path, and branch are required")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}

	t.mu.Lock()
	if id, ok := t.byTask[taskID]; ok && t.trees[id].State == StateActive {
		t.mu.Unlock()
		return nil, faults.Conflict("task %s already has active worktree %s", taskID, id)
	}
	t.mu.Unlock()

	if _, err := t.runner.Run(ctx, "", "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return nil, fmt.Errorf("worktree: create for task %s: %w", taskID, err)
	}

	wt := &Worktree{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		State:      StateActive,
		CreatedAt:  t.now(),
	}
	t.mu.Lock()
	t.trees[wt.ID] = wt
	t.byTask[taskID] = wt.ID
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"worktree": wt.ID,
		"task_id":  taskID,
		"branch":   branch,
	}).Info("worktree created")
	out := *wt
	return &out, nil
}

// Get returns a copy of the worktree.
func (t *Tracker) Get(id string) (*Worktree, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wt, ok := t.trees[id]
	if !ok {
		return nil, faults.NotFound("worktree", id)
	}
	out := *wt
	return &out, nil
}

// ForTask returns the worktree currently mapped to a task.
func (t *Tracker) ForTask(taskID string) (*Worktree, error) {
	t.mu.RLock()
	id, ok := t.byTask[taskID]
	t.mu.RUnlock()
	if !ok {
		return nil, faults.NotFound("worktree for task", taskID)
	}
	return t.Get(id)
}

// List returns all worktrees ordered by creation time.
func (t *Tracker) List() []*Worktree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Worktree, 0, len(t.trees))
	for _, wt := range t.trees {
		c := *wt
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Complete marks an active worktree finished. With merge set, the branch is
// merged into the base branch inside repoPath, which is then required.
func (t *Tracker) Complete(ctx context.Context, id string, merge bool, repoPath string) error {
	if merge && repoPath == "" {
		return faults.Validation("repo_path", "required when merging on completion")
	}

	t.mu.Lock()
	wt, ok := t.trees[id]
	if !ok {
		t.mu.Unlock()
		return faults.NotFound("worktree", id)
	}
	if wt.State != StateActive {
		t.mu.Unlock()
		return faults.Conflict("worktree %s is %s, not ACTIVE", id, wt.State)
	}
	branch, base := wt.Branch, wt.BaseBranch
	t.mu.Unlock()

	final := StateCompleted
	if merge {
		if _, err := t.runner.Run(ctx, repoPath, "checkout", base); err != nil {
			return fmt.Errorf("worktree: checkout %s: %w", base, err)
		}
		if _, err := t.runner.Run(ctx, repoPath, "merge", "--no-ff", branch); err != nil {
			return fmt.Errorf("worktree: merge %s into %s: %w", branch, base, err)
		}
		final = StateMerged
	}

	now := t.now()
	t.mu.Lock()
	wt.State = final
	wt.CompletedAt = &now
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"worktree": id, "state": final}).Info("worktree completed")
	return nil
}

// Abandon marks an active worktree as given up without merging.
func (t *Tracker) Abandon(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	wt, ok := t.trees[id]
	if !ok {
		return faults.NotFound("worktree", id)
	}
	if wt.State != StateActive {
		return faults.Conflict("worktree %s is %s, not ACTIVE", id, wt.State)
	}
	now := t.now()
	wt.State = StateAbandoned
	wt.CompletedAt = &now
	return nil
}

// Cleanup removes a terminal worktree's checkout and drops it from the
// registry. Active worktrees are refused.
func (t *Tracker) Cleanup(ctx context.Context, id string) error {
	t.mu.Lock()
	wt, ok := t.trees[id]
	if !ok {
		t.mu.Unlock()
		return faults.NotFound("worktree", id)
	}
	if !wt.State.terminal() {
		t.mu.Unlock()
		return faults.Conflict("worktree %s is still ACTIVE", id)
	}
	path, taskID := wt.Path, wt.TaskID
	t.mu.Unlock()

	if _, err := t.runner.Run(ctx, "", "worktree", "remove", "--force", path); err != nil {
		// The checkout may already be gone; the registry entry still goes.
		t.log.WithField("worktree", id).WithError(err).Warn("worktree removal failed")
	}

	t.mu.Lock()
	delete(t.trees, id)
	if t.byTask[taskID] == id {
		delete(t.byTask, taskID)
	}
	t.mu.Unlock()
	return nil
}

// Sync rebases an active worktree's branch onto its base.
func (t *Tracker) Sync(ctx context.Context, id string) error {
	t.mu.RLock()
	wt, ok := t.trees[id]
	if !ok {
		t.mu.RUnlock()
		return faults.NotFound("worktree", id)
	}
	if wt.State != StateActive {
		t.mu.RUnlock()
		return faults.Conflict("worktree %s is %s, not ACTIVE", id, wt.State)
	}
	path, base := wt.Path, wt.BaseBranch
	t.mu.RUnlock()

	if _, err := t.runner.Run(ctx, path, "fetch", "origin"); err != nil {
		return fmt.Errorf("worktree: fetch: %w", err)
	}
	if _, err := t.runner.Run(ctx, path, "rebase", "origin/"+base); err != nil {
		return fmt.Errorf("worktree: rebase onto %s: %w", base, err)
	}
	return nil
}

// Status reports the worktree with its checkout dirtiness.
func (t *Tracker) Status(ctx context.Context, id string) (*Status, error) {
	wt, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := t.runner.Run(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree: status: %w", err)
	}
	return &Status{Worktree: *wt, Dirty: strings.TrimSpace(out) != ""}, nil
}

// PruneStale drops terminal entries whose completion is older than the given
// age. Returns how many were pruned. Checkout removal is left to Cleanup.
func (t *Tracker) PruneStale(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, wt := range t.trees {
		if wt.State.terminal() && wt.CompletedAt != nil && wt.CompletedAt.Before(cutoff) {
			delete(t.trees, id)
			if t.byTask[wt.TaskID] == id {
				delete(t.byTask, wt.TaskID)
			}
			pruned++
		}
	}
	return pruned
}

// Summary counts worktrees by state.
func (t *Tracker) Summary() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int, 4)
	for _, wt := range t.trees {
		out[wt.State]++
	}
	return out
}

// TaskCompleted closes out the task's worktree when the coordinator finishes
// a step. Errors are logged; housekeeping never fails the step.
func (t *Tracker) TaskCompleted(taskID string) {
	wt, err := t.ForTask(taskID)
	if err != nil {
		return
	}
	if wt.State != StateActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.Complete(ctx, wt.ID, false, ""); err != nil {
		t.log.WithFields(logrus.Fields{"worktree": wt.ID, "task_id": taskID}).
			WithError(err).Warn("worktree housekeeping failed")
	}
}
