package worktree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/coordinator"
	"github.com/lesleslie/mahavishnu/internal/faults"
)

var _ coordinator.Housekeeper = (*Tracker)(nil)

// stubRunner records git invocations and returns scripted output.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	fail  map[string]error
}

func newStubRunner() *stubRunner {
	return &stubRunner{out: make(map[string]string), fail: make(map[string]error)}
}

func (r *stubRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	key := args[0]
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	r.mu.Unlock()
	if err := r.fail[key]; err != nil {
		return "", err
	}
	return r.out[key], nil
}

func (r *stubRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestTracker() (*Tracker, *stubRunner) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	runner := newStubRunner()
	return NewTracker(log, runner), runner
}

func mustCreate(t *testing.T, tr *Tracker, taskID string) *Worktree {
	t.Helper()
	wt, err := tr.Create(context.Background(), taskID, "/tmp/wt-"+taskID, "task/"+taskID, "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return wt
}

func TestCreateTracksWorktree(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	if wt.State != StateActive || wt.BaseBranch != "main" {
		t.Errorf("worktree = %+v", wt)
	}
	if !runner.called("worktree add -b task/t1 /tmp/wt-t1 main") {
		t.Errorf("git calls = %v", runner.calls)
	}

	got, err := tr.Get(wt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TaskID != "t1" {
		t.Errorf("task id = %q", got.TaskID)
	}
}

func TestCreateRefusesSecondActive(t *testing.T) {
	tr, _ := newTestTracker()
	mustCreate(t, tr, "t1")

	_, err := tr.Create(context.Background(), "t1", "/tmp/other", "task/t1-bis", "main")
	if !faults.IsKind(err, faults.KindConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestCreateValidation(t *testing.T) {
	tr, _ := newTestTracker()
	_, err := tr.Create(context.Background(), "", "/tmp/x", "b", "main")
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestCompleteWithoutMerge(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	if err := tr.Complete(context.Background(), wt.ID, false, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := tr.Get(wt.ID)
	if got.State != StateCompleted || got.CompletedAt == nil {
		t.Errorf("worktree = %+v", got)
	}
	if runner.called("merge") {
		t.Error("merge ran without merge flag")
	}

	// Completion is terminal.
	err := tr.Complete(context.Background(), wt.ID, false, "")
	if !faults.IsKind(err, faults.KindConflict) {
		t.Errorf("second Complete err = %v, want CONFLICT", err)
	}
}

func TestCompleteMergeRequiresRepoPath(t *testing.T) {
	tr, _ := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	err := tr.Complete(context.Background(), wt.ID, true, "")
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	got, _ := tr.Get(wt.ID)
	if got.State != StateActive {
		t.Errorf("state mutated on refused merge: %s", got.State)
	}
}

func TestCompleteWithMerge(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	if err := tr.Complete(context.Background(), wt.ID, true, "/repos/widgets"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := tr.Get(wt.ID)
	if got.State != StateMerged {
		t.Errorf("state = %s, want MERGED", got.State)
	}
	if !runner.called("checkout main") || !runner.called("merge --no-ff task/t1") {
		t.Errorf("git calls = %v", runner.calls)
	}
}

func TestMergeFailureLeavesActive(t *testing.T) {
	tr, runner := newTestTracker()
	runner.fail["merge"] = fmt.Errorf("merge conflict")
	wt := mustCreate(t, tr, "t1")

	if err := tr.Complete(context.Background(), wt.ID, true, "/repos/widgets"); err == nil {
		t.Fatal("Complete succeeded through failed merge")
	}
	got, _ := tr.Get(wt.ID)
	if got.State != StateActive {
		t.Errorf("state = %s after failed merge, want ACTIVE", got.State)
	}
}

func TestAbandonAndCleanup(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	// Active worktrees cannot be cleaned up.
	if err := tr.Cleanup(context.Background(), wt.ID); !faults.IsKind(err, faults.KindConflict) {
		t.Fatalf("Cleanup of active = %v, want CONFLICT", err)
	}

	if err := tr.Abandon(wt.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if err := tr.Cleanup(context.Background(), wt.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !runner.called("worktree remove --force /tmp/wt-t1") {
		t.Errorf("git calls = %v", runner.calls)
	}
	if _, err := tr.Get(wt.ID); !faults.IsKind(err, faults.KindNotFound) {
		t.Errorf("Get after cleanup = %v, want NOT_FOUND", err)
	}

	// The task slot is free again.
	mustCreate(t, tr, "t1")
}

func TestSyncRunsFetchAndRebase(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	if err := tr.Sync(context.Background(), wt.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !runner.called("fetch origin") || !runner.called("rebase origin/main") {
		t.Errorf("git calls = %v", runner.calls)
	}
}

func TestStatusReportsDirty(t *testing.T) {
	tr, runner := newTestTracker()
	wt := mustCreate(t, tr, "t1")

	runner.out["status"] = " M main.go\n"
	st, err := tr.Status(context.Background(), wt.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Dirty {
		t.Error("dirty checkout reported clean")
	}

	runner.out["status"] = "\n"
	st, _ = tr.Status(context.Background(), wt.ID)
	if st.Dirty {
		t.Error("clean checkout reported dirty")
	}
}

func TestPruneStaleAndSummary(t *testing.T) {
	tr, _ := newTestTracker()
	old := mustCreate(t, tr, "t1")
	fresh := mustCreate(t, tr, "t2")
	mustCreate(t, tr, "t3")

	if err := tr.Abandon(old.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if err := tr.Complete(context.Background(), fresh.ID, false, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Age the abandoned one past the cutoff.
	tr.mu.Lock()
	aged := time.Now().UTC().Add(-48 * time.Hour)
	tr.trees[old.ID].CompletedAt = &aged
	tr.mu.Unlock()

	if n := tr.PruneStale(24 * time.Hour); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	sum := tr.Summary()
	if sum[StateActive] != 1 || sum[StateCompleted] != 1 || sum[StateAbandoned] != 0 {
		t.Errorf("summary = %v", sum)
	}
}

func TestHousekeepingCompletesTaskWorktree(t *testing.T) {
	tr, _ := newTestTracker()
	wt := mustCreate(t, tr, "t9")

	tr.TaskCompleted("t9")

	got, _ := tr.Get(wt.ID)
	if got.State != StateCompleted {
		t.Errorf("state = %s after housekeeping, want COMPLETED", got.State)
	}

	// Unknown tasks are a no-op.
	tr.TaskCompleted("ghost")
}
