package importer

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/storage/memory"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func githubIssue(id, title string, labels ...string) *types.ExternalIssue {
	return &types.ExternalIssue{
		Source:     "github",
		ExternalID: id,
		Title:      title,
		State:      "open",
		Labels:     labels,
		Repository: "acme/widgets",
		URL:        "https://github.com/acme/widgets/issues/" + id,
		Author:     "octocat",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestImportCreatesTask(t *testing.T) {
	store := memory.New()
	imp := New(store, quietLogger(), Filter{})

	task, imported, err := imp.Import(context.Background(), githubIssue("42", "Fix login flow", "bug"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !imported {
		t.Fatal("issue not imported")
	}
	if task.Status != types.StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Metadata["external_source"] != "github" || task.Metadata["external_id"] != "42" {
		t.Errorf("metadata = %+v", task.Metadata)
	}
	if task.ExternalID == nil || *task.ExternalID != "42" {
		t.Errorf("external id = %v, want 42", task.ExternalID)
	}
	if len(task.Tags) != 1 || task.Tags[0] != "bug" {
		t.Errorf("tags = %v, want [bug]", task.Tags)
	}

	m, ok := imp.Mapping("github", "42")
	if !ok {
		t.Fatal("mapping not recorded")
	}
	if m.TaskID != task.ID || m.Repository != "acme/widgets" || !m.Approved {
		t.Errorf("mapping = %+v", m)
	}
}

func TestImportDeduplicates(t *testing.T) {
	store := memory.New()
	imp := New(store, quietLogger(), Filter{})
	ctx := context.Background()

	if _, imported, err := imp.Import(ctx, githubIssue("7", "One")); err != nil || !imported {
		t.Fatalf("first import: imported=%v err=%v", imported, err)
	}
	task, imported, err := imp.Import(ctx, githubIssue("7", "One"))
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if imported || task != nil {
		t.Error("duplicate issue imported twice")
	}

	n, err := store.CountTasks(ctx, &types.TaskFilter{})
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("tasks = %d, want 1", n)
	}
}

func TestLabelFilterSkipThenImport(t *testing.T) {
	store := memory.New()
	imp := New(store, quietLogger(), Filter{Labels: []string{"bug"}})
	ctx := context.Background()

	// Feature-labelled delivery is skipped and does not poison the dedup set.
	_, imported, err := imp.Import(ctx, githubIssue("9", "Odd crash", "feature"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported {
		t.Fatal("feature-labelled issue passed a bug-only filter")
	}

	task, imported, err := imp.Import(ctx, githubIssue("9", "Odd crash", "bug"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !imported || task == nil {
		t.Fatal("relabelled issue did not import")
	}

	// A third delivery now hits the dedup set.
	_, imported, _ = imp.Import(ctx, githubIssue("9", "Odd crash", "bug"))
	if imported {
		t.Error("issue imported twice")
	}
}

func TestFilterRules(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		issue  *types.ExternalIssue
		want   bool
	}{
		{"empty filter admits", Filter{}, githubIssue("1", "A"), true},
		{"repo allow-list hit", Filter{Repositories: []string{"acme/widgets"}}, githubIssue("1", "A"), true},
		{"repo allow-list miss", Filter{Repositories: []string{"acme/other"}}, githubIssue("1", "A"), false},
		{"skip closed", Filter{SkipClosed: true}, &types.ExternalIssue{Source: "gitlab", ExternalID: "2", State: "closed", Repository: "r"}, false},
		{"gitlab opened state passes", Filter{SkipClosed: true}, &types.ExternalIssue{Source: "gitlab", ExternalID: "3", State: "opened", Repository: "r"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tc.filter.Accepts(tc.issue)
			if got != tc.want {
				t.Errorf("Accepts = %v (%s), want %v", got, reason, tc.want)
			}
		})
	}
}

func TestSetFilterHotSwap(t *testing.T) {
	store := memory.New()
	imp := New(store, quietLogger(), Filter{Labels: []string{"bug"}})
	ctx := context.Background()

	if _, imported, _ := imp.Import(ctx, githubIssue("11", "Docs", "docs")); imported {
		t.Fatal("docs issue passed bug-only filter")
	}

	imp.SetFilter(Filter{Labels: []string{"docs"}})
	if _, imported, _ := imp.Import(ctx, githubIssue("11", "Docs", "docs")); !imported {
		t.Error("docs issue refused after filter swap")
	}
}

func TestImportBatchCounters(t *testing.T) {
	store := memory.New()
	imp := New(store, quietLogger(), Filter{Labels: []string{"bug"}})

	res := imp.ImportBatch(context.Background(), []*types.ExternalIssue{
		githubIssue("1", "Crash on boot", "bug"),
		githubIssue("2", "Add dark mode", "feature"),
		githubIssue("1", "Crash on boot", "bug"), // duplicate
		{Source: "github", ExternalID: "3", Title: "x", State: "open", Repository: "acme/widgets", Labels: []string{"bug"}}, // title too short
	})

	if res.Imported != 1 || res.Skipped != 2 || res.Failed != 1 {
		t.Errorf("batch = imported %d skipped %d failed %d, want 1/2/1",
			res.Imported, res.Skipped, res.Failed)
	}
	if len(res.TaskIDs) != 1 {
		t.Errorf("task ids = %v", res.TaskIDs)
	}
}
