package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func newTask(t *testing.T, s *Store, title, repo string) *types.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), &types.Task{Title: title, Repository: repo}, "tester")
	if err != nil {
		t.Fatalf("CreateTask(%q): %v", title, err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	s := New()
	task := newTask(t, s, "Fix login flow", "backend")

	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Status != types.StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Priority != types.PriorityMedium {
		t.Errorf("priority = %q, want medium", task.Priority)
	}
	if task.CreatedAt.IsZero() || !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Errorf("timestamps not initialised together: created=%v updated=%v", task.CreatedAt, task.UpdatedAt)
	}

	events, err := s.EventsForTask(context.Background(), task.ID, nil)
	if err != nil {
		t.Fatalf("EventsForTask: %v", err)
	}
	if len(events) != 1 || events[0].Type != types.EventCreated {
		t.Fatalf("expected single CREATED event, got %v", events)
	}
	if events[0].Data["title"] != "Fix login flow" {
		t.Errorf("event data title = %v", events[0].Data["title"])
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s := New()
	cases := []struct {
		name  string
		draft *types.Task
		field string
	}{
		{"title too short", &types.Task{Title: "ab", Repository: "r"}, "title"},
		{"title too long", &types.Task{Title: string(make([]byte, 501)), Repository: "r"}, "title"},
		{"missing repository", &types.Task{Title: "valid title"}, "repository"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateTask(context.Background(), tc.draft, "tester")
			if !faults.IsKind(err, faults.KindValidation) {
				t.Fatalf("err = %v, want VALIDATION", err)
			}
		})
	}
}

func TestUpdateTaskChangedFieldsOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Ship exporter", "infra")

	updated, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{
		"status":   "in_progress",
		"priority": "high",
		"title":    task.Title, // unchanged: must not appear in the event
	}, "alice")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != types.StatusInProgress || updated.Priority != types.PriorityHigh {
		t.Fatalf("update not applied: %+v", updated)
	}

	events, _ := s.EventsForTask(ctx, task.ID, &types.EventQuery{Types: []types.EventType{types.EventUpdated}})
	if len(events) != 1 {
		t.Fatalf("expected one UPDATED event, got %d", len(events))
	}
	data := events[0].Data
	if _, ok := data["title"]; ok {
		t.Error("unchanged title leaked into event data")
	}
	if data["new_status"] != "in_progress" {
		t.Errorf("new_status hint = %v", data["new_status"])
	}
	if data["new_priority"] != "high" {
		t.Errorf("new_priority hint = %v", data["new_priority"])
	}
}

func TestUpdateTaskNoopEmitsNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Quiet update", "infra")

	if _, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"status": "pending"}, "alice"); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	events, _ := s.EventsForTask(ctx, task.ID, nil)
	if len(events) != 1 {
		t.Fatalf("no-op update must not emit events, log = %d entries", len(events))
	}
}

func TestUpdateTaskRejectsUnknownField(t *testing.T) {
	s := New()
	task := newTask(t, s, "Guarded patch", "infra")
	_, err := s.UpdateTask(context.Background(), task.ID, map[string]interface{}{"owner": "bob"}, "alice")
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestCompletedAtLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Finish me", "infra")

	done, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"status": "completed"}, "alice")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not pinned on transition to completed")
	}

	reopened, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"status": "pending"}, "alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.CompletedAt != nil {
		t.Fatal("completed_at must clear when leaving completed")
	}
}

func TestUpdateStatusBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newTask(t, s, "Batch member A", "infra")
	b := newTask(t, s, "Batch member B", "infra")
	c := newTask(t, s, "Already done", "infra")
	if _, err := s.UpdateTask(ctx, c.ID, map[string]interface{}{"status": "completed"}, "t"); err != nil {
		t.Fatal(err)
	}

	n, err := s.UpdateTaskStatusBatch(ctx, []string{a.ID, b.ID, c.ID, "no-such-id"}, types.StatusCompleted, "batch")
	if err != nil {
		t.Fatalf("UpdateTaskStatusBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("updated = %d, want 2 (no-op and missing ids skipped)", n)
	}

	ta, _ := s.GetTask(ctx, a.ID)
	tb, _ := s.GetTask(ctx, b.ID)
	if ta.CompletedAt == nil || tb.CompletedAt == nil {
		t.Fatal("batch completion must pin completed_at")
	}
	if !ta.CompletedAt.Equal(*tb.CompletedAt) {
		t.Errorf("batch timestamps differ: %v vs %v", ta.CompletedAt, tb.CompletedAt)
	}

	evs, _ := s.EventsForTask(ctx, a.ID, &types.EventQuery{Types: []types.EventType{types.EventStatusChanged}})
	if len(evs) != 1 {
		t.Fatalf("expected one STATUS_CHANGED for a, got %d", len(evs))
	}
	if evs[0].Data["old_status"] != "pending" || evs[0].Data["new_status"] != "completed" {
		t.Errorf("status change data = %v", evs[0].Data)
	}
}

func TestDeleteTaskKeepsHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Short lived", "infra")

	if err := s.DeleteTask(ctx, task.ID, "reaper"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("read after delete = %v, want NOT_FOUND", err)
	}

	events, _ := s.EventsForTask(ctx, task.ID, nil)
	if len(events) != 2 {
		t.Fatalf("history must survive deletion, got %d events", len(events))
	}
	last := events[len(events)-1]
	if last.Type != types.EventDeleted || last.Data["title"] != "Short lived" {
		t.Errorf("final event = %+v", last)
	}

	if err := s.DeleteTask(ctx, task.ID, "reaper"); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("second delete = %v, want NOT_FOUND", err)
	}
}

func TestExternalIDUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	ext := "github:42"
	if _, err := s.CreateTask(ctx, &types.Task{Title: "First import", Repository: "r", ExternalID: &ext}, "t"); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateTask(ctx, &types.Task{Title: "Second import", Repository: "r", ExternalID: &ext}, "t")
	if !faults.IsKind(err, faults.KindConflict) {
		t.Fatalf("duplicate external id err = %v, want CONFLICT", err)
	}

	found, err := s.GetTaskByExternalID(ctx, ext)
	if err != nil || found == nil || found.Title != "First import" {
		t.Fatalf("GetTaskByExternalID = %v, %v", found, err)
	}
	missing, err := s.GetTaskByExternalID(ctx, "github:none")
	if err != nil || missing != nil {
		t.Fatalf("unknown external id should be (nil, nil), got %v, %v", missing, err)
	}
}

func TestDependencyRules(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newTask(t, s, "API contract", "backend")
	b := newTask(t, s, "Frontend integration", "frontend")

	if _, err := s.AddDependency(ctx, a.ID, a.ID, types.DepBlocks, "t"); !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("self dependency err = %v, want VALIDATION", err)
	}
	if _, err := s.AddDependency(ctx, a.ID, "ghost", types.DepBlocks, "t"); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("missing target err = %v, want NOT_FOUND", err)
	}

	edge, err := s.AddDependency(ctx, b.ID, a.ID, types.DepBlocks, "t")
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if edge.SourceRepo != "frontend" || edge.TargetRepo != "backend" {
		t.Errorf("repos not copied onto edge: %+v", edge)
	}
	if !edge.IsCrossRepo() {
		t.Error("edge spanning two repositories must be cross-repo")
	}

	if _, err := s.AddDependency(ctx, b.ID, a.ID, types.DepRequires, "t"); !faults.IsKind(err, faults.KindConflict) {
		t.Fatalf("duplicate pair err = %v, want CONFLICT", err)
	}

	deps, _ := s.Dependencies(ctx, b.ID)
	dependents, _ := s.Dependents(ctx, a.ID)
	if len(deps) != 1 || len(dependents) != 1 {
		t.Fatalf("deps=%d dependents=%d, want 1/1", len(deps), len(dependents))
	}

	if err := s.RemoveDependency(ctx, edge.ID, "t"); err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	if err := s.RemoveDependency(ctx, edge.ID, "t"); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("second removal err = %v, want NOT_FOUND", err)
	}
}

func TestAppendEventIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Webhook source", "infra")

	first, err := s.AppendEvent(ctx, &types.TaskEvent{
		TaskID:         task.ID,
		Type:           types.EventSynced,
		Actor:          "webhook",
		IdempotencyKey: "github:delivery-1",
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	second, err := s.AppendEvent(ctx, &types.TaskEvent{
		TaskID:         task.ID,
		Type:           types.EventSynced,
		Actor:          "webhook-retry",
		IdempotencyKey: "github:delivery-1",
	})
	if err != nil {
		t.Fatalf("duplicate AppendEvent: %v", err)
	}
	if second.ID != first.ID || second.Actor != "webhook" {
		t.Fatalf("duplicate key must return stored event: first=%+v second=%+v", first, second)
	}
}

func TestEventsForTaskTimeWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Window probe", "infra")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, &types.TaskEvent{
			TaskID:     task.ID,
			Type:       types.EventSynced,
			Actor:      "t",
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	since := base.Add(30 * time.Minute)
	until := base.Add(90 * time.Minute)
	events, err := s.EventsForTask(ctx, task.ID, &types.EventQuery{
		Since: &since,
		Until: &until,
		Types: []types.EventType{types.EventSynced},
	})
	if err != nil {
		t.Fatalf("EventsForTask: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events in window = %d, want 1", len(events))
	}
	if !events[0].OccurredAt.Equal(base.Add(time.Hour)) {
		t.Errorf("occurred_at = %v, want %v", events[0].OccurredAt, base.Add(time.Hour))
	}

	// Bounds are inclusive.
	edge := base.Add(time.Hour)
	events, err = s.EventsForTask(ctx, task.ID, &types.EventQuery{
		Since: &edge,
		Until: &edge,
		Types: []types.EventType{types.EventSynced},
	})
	if err != nil {
		t.Fatalf("EventsForTask at edge: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events at inclusive bound = %d, want 1", len(events))
	}
}

func TestEventOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, "Ordering probe", "infra")
	for _, status := range []string{"in_progress", "blocked", "in_progress", "completed"} {
		if _, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"status": status}, "t"); err != nil {
			t.Fatal(err)
		}
	}

	asc, _ := s.EventsForTask(ctx, task.ID, nil)
	for i := 1; i < len(asc); i++ {
		if asc[i].ID <= asc[i-1].ID {
			t.Fatalf("EventsForTask not ascending at %d: %d then %d", i, asc[i-1].ID, asc[i].ID)
		}
	}

	desc, _ := s.EventsByType(ctx, types.EventUpdated, nil, 0)
	for i := 1; i < len(desc); i++ {
		if desc[i].ID >= desc[i-1].ID {
			t.Fatalf("EventsByType not descending at %d", i)
		}
	}
}

func TestEventsByCorrelation(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newTask(t, s, "Correlated A", "infra")
	b := newTask(t, s, "Correlated B", "infra")

	for _, id := range []string{a.ID, b.ID} {
		if _, err := s.AppendEvent(ctx, &types.TaskEvent{
			TaskID:        id,
			Type:          types.EventAssigned,
			CorrelationID: "workflow-7",
			Actor:         "coordinator",
		}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.EventsByCorrelation(ctx, "workflow-7")
	if err != nil {
		t.Fatalf("EventsByCorrelation: %v", err)
	}
	if len(events) != 2 || events[0].TaskID != a.ID || events[1].TaskID != b.ID {
		t.Fatalf("correlation scan wrong: %v", events)
	}
}

func TestIterateEventsChunks(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		newTask(t, s, "Bulk task for iteration", "infra")
	}

	it := storage.IterateEvents(s, nil, 3)
	var total int
	var lastID int64
	for {
		batch, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if batch == nil {
			break
		}
		for _, ev := range batch {
			if ev.ID <= lastID {
				t.Fatalf("iterator went backwards: %d after %d", ev.ID, lastID)
			}
			lastID = ev.ID
		}
		total += len(batch)
	}
	if total != 7 {
		t.Fatalf("iterated %d events, want 7", total)
	}
	// Exhausted iterators stay exhausted.
	if batch, _ := it.Next(ctx); batch != nil {
		t.Fatal("iterator returned data after completion")
	}
}

func TestListTasksFilterAndPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		newTask(t, s, "Backend work item", "backend")
	}
	frontend := newTask(t, s, "Frontend work item", "frontend")
	if _, err := s.UpdateTask(ctx, frontend.ID, map[string]interface{}{"priority": "critical"}, "t"); err != nil {
		t.Fatal(err)
	}

	backendOnly, _ := s.ListTasks(ctx, &types.TaskFilter{Repository: "backend"})
	if len(backendOnly) != 5 {
		t.Fatalf("repository filter: got %d, want 5", len(backendOnly))
	}
	for i := 1; i < len(backendOnly); i++ {
		if backendOnly[i].CreatedAt.After(backendOnly[i-1].CreatedAt) {
			t.Fatal("list must be newest first")
		}
	}

	crit := types.PriorityCritical
	critical, _ := s.ListTasks(ctx, &types.TaskFilter{Priority: &crit})
	if len(critical) != 1 || critical[0].ID != frontend.ID {
		t.Fatalf("priority filter: %v", critical)
	}

	page, _ := s.ListTasks(ctx, &types.TaskFilter{Repository: "backend", Limit: 2, Offset: 4})
	if len(page) != 1 {
		t.Fatalf("pagination past the end: got %d, want 1", len(page))
	}

	count, _ := s.CountTasks(ctx, &types.TaskFilter{Repository: "backend", Limit: 2})
	if count != 5 {
		t.Fatalf("count must ignore pagination: got %d", count)
	}
}

func TestReplayReconstructsTask(t *testing.T) {
	s := New()
	ctx := context.Background()
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, &types.Task{
		Title:      "Replay target",
		Repository: "infra",
		Tags:       []string{"Sync", "release"},
		DueDate:    &due,
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"assignee": "carol", "status": "in_progress"}, "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(ctx, task.ID, map[string]interface{}{"status": "completed"}, "t"); err != nil {
		t.Fatal(err)
	}

	events, _ := s.EventsForTask(ctx, task.ID, nil)
	replayed := storage.ReplayTask(events)
	if replayed == nil {
		t.Fatal("replay returned nil for live task")
	}
	live, _ := s.GetTask(ctx, task.ID)
	if replayed.Title != live.Title || replayed.Status != live.Status || replayed.Assignee != live.Assignee {
		t.Fatalf("replay drift:\n replayed %+v\n live     %+v", replayed, live)
	}
	if replayed.CompletedAt == nil || !replayed.CompletedAt.Equal(*live.CompletedAt) {
		t.Fatalf("replayed completed_at = %v, live = %v", replayed.CompletedAt, live.CompletedAt)
	}
	if len(replayed.Tags) != 2 || replayed.Tags[0] != "sync" {
		t.Fatalf("replayed tags = %v", replayed.Tags)
	}

	if err := s.DeleteTask(ctx, task.ID, "t"); err != nil {
		t.Fatal(err)
	}
	events, _ = s.EventsForTask(ctx, task.ID, nil)
	if got := storage.ReplayTask(events); got != nil {
		t.Fatalf("replay of deleted task = %+v, want nil", got)
	}
}
