package types

import (
	"reflect"
	"testing"
	"time"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

func validTask() *Task {
	return &Task{
		Title:      "wire the dependency graph",
		Repository: "repo-a",
		Status:     StatusPending,
		Priority:   PriorityMedium,
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"valid", func(*Task) {}, ""},
		{"title too short", func(tk *Task) { tk.Title = "ab" }, "title"},
		{"title too long", func(tk *Task) { tk.Title = string(make([]byte, MaxTitleLength+1)) }, "title"},
		{"missing repository", func(tk *Task) { tk.Repository = "" }, "repository"},
		{"bad status", func(tk *Task) { tk.Status = "paused" }, "status"},
		{"bad priority", func(tk *Task) { tk.Priority = "urgent-ish" }, "priority"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := validTask()
			tc.mutate(task)
			err := task.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !faults.IsKind(err, faults.KindValidation) {
				t.Fatalf("Validate() = %v, want validation fault on %s", err, tc.field)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusBlocked:    false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestOverdue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	task := validTask()
	if task.Overdue(now) {
		t.Error("no due date should never be overdue")
	}
	task.DueDate = &past
	if !task.Overdue(now) {
		t.Error("past due date on a pending task should be overdue")
	}
	task.Status = StatusCompleted
	if task.Overdue(now) {
		t.Error("completed task should not be overdue")
	}
}

func TestCloneIsDeep(t *testing.T) {
	due := time.Now()
	task := validTask()
	task.Tags = []string{"infra"}
	task.Metadata = map[string]string{"external_id": "42"}
	task.DueDate = &due

	c := task.Clone()
	c.Tags[0] = "changed"
	c.Metadata["external_id"] = "changed"
	*c.DueDate = due.Add(time.Hour)

	if task.Tags[0] != "infra" || task.Metadata["external_id"] != "42" || !task.DueDate.Equal(due) {
		t.Error("mutating the clone leaked into the original")
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Bug ", "bug", "INFRA", "", "infra"})
	want := []string{"bug", "infra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeTags = %v, want %v", got, want)
	}
	if NormalizeTags(nil) != nil {
		t.Error("nil in, nil out")
	}
}
