package storage

import (
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// ReplayTask folds a task's full event stream (ascending) back into its
// externally visible state. Returns nil when the stream ends in DELETED or
// never saw CREATED. Dependency and webhook events carry no task state and
// are skipped.
func ReplayTask(events []*types.TaskEvent) *types.Task {
	var task *types.Task
	for _, ev := range events {
		switch ev.Type {
		case types.EventCreated:
			task = &types.Task{
				ID:        ev.TaskID,
				Status:    types.StatusPending,
				Priority:  types.PriorityMedium,
				CreatedAt: ev.OccurredAt,
				UpdatedAt: ev.OccurredAt,
				CreatedBy: ev.Actor,
			}
			applyEventData(task, ev.Data)
		case types.EventUpdated, types.EventStatusChanged, types.EventPriorityChanged,
			types.EventAssigned, types.EventUnassigned, types.EventCompleted,
			types.EventFailed, types.EventCancelled, types.EventBlocked,
			types.EventUnblocked, types.EventTagAdded, types.EventTagRemoved:
			if task == nil {
				continue
			}
			applyEventData(task, ev.Data)
			task.UpdatedAt = ev.OccurredAt
		case types.EventDeleted:
			task = nil
		}
	}
	return task
}

// applyEventData copies recognised keys from event data onto the task.
// Values arrive as decoded JSON: strings, []interface{}, and nested maps.
func applyEventData(task *types.Task, data map[string]interface{}) {
	for key, raw := range data {
		switch key {
		case "title":
			if s, ok := raw.(string); ok {
				task.Title = s
			}
		case "repository":
			if s, ok := raw.(string); ok {
				task.Repository = s
			}
		case "description":
			if s, ok := raw.(string); ok {
				task.Description = s
			}
		case "status", "new_status":
			if s, ok := raw.(string); ok {
				task.Status = types.TaskStatus(s)
			}
		case "priority", "new_priority":
			if s, ok := raw.(string); ok {
				task.Priority = types.TaskPriority(s)
			}
		case "assignee":
			if raw == nil {
				task.Assignee = ""
			} else if s, ok := raw.(string); ok {
				task.Assignee = s
			}
		case "created_by":
			if s, ok := raw.(string); ok {
				task.CreatedBy = s
			}
		case "tags":
			task.Tags = toStringSlice(raw)
		case "metadata":
			task.Metadata = toStringMap(raw)
		case "due_date":
			task.DueDate = toTimePtr(raw)
		case "external_id":
			if raw == nil {
				task.ExternalID = nil
			} else if s, ok := raw.(string); ok {
				task.ExternalID = &s
			}
		case "completed_at":
			task.CompletedAt = toTimePtr(raw)
		}
	}
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toStringMap(raw interface{}) map[string]string {
	switch v := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func toTimePtr(raw interface{}) *time.Time {
	switch v := raw.(type) {
	case nil:
		return nil
	case time.Time:
		t := v
		return &t
	case *time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &t
		}
	}
	return nil
}
