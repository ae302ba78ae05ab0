// Package memory implements storage.Store with plain maps behind one mutex.
// It exists for tests and examples: same contract as the mysql backend,
// including event emission, idempotency keys, and conflict detection, with
// no database. Timestamps are forced strictly monotonic so orderings that
// tiebreak on id never depend on clock resolution.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// Store is the in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*types.Task
	taskSeq     map[string]int64 // creation order, List tiebreaker
	events      []*types.TaskEvent
	eventsByKey map[string]*types.TaskEvent
	deps        map[string]*types.Dependency
	depPairs    map[string]string // "source|target" -> edge id

	nextEventID int64
	nextSeq     int64
	lastClock   time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:       make(map[string]*types.Task),
		taskSeq:     make(map[string]int64),
		eventsByKey: make(map[string]*types.TaskEvent),
		deps:        make(map[string]*types.Dependency),
		depPairs:    make(map[string]string),
	}
}

// now hands out strictly increasing UTC timestamps. Callers hold s.mu.
func (s *Store) now() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastClock) {
		t = s.lastClock.Add(time.Microsecond)
	}
	s.lastClock = t
	return t
}

func (s *Store) appendEventLocked(ev *types.TaskEvent) *types.TaskEvent {
	s.nextEventID++
	ev.ID = s.nextEventID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	s.events = append(s.events, ev)
	if ev.IdempotencyKey != "" {
		s.eventsByKey[ev.IdempotencyKey] = ev
	}
	return ev
}

// ── tasks ───────────────────────────────────────────────────────────────────

func (s *Store) CreateTask(ctx context.Context, draft *types.Task, actor string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTaskLocked(draft, actor)
}

func (s *Store) CreateTasks(ctx context.Context, drafts []*types.Task, actor string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything up front: the batch is atomic.
	for _, draft := range drafts {
		probe := draft.Clone()
		if probe.Status == "" {
			probe.Status = types.StatusPending
		}
		if probe.Priority == "" {
			probe.Priority = types.PriorityMedium
		}
		if err := probe.Validate(); err != nil {
			return nil, err
		}
	}
	out := make([]*types.Task, 0, len(drafts))
	for _, draft := range drafts {
		task, err := s.createTaskLocked(draft, actor)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *Store) createTaskLocked(draft *types.Task, actor string) (*types.Task, error) {
	task := draft.Clone()
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.Priority == "" {
		task.Priority = types.PriorityMedium
	}
	if task.CreatedBy == "" {
		task.CreatedBy = actor
	}
	task.Tags = types.NormalizeTags(task.Tags)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if task.ExternalID != nil {
		for _, existing := range s.tasks {
			if existing.ExternalID != nil && *existing.ExternalID == *task.ExternalID {
				return nil, faults.Conflict("external_id already in use")
			}
		}
	}

	task.ID = uuid.NewString()
	ts := s.now()
	task.CreatedAt = ts
	task.UpdatedAt = ts
	task.CompletedAt = nil
	if task.Status == types.StatusCompleted {
		task.CompletedAt = &ts
	}

	s.tasks[task.ID] = task
	s.nextSeq++
	s.taskSeq[task.ID] = s.nextSeq

	data := map[string]interface{}{
		"title":      task.Title,
		"repository": task.Repository,
		"status":     string(task.Status),
		"priority":   string(task.Priority),
	}
	if task.Description != "" {
		data["description"] = task.Description
	}
	if task.Assignee != "" {
		data["assignee"] = task.Assignee
	}
	if len(task.Tags) > 0 {
		data["tags"] = task.Tags
	}
	if len(task.Metadata) > 0 {
		data["metadata"] = task.Metadata
	}
	if task.DueDate != nil {
		data["due_date"] = task.DueDate
	}
	if task.ExternalID != nil {
		data["external_id"] = *task.ExternalID
	}
	if task.CreatedBy != "" {
		data["created_by"] = task.CreatedBy
	}
	s.appendEventLocked(&types.TaskEvent{
		TaskID:     task.ID,
		Type:       types.EventCreated,
		Data:       data,
		Actor:      actor,
		OccurredAt: ts,
	})
	return task.Clone(), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, faults.NotFound("task", id)
	}
	return task.Clone(), nil
}

func (s *Store) GetTaskByExternalID(ctx context.Context, externalID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.ExternalID != nil && *task.ExternalID == externalID {
			return task.Clone(), nil
		}
	}
	return nil, nil
}

var updatableFields = map[string]bool{
	"title": true, "description": true, "status": true, "priority": true,
	"assignee": true, "tags": true, "metadata": true, "due_date": true,
	"external_id": true,
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch map[string]interface{}, actor string) (*types.Task, error) {
	for field := range patch {
		if !updatableFields[field] {
			return nil, faults.Validation(field, "not an updatable field")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, faults.NotFound("task", id)
	}

	next := current.Clone()
	changed := make(map[string]interface{})

	for field, raw := range patch {
		switch field {
		case "title":
			v, ok := raw.(string)
			if !ok {
				return nil, faults.Validation("title", "must be a string")
			}
			if len(v) < types.MinTitleLength || len(v) > types.MaxTitleLength {
				return nil, faults.Validation("title", "must be %d-%d characters", types.MinTitleLength, types.MaxTitleLength)
			}
			if v != current.Title {
				next.Title = v
				changed["title"] = v
			}
		case "description":
			v, ok := raw.(string)
			if !ok {
				return nil, faults.Validation("description", "must be a string")
			}
			if v != current.Description {
				next.Description = v
				changed["description"] = v
			}
		case "status":
			v, err := coerceStatus(raw)
			if err != nil {
				return nil, err
			}
			if v != current.Status {
				next.Status = v
				changed["status"] = string(v)
			}
		case "priority":
			v, err := coercePriority(raw)
			if err != nil {
				return nil, err
			}
			if v != current.Priority {
				next.Priority = v
				changed["priority"] = string(v)
			}
		case "assignee":
			v := ""
			if raw != nil {
				sv, ok := raw.(string)
				if !ok {
					return nil, faults.Validation("assignee", "must be a string")
				}
				v = sv
			}
			if v != current.Assignee {
				next.Assignee = v
				changed["assignee"] = v
			}
		case "tags":
			v := types.NormalizeTags(coerceStrings(raw))
			if !sameStrings(v, current.Tags) {
				next.Tags = v
				changed["tags"] = v
			}
		case "metadata":
			v, err := coerceMetadata(raw)
			if err != nil {
				return nil, err
			}
			if !sameStringMap(v, current.Metadata) {
				next.Metadata = v
				changed["metadata"] = v
			}
		case "due_date":
			v, err := coerceTime(raw)
			if err != nil {
				return nil, faults.Validation("due_date", "must be a timestamp")
			}
			if !sameTimePtr(v, current.DueDate) {
				next.DueDate = v
				if v != nil {
					changed["due_date"] = *v
				} else {
					changed["due_date"] = nil
				}
			}
		case "external_id":
			var v *string
			if raw != nil {
				sv, ok := raw.(string)
				if !ok {
					return nil, faults.Validation("external_id", "must be a string")
				}
				v = &sv
			}
			if !sameStringPtr(v, current.ExternalID) {
				if v != nil {
					for otherID, other := range s.tasks {
						if otherID != id && other.ExternalID != nil && *other.ExternalID == *v {
							return nil, faults.Conflict("external_id already in use")
						}
					}
				}
				next.ExternalID = v
				if v != nil {
					changed["external_id"] = *v
				} else {
					changed["external_id"] = nil
				}
			}
		}
	}

	if len(changed) == 0 {
		return current.Clone(), nil
	}

	ts := s.now()
	next.UpdatedAt = ts
	if _, ok := changed["status"]; ok {
		if next.Status == types.StatusCompleted && current.Status != types.StatusCompleted {
			next.CompletedAt = &ts
			changed["completed_at"] = ts
		} else if next.Status != types.StatusCompleted && current.Status == types.StatusCompleted {
			next.CompletedAt = nil
			changed["completed_at"] = nil
		}
		changed["new_status"] = string(next.Status)
	}
	if _, ok := changed["priority"]; ok {
		changed["new_priority"] = string(next.Priority)
	}

	s.tasks[id] = next
	s.appendEventLocked(&types.TaskEvent{
		TaskID:     id,
		Type:       types.EventUpdated,
		Data:       changed,
		Actor:      actor,
		OccurredAt: ts,
	})
	return next.Clone(), nil
}

func (s *Store) UpdateTaskStatusBatch(ctx context.Context, ids []string, status types.TaskStatus, actor string) (int, error) {
	if !status.IsValid() {
		return 0, faults.Validation("status", "unknown status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	updated := 0
	for _, id := range ids {
		task, ok := s.tasks[id]
		if !ok || task.Status == status {
			continue
		}
		old := task.Status
		next := task.Clone()
		next.Status = status
		next.UpdatedAt = ts

		data := map[string]interface{}{
			"new_status": string(status),
			"old_status": string(old),
		}
		if status == types.StatusCompleted {
			next.CompletedAt = &ts
			data["completed_at"] = ts
		} else if old == types.StatusCompleted {
			next.CompletedAt = nil
			data["completed_at"] = nil
		}

		s.tasks[id] = next
		s.appendEventLocked(&types.TaskEvent{
			TaskID:     id,
			Type:       types.EventStatusChanged,
			Data:       data,
			Actor:      actor,
			OccurredAt: ts,
		})
		updated++
	}
	return updated, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return faults.NotFound("task", id)
	}
	s.appendEventLocked(&types.TaskEvent{
		TaskID: id,
		Type:   types.EventDeleted,
		Data: map[string]interface{}{
			"title":      task.Title,
			"repository": task.Repository,
			"status":     string(task.Status),
		},
		Actor:      actor,
		OccurredAt: s.now(),
	})
	delete(s.tasks, id)
	delete(s.taskSeq, id)
	for edgeID, edge := range s.deps {
		if edge.SourceTaskID == id || edge.TargetTaskID == id {
			delete(s.deps, edgeID)
			delete(s.depPairs, edge.SourceTaskID+"|"+edge.TargetTaskID)
		}
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*types.Task
	for _, task := range s.tasks {
		if filter == nil || filter.Matches(task) {
			matches = append(matches, task)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return s.taskSeq[a.ID] > s.taskSeq[b.ID]
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(matches) {
				matches = nil
			} else {
				matches = matches[filter.Offset:]
			}
		}
		if filter.Limit > 0 && len(matches) > filter.Limit {
			matches = matches[:filter.Limit]
		}
	}

	out := make([]*types.Task, len(matches))
	for i, task := range matches {
		out[i] = task.Clone()
	}
	return out, nil
}

func (s *Store) CountTasks(ctx context.Context, filter *types.TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, task := range s.tasks {
		if filter == nil {
			count++
			continue
		}
		// Pagination does not affect counting.
		f := *filter
		f.Limit, f.Offset = 0, 0
		if f.Matches(task) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Close() error { return nil }

// ── coercion helpers ────────────────────────────────────────────────────────

func coerceStatus(raw interface{}) (types.TaskStatus, error) {
	var v types.TaskStatus
	switch t := raw.(type) {
	case types.TaskStatus:
		v = t
	case string:
		v = types.TaskStatus(t)
	default:
		return "", faults.Validation("status", "must be a string")
	}
	if !v.IsValid() {
		return "", faults.Validation("status", "unknown status %q", v)
	}
	return v, nil
}

func coercePriority(raw interface{}) (types.TaskPriority, error) {
	var v types.TaskPriority
	switch t := raw.(type) {
	case types.TaskPriority:
		v = t
	case string:
		v = types.TaskPriority(t)
	default:
		return "", faults.Validation("priority", "must be a string")
	}
	if !v.IsValid() {
		return "", faults.Validation("priority", "unknown priority %q", v)
	}
	return v, nil
}

func coerceStrings(raw interface{}) []string {
	switch t := raw.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func coerceMetadata(raw interface{}) (map[string]string, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return t, nil
	case map[string]interface{}:
		out := make(map[string]string, len(t))
		for k, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, faults.Validation("metadata", "value for %q must be a string", k)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, faults.Validation("metadata", "must be a string map")
}

func coerceTime(raw interface{}) (*time.Time, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC().Truncate(time.Microsecond)
		return &u, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		u := t.UTC().Truncate(time.Microsecond)
		return &u, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, err
		}
		u := parsed.UTC().Truncate(time.Microsecond)
		return &u, nil
	}
	return nil, faults.Validation("due_date", "unsupported time value")
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
