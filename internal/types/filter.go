package types

import "time"

// TaskFilter narrows List and Count queries. Nil pointer fields mean "any".
// Tags is an intersection: a task must carry every listed tag.
type TaskFilter struct {
	Repository   string        `json:"repository,omitempty"`
	Status       *TaskStatus   `json:"status,omitempty"`
	Priority     *TaskPriority `json:"priority,omitempty"`
	Assignee     *string       `json:"assignee,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Search       string        `json:"search,omitempty"`
	DueBefore    *time.Time    `json:"due_before,omitempty"`
	DueAfter     *time.Time    `json:"due_after,omitempty"`
	CreatedAfter *time.Time    `json:"created_after,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
}

// Matches applies the filter's predicates to a task in memory. The search
// predicate is a case-insensitive substring check over title and description,
// a deliberate approximation of the store's tokeniser for non-SQL backends.
func (f *TaskFilter) Matches(t *Task) bool {
	if f.Repository != "" && t.Repository != f.Repository {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.Assignee != nil && t.Assignee != *f.Assignee {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	if f.DueBefore != nil && (t.DueDate == nil || !t.DueDate.Before(*f.DueBefore)) {
		return false
	}
	if f.DueAfter != nil && (t.DueDate == nil || !t.DueDate.After(*f.DueAfter)) {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.Search != "" && !containsFold(t.Title, f.Search) && !containsFold(t.Description, f.Search) {
		return false
	}
	return true
}

// EventQuery narrows event-log reads for a single task.
type EventQuery struct {
	Since *time.Time  `json:"since,omitempty"`
	Until *time.Time  `json:"until,omitempty"`
	Types []EventType `json:"types,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// WantsType reports whether the query accepts the given event type. An empty
// type list accepts everything.
func (q *EventQuery) WantsType(t EventType) bool {
	if len(q.Types) == 0 {
		return true
	}
	for _, et := range q.Types {
		if et == t {
			return true
		}
	}
	return false
}
