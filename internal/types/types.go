// Package types defines the core data model: tasks, task events,
// dependencies, and the normalised external-issue shapes. All higher layers
// share these definitions; none of them owns private variants.
package types

import (
	"time"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusBlocked    TaskStatus = "blocked"
)

// IsValid checks if the status is one of the defined constants.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task's active life.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskPriority is the urgency of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// IsValid checks if the priority is one of the defined constants.
func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for sorting: critical < high < medium < low.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Title length bounds enforced on create and update.
const (
	MinTitleLength = 3
	MaxTitleLength = 500
)

// Task is a unit of work belonging to a named repository.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Repository  string            `json:"repository"`
	Description string            `json:"description,omitempty"`
	Status      TaskStatus        `json:"status"`
	Priority    TaskPriority      `json:"priority"`
	Assignee    string            `json:"assignee,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DueDate     *time.Time        `json:"due_date,omitempty"`
	ExternalID  *string           `json:"external_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

// Validate checks the task's field invariants.
func (t *Task) Validate() error {
	if len(t.Title) < MinTitleLength {
		return faults.Validation("title", "must be at least %d characters, got %d", MinTitleLength, len(t.Title))
	}
	if len(t.Title) > MaxTitleLength {
		return faults.Validation("title", "must be at most %d characters, got %d", MaxTitleLength, len(t.Title))
	}
	if t.Repository == "" {
		return faults.Validation("repository", "must not be empty")
	}
	if !t.Status.IsValid() {
		return faults.Validation("status", "unknown status %q", t.Status)
	}
	if !t.Priority.IsValid() {
		return faults.Validation("priority", "unknown priority %q", t.Priority)
	}
	return nil
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, g := range t.Tags {
		if g == tag {
			return true
		}
	}
	return false
}

// Overdue reports whether the due date has passed and the task is neither
// completed nor cancelled.
func (t *Task) Overdue(now time.Time) bool {
	if t.DueDate == nil {
		return false
	}
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		return false
	}
	return t.DueDate.Before(now)
}

// Clone returns a deep copy so callers can hand tasks across goroutines.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.ExternalID != nil {
		e := *t.ExternalID
		c.ExternalID = &e
	}
	if t.CompletedAt != nil {
		ca := *t.CompletedAt
		c.CompletedAt = &ca
	}
	return &c
}

// EventType names a kind of task event. The set is closed; the log rejects
// anything else.
type EventType string

const (
	EventCreated           EventType = "CREATED"
	EventUpdated           EventType = "UPDATED"
	EventDeleted           EventType = "DELETED"
	EventStatusChanged     EventType = "STATUS_CHANGED"
	EventPriorityChanged   EventType = "PRIORITY_CHANGED"
	EventAssigned          EventType = "ASSIGNED"
	EventUnassigned        EventType = "UNASSIGNED"
	EventBlocked           EventType = "BLOCKED"
	EventUnblocked         EventType = "UNBLOCKED"
	EventCompleted         EventType = "COMPLETED"
	EventFailed            EventType = "FAILED"
	EventCancelled         EventType = "CANCELLED"
	EventDependencyAdded   EventType = "DEPENDENCY_ADDED"
	EventDependencyRemoved EventType = "DEPENDENCY_REMOVED"
	EventCommentAdded      EventType = "COMMENT_ADDED"
	EventTagAdded          EventType = "TAG_ADDED"
	EventTagRemoved        EventType = "TAG_REMOVED"
	EventWebhookReceived   EventType = "WEBHOOK_RECEIVED"
	EventSynced            EventType = "SYNCED"
)

// IsValid checks if the event type belongs to the closed set.
func (e EventType) IsValid() bool {
	switch e {
	case EventCreated, EventUpdated, EventDeleted, EventStatusChanged,
		EventPriorityChanged, EventAssigned, EventUnassigned, EventBlocked,
		EventUnblocked, EventCompleted, EventFailed, EventCancelled,
		EventDependencyAdded, EventDependencyRemoved, EventCommentAdded,
		EventTagAdded, EventTagRemoved, EventWebhookReceived, EventSynced:
		return true
	}
	return false
}

// TaskEvent is one immutable row of the append-only log. IDs are assigned by
// the database in insert order; OccurredAt is UTC.
type TaskEvent struct {
	ID             int64                  `json:"id"`
	TaskID         string                 `json:"task_id"`
	Type           EventType              `json:"event_type"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Actor          string                 `json:"actor,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// DependencyType classifies an edge between two tasks.
type DependencyType string

const (
	// DepBlocks: the source task gates the target's progress.
	DepBlocks DependencyType = "BLOCKS"
	// DepRequires: the source task needs the target done first.
	DepRequires DependencyType = "REQUIRES"
	// DepRelated: annotation only, no scheduling semantics.
	DepRelated DependencyType = "RELATED"
)

// IsValid checks if the dependency type is one of the defined constants.
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRequires, DepRelated:
		return true
	}
	return false
}

// Ordering reports whether the edge participates in cycle checking and
// topological ordering. RELATED edges do not.
func (d DependencyType) Ordering() bool {
	return d == DepBlocks || d == DepRequires
}

// DependencyStatus is the derived state of an edge.
type DependencyStatus string

const (
	DepPending   DependencyStatus = "PENDING"
	DepSatisfied DependencyStatus = "SATISFIED"
	DepFailed    DependencyStatus = "FAILED"
	DepBlocked   DependencyStatus = "BLOCKED"
)

// Dependency is a directed edge source → target. Repo names are copied from
// the referenced tasks when the edge is created.
type Dependency struct {
	ID           string           `json:"id"`
	SourceTaskID string           `json:"source_task_id"`
	TargetTaskID string           `json:"target_task_id"`
	Type         DependencyType   `json:"dependency_type"`
	Status       DependencyStatus `json:"status"`
	SourceRepo   string           `json:"source_repo"`
	TargetRepo   string           `json:"target_repo"`
	CreatedAt    time.Time        `json:"created_at"`
	CreatedBy    string           `json:"created_by,omitempty"`
}

// IsCrossRepo reports whether the edge links tasks in different repositories.
func (d *Dependency) IsCrossRepo() bool {
	return d.SourceRepo != d.TargetRepo
}

// ExternalIssue is the normalised shape of an upstream issue, independent of
// which upstream delivered it.
type ExternalIssue struct {
	Source      string    `json:"source"` // "github" | "gitlab"
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"state"`
	Labels      []string  `json:"labels,omitempty"`
	Repository  string    `json:"repository"`
	URL         string    `json:"url,omitempty"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IssueMapping links an imported external issue to the task it produced.
// (source, external_id) is unique.
type IssueMapping struct {
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	TaskID     string    `json:"task_id"`
	Repository string    `json:"repository"`
	MappedAt   time.Time `json:"mapped_at"`
	Approved   bool      `json:"approved"`
}

// Key returns the dedup key "source:external_id".
func (m *IssueMapping) Key() string {
	return m.Source + ":" + m.ExternalID
}

// WebhookEvent is a verified, parsed inbound delivery.
type WebhookEvent struct {
	EventID    string                 `json:"event_id"`
	Source     string                 `json:"source"`
	EventType  string                 `json:"event_type"`
	Repository string                 `json:"repository"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
	Sender     string                 `json:"sender,omitempty"`
}

// Key returns the dedup key "source:event_id".
func (w *WebhookEvent) Key() string {
	return w.Source + ":" + w.EventID
}
