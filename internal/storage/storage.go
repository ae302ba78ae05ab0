// Package storage defines the persistence contract for tasks, the append-only
// event log, and persisted dependency edges. Implementations live in
// subpackages (mysql for production, memory for tests); consumers depend only
// on the Store interface.
package storage

import (
	"context"
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// Store is the full persistence surface. Every mutation writes the task row
// change and the matching event in one transaction; events are never
// fabricated for no-op updates.
type Store interface {
	// CreateTask validates the draft, assigns id and timestamps, applies
	// defaults (status pending, priority medium) and emits CREATED.
	CreateTask(ctx context.Context, draft *types.Task, actor string) (*types.Task, error)

	// CreateTasks creates a batch inside one transaction; any validation
	// failure aborts the whole batch.
	CreateTasks(ctx context.Context, drafts []*types.Task, actor string) ([]*types.Task, error)

	// GetTask returns the task or a NOT_FOUND fault.
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// GetTaskByExternalID returns (nil, nil) when no task carries the id.
	GetTaskByExternalID(ctx context.Context, externalID string) (*types.Task, error)

	// UpdateTask writes only the fields present in patch and emits UPDATED
	// with data limited to the changed fields plus logical hints
	// (new_status, new_priority). A transition to completed sets
	// completed_at to the transition instant.
	UpdateTask(ctx context.Context, id string, patch map[string]interface{}, actor string) (*types.Task, error)

	// UpdateTaskStatusBatch sets the status of every id in one transaction,
	// emitting one STATUS_CHANGED per id. Returns the number updated.
	UpdateTaskStatusBatch(ctx context.Context, ids []string, status types.TaskStatus, actor string) (int, error)

	// DeleteTask appends DELETED, then removes the row. The event survives
	// for history; subsequent reads return NOT_FOUND.
	DeleteTask(ctx context.Context, id string, actor string) error

	// ListTasks returns matches ordered by created_at descending, id as
	// tiebreaker. CountTasks shares the filter shape.
	ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.Task, error)
	CountTasks(ctx context.Context, filter *types.TaskFilter) (int, error)

	// AddDependency persists an edge and emits DEPENDENCY_ADDED on the
	// source task. Self-dependencies and duplicate pairs are CONFLICTs.
	AddDependency(ctx context.Context, source, target string, depType types.DependencyType, actor string) (*types.Dependency, error)

	// RemoveDependency deletes the edge and emits DEPENDENCY_REMOVED.
	RemoveDependency(ctx context.Context, edgeID string, actor string) error

	// Dependencies returns edges where the task is the source; Dependents
	// where it is the target. ListDependencies returns every edge (used to
	// rebuild the in-memory graph on startup).
	Dependencies(ctx context.Context, taskID string) ([]*types.Dependency, error)
	Dependents(ctx context.Context, taskID string) ([]*types.Dependency, error)
	ListDependencies(ctx context.Context) ([]*types.Dependency, error)

	// AppendEvent writes one event row. When the event carries an
	// idempotency key that already exists, the stored row is returned
	// unchanged and no new row is written.
	AppendEvent(ctx context.Context, ev *types.TaskEvent) (*types.TaskEvent, error)

	// EventsForTask returns a task's events ascending by occurred_at, id.
	EventsForTask(ctx context.Context, taskID string, q *types.EventQuery) ([]*types.TaskEvent, error)

	// EventByIdempotencyKey returns (nil, nil) when the key is unused.
	EventByIdempotencyKey(ctx context.Context, key string) (*types.TaskEvent, error)

	// EventsByCorrelation returns all events sharing a correlation id,
	// ascending, across tasks.
	EventsByCorrelation(ctx context.Context, correlationID string) ([]*types.TaskEvent, error)

	// EventsByType returns most-recent-first events of one type.
	EventsByType(ctx context.Context, t types.EventType, since *time.Time, limit int) ([]*types.TaskEvent, error)

	// EventsPage reads up to limit events with id > afterID in ascending id
	// order, optionally bounded below by since. It backs EventIterator.
	EventsPage(ctx context.Context, afterID int64, since *time.Time, limit int) ([]*types.TaskEvent, error)

	Close() error
}

// DefaultIterateBatch is the batch size IterateEvents uses when the caller
// passes 0.
const DefaultIterateBatch = 500

// EventIterator is a lazy, restartable, chunked scan over the whole log,
// intended for exporters. The cursor is the last id seen, so concurrent
// iterators do not interfere and a crashed export can resume.
type EventIterator struct {
	store Store
	since *time.Time
	batch int

	lastID int64
	done   bool
}

// IterateEvents starts a scan at the beginning of the log (or at since).
func IterateEvents(store Store, since *time.Time, batch int) *EventIterator {
	if batch <= 0 {
		batch = DefaultIterateBatch
	}
	return &EventIterator{store: store, since: since, batch: batch}
}

// Next returns the next batch, or (nil, nil) once the log is exhausted. A
// short batch marks the end of the scan.
func (it *EventIterator) Next(ctx context.Context) ([]*types.TaskEvent, error) {
	if it.done {
		return nil, nil
	}
	events, err := it.store.EventsPage(ctx, it.lastID, it.since, it.batch)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		it.done = true
		return nil, nil
	}
	it.lastID = events[len(events)-1].ID
	if len(events) < it.batch {
		it.done = true
	}
	return events, nil
}
