package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

const depColumns = `id, source_task_id, target_task_id, dependency_type, status, source_repo, target_repo, created_at, created_by`

// AddDependency persists an edge, copying repo names from the two tasks, and
// emits DEPENDENCY_ADDED on the source task. Cycle checking belongs to the
// in-memory graph; this layer only owns row-level invariants.
func (s *Store) AddDependency(ctx context.Context, source, target string, depType types.DependencyType, actor string) (*types.Dependency, error) {
	if source == target {
		return nil, faults.Validation("target_task_id", "task cannot depend on itself")
	}
	if !depType.IsValid() {
		return nil, faults.Validation("dependency_type", "unknown dependency type %q", depType)
	}

	var edge *types.Dependency
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		srcRepo, err := s.taskRepoTx(ctx, tx, source)
		if err != nil {
			return err
		}
		tgtRepo, err := s.taskRepoTx(ctx, tx, target)
		if err != nil {
			return err
		}

		e := &types.Dependency{
			ID:           uuid.NewString(),
			SourceTaskID: source,
			TargetTaskID: target,
			Type:         depType,
			Status:       types.DepPending,
			SourceRepo:   srcRepo,
			TargetRepo:   tgtRepo,
			CreatedAt:    now(),
			CreatedBy:    actor,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (id, source_task_id, target_task_id, dependency_type, status, source_repo, target_repo, created_at, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SourceTaskID, e.TargetTaskID, string(e.Type), string(e.Status),
			e.SourceRepo, e.TargetRepo, e.CreatedAt, e.CreatedBy,
		)
		if err != nil {
			cerr := s.classify("insert dependency", err)
			if faults.IsKind(cerr, faults.KindConflict) {
				return faults.Conflict("dependency %s -> %s already exists", source, target)
			}
			return cerr
		}

		if err := s.appendEventTx(ctx, tx, &types.TaskEvent{
			TaskID: source,
			Type:   types.EventDependencyAdded,
			Data: map[string]interface{}{
				"dependency_id":   e.ID,
				"target_task_id":  target,
				"dependency_type": string(depType),
			},
			Actor:      actor,
			OccurredAt: e.CreatedAt,
		}); err != nil {
			return err
		}
		edge = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// RemoveDependency deletes the edge and emits DEPENDENCY_REMOVED on the
// source task.
func (s *Store) RemoveDependency(ctx context.Context, edgeID string, actor string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+depColumns+` FROM task_dependencies WHERE id = ? FOR UPDATE`, edgeID)
		edge, err := scanDependency(row)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("dependency", edgeID)
		}
		if err != nil {
			return s.classify("lock dependency", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE id = ?`, edgeID); err != nil {
			return s.classify("delete dependency", err)
		}

		return s.appendEventTx(ctx, tx, &types.TaskEvent{
			TaskID: edge.SourceTaskID,
			Type:   types.EventDependencyRemoved,
			Data: map[string]interface{}{
				"dependency_id":   edge.ID,
				"target_task_id":  edge.TargetTaskID,
				"dependency_type": string(edge.Type),
			},
			Actor:      actor,
			OccurredAt: now(),
		})
	})
}

// Dependencies returns edges where the task is the source.
func (s *Store) Dependencies(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, "list dependencies",
		`SELECT `+depColumns+` FROM task_dependencies WHERE source_task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID)
}

// Dependents returns edges where the task is the target.
func (s *Store) Dependents(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, "list dependents",
		`SELECT `+depColumns+` FROM task_dependencies WHERE target_task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID)
}

// ListDependencies returns every edge; the in-memory graph seeds from it on
// startup.
func (s *Store) ListDependencies(ctx context.Context) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, "list all dependencies",
		`SELECT `+depColumns+` FROM task_dependencies ORDER BY created_at ASC, id ASC`)
}

func (s *Store) queryDependencies(ctx context.Context, op, query string, args ...interface{}) ([]*types.Dependency, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var edges []*types.Dependency
	err := s.queryRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return s.classify(op, err)
		}
		defer rows.Close()

		edges = edges[:0]
		for rows.Next() {
			edge, err := scanDependency(rows)
			if err != nil {
				return s.classify(op, err)
			}
			edges = append(edges, edge)
		}
		if err := rows.Err(); err != nil {
			return s.classify(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// taskRepoTx fetches just the repository column, locking the task row so a
// concurrent delete cannot orphan the new edge.
func (s *Store) taskRepoTx(ctx context.Context, tx *sql.Tx, taskID string) (string, error) {
	var repo string
	err := tx.QueryRowContext(ctx,
		`SELECT repository FROM tasks WHERE id = ? FOR UPDATE`, taskID).Scan(&repo)
	if errors.Is(err, sql.ErrNoRows) {
		return "", faults.NotFound("task", taskID)
	}
	if err != nil {
		return "", s.classify("get task repository", err)
	}
	return repo, nil
}

func scanDependency(row rowScanner) (*types.Dependency, error) {
	var (
		edge    types.Dependency
		depType string
		status  string
	)
	err := row.Scan(&edge.ID, &edge.SourceTaskID, &edge.TargetTaskID,
		&depType, &status, &edge.SourceRepo, &edge.TargetRepo,
		&edge.CreatedAt, &edge.CreatedBy)
	if err != nil {
		return nil, err
	}
	edge.Type = types.DependencyType(depType)
	edge.Status = types.DependencyStatus(status)
	edge.CreatedAt = edge.CreatedAt.UTC()
	return &edge, nil
}
