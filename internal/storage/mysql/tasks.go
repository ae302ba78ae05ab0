package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

const taskColumns = `id, title, repository, description, status, priority, assignee,
	tags, metadata, due_date, external_id, created_at, updated_at, completed_at, created_by`

// now returns the transaction timestamp: UTC at microsecond precision to
// match DATETIME(6) storage, so returned structs equal re-read rows.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateTask validates, applies defaults, and inserts the row plus its
// CREATED event in one transaction.
func (s *Store) CreateTask(ctx context.Context, draft *types.Task, actor string) (*types.Task, error) {
	task, err := prepareDraft(draft, actor)
	if err != nil {
		return nil, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.createTaskTx(ctx, tx, task, actor)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTasks inserts a batch in one transaction; the first validation
// failure aborts everything.
func (s *Store) CreateTasks(ctx context.Context, drafts []*types.Task, actor string) ([]*types.Task, error) {
	tasks := make([]*types.Task, 0, len(drafts))
	for i, draft := range drafts {
		task, err := prepareDraft(draft, actor)
		if err != nil {
			return nil, fmt.Errorf("draft %d invalid: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, task := range tasks {
			if err := s.createTaskTx(ctx, tx, task, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// prepareDraft copies the draft, fills defaults and server-assigned fields,
// and validates.
func prepareDraft(draft *types.Task, actor string) (*types.Task, error) {
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
	task.ID = uuid.NewString()
	ts := now()
	task.CreatedAt = ts
	task.UpdatedAt = ts
	task.CompletedAt = nil
	if task.Status == types.StatusCompleted {
		task.CompletedAt = &ts
	}
	if task.DueDate != nil {
		d := task.DueDate.UTC().Truncate(time.Microsecond)
		task.DueDate = &d
	}
	return task, nil
}

func (s *Store) createTaskTx(ctx context.Context, tx *sql.Tx, task *types.Task, actor string) error {
	tagsJSON, err := marshalJSONColumn(task.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metaJSON, err := marshalJSONColumn(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, repository, description, status, priority, assignee,
			tags, metadata, due_date, external_id, created_at, updated_at, completed_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Repository, task.Description,
		string(task.Status), string(task.Priority), task.Assignee,
		tagsJSON, metaJSON, nullTime(task.DueDate), nullString(task.ExternalID),
		task.CreatedAt, task.UpdatedAt, nullTime(task.CompletedAt), task.CreatedBy,
	)
	if err != nil {
		cerr := s.classify("insert task", err)
		if faults.IsKind(cerr, faults.KindConflict) {
			return faults.Conflict("external_id already in use")
		}
		return cerr
	}

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

	return s.appendEventTx(ctx, tx, &types.TaskEvent{
		TaskID:     task.ID,
		Type:       types.EventCreated,
		Data:       data,
		Actor:      actor,
		OccurredAt: task.CreatedAt,
	})
}

// GetTask returns the task or a NOT_FOUND fault.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var task *types.Task
	err := s.queryRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("task", id)
		}
		if err != nil {
			return s.classify("get task", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTaskByExternalID returns (nil, nil) when no task carries the id.
func (s *Store) GetTaskByExternalID(ctx context.Context, externalID string) (*types.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE external_id = ?`, externalID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("get task by external id", err)
	}
	return task, nil
}

// updatableFields mirrors the column list Update may touch. Everything else
// is rejected before SQL is built.
var updatableFields = map[string]bool{
	"title":       true,
	"description": true,
	"status":      true,
	"priority":    true,
	"assignee":    true,
	"tags":        true,
	"metadata":    true,
	"due_date":    true,
	"external_id": true,
}

// UpdateTask writes only the fields present in patch, emits UPDATED with the
// changed fields plus status/priority hints, and returns the stored task.
// A no-op patch returns the current row without writing an event.
func (s *Store) UpdateTask(ctx context.Context, id string, patch map[string]interface{}, actor string) (*types.Task, error) {
	for field := range patch {
		if !updatableFields[field] {
			return nil, faults.Validation(field, "not an updatable field")
		}
	}

	var updated *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ? FOR UPDATE`, id)
		current, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("task", id)
		}
		if err != nil {
			return s.classify("lock task", err)
		}

		next, changed, err := applyPatch(current, patch)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			updated = current
			return nil
		}

		ts := now()
		next.UpdatedAt = ts

		// A transition into completed pins completed_at to this instant;
		// leaving completed clears it.
		if _, ok := changed["status"]; ok {
			if next.Status == types.StatusCompleted && current.Status != types.StatusCompleted {
				next.CompletedAt = &ts
				changed["completed_at"] = ts
			} else if next.Status != types.StatusCompleted && current.Status == types.StatusCompleted {
				next.CompletedAt = nil
				changed["completed_at"] = nil
			}
		}

		setClauses := []string{"updated_at = ?"}
		args := []interface{}{ts}
		for field := range changed {
			value, err := columnValue(next, field)
			if err != nil {
				return err
			}
			setClauses = append(setClauses, field+" = ?")
			args = append(args, value)
		}
		args = append(args, id)

		// #nosec G202 -- setClauses come from the allow-list above
		query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			cerr := s.classify("update task", err)
			if faults.IsKind(cerr, faults.KindConflict) {
				return faults.Conflict("external_id already in use")
			}
			return cerr
		}

		data := make(map[string]interface{}, len(changed)+2)
		for field, value := range changed {
			data[field] = value
		}
		if _, ok := changed["status"]; ok {
			data["new_status"] = string(next.Status)
		}
		if _, ok := changed["priority"]; ok {
			data["new_priority"] = string(next.Priority)
		}

		if err := s.appendEventTx(ctx, tx, &types.TaskEvent{
			TaskID:     id,
			Type:       types.EventUpdated,
			Data:       data,
			Actor:      actor,
			OccurredAt: ts,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyPatch copies current, applies the normalised patch, and reports the
// fields whose values actually differ. Event data carries those values.
func applyPatch(current *types.Task, patch map[string]interface{}) (*types.Task, map[string]interface{}, error) {
	next := current.Clone()
	changed := make(map[string]interface{})

	for field, raw := range patch {
		switch field {
		case "title":
			v, ok := raw.(string)
			if !ok {
				return nil, nil, faults.Validation("title", "must be a string")
			}
			if v != current.Title {
				next.Title = v
				changed["title"] = v
			}
		case "description":
			v, ok := raw.(string)
			if !ok {
				return nil, nil, faults.Validation("description", "must be a string")
			}
			if v != current.Description {
				next.Description = v
				changed["description"] = v
			}
		case "status":
			v, err := toStatus(raw)
			if err != nil {
				return nil, nil, err
			}
			if v != current.Status {
				next.Status = v
				changed["status"] = string(v)
			}
		case "priority":
			v, err := toPriority(raw)
			if err != nil {
				return nil, nil, err
			}
			if v != current.Priority {
				next.Priority = v
				changed["priority"] = string(v)
			}
		case "assignee":
			v := ""
			if raw != nil {
				s, ok := raw.(string)
				if !ok {
					return nil, nil, faults.Validation("assignee", "must be a string")
				}
				v = s
			}
			if v != current.Assignee {
				next.Assignee = v
				changed["assignee"] = v
			}
		case "tags":
			v := types.NormalizeTags(toStrings(raw))
			if !equalStrings(v, current.Tags) {
				next.Tags = v
				changed["tags"] = v
			}
		case "metadata":
			v, err := toMetadata(raw)
			if err != nil {
				return nil, nil, err
			}
			if !equalStringMap(v, current.Metadata) {
				next.Metadata = v
				changed["metadata"] = v
			}
		case "due_date":
			v, err := toTime(raw)
			if err != nil {
				return nil, nil, faults.Validation("due_date", "must be a timestamp: %v", err)
			}
			if !equalTimePtr(v, current.DueDate) {
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
				s, ok := raw.(string)
				if !ok {
					return nil, nil, faults.Validation("external_id", "must be a string")
				}
				v = &s
			}
			if !equalStringPtr(v, current.ExternalID) {
				next.ExternalID = v
				if v != nil {
					changed["external_id"] = *v
				} else {
					changed["external_id"] = nil
				}
			}
		}
	}

	if _, ok := changed["title"]; ok {
		if len(next.Title) < types.MinTitleLength || len(next.Title) > types.MaxTitleLength {
			return nil, nil, faults.Validation("title", "must be %d-%d characters", types.MinTitleLength, types.MaxTitleLength)
		}
	}
	return next, changed, nil
}

// columnValue renders the task's field as a SQL argument.
func columnValue(t *types.Task, field string) (interface{}, error) {
	switch field {
	case "title":
		return t.Title, nil
	case "description":
		return t.Description, nil
	case "status":
		return string(t.Status), nil
	case "priority":
		return string(t.Priority), nil
	case "assignee":
		return t.Assignee, nil
	case "tags":
		return marshalJSONColumn(t.Tags)
	case "metadata":
		return marshalJSONColumn(t.Metadata)
	case "due_date":
		return nullTime(t.DueDate), nil
	case "external_id":
		return nullString(t.ExternalID), nil
	case "completed_at":
		return nullTime(t.CompletedAt), nil
	}
	return nil, faults.Validation(field, "not a task column")
}

// UpdateTaskStatusBatch moves every listed task to status with one UPDATE,
// then appends one STATUS_CHANGED per task that actually changed. The
// completion timestamp is uniform across the batch.
func (s *Store) UpdateTaskStatusBatch(ctx context.Context, ids []string, status types.TaskStatus, actor string) (int, error) {
	if !status.IsValid() {
		return 0, faults.Validation("status", "unknown status %q", status)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var updated int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, status FROM tasks WHERE id IN (`+placeholders+`) FOR UPDATE`, args...)
		if err != nil {
			return s.classify("lock tasks", err)
		}
		oldStatus := make(map[string]types.TaskStatus)
		for rows.Next() {
			var id, st string
			if err := rows.Scan(&id, &st); err != nil {
				rows.Close()
				return s.classify("scan task status", err)
			}
			oldStatus[id] = types.TaskStatus(st)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return s.classify("iterate task status", err)
		}
		rows.Close()

		var changed []string
		for _, id := range ids {
			if old, ok := oldStatus[id]; ok && old != status {
				changed = append(changed, id)
			}
		}
		if len(changed) == 0 {
			return nil
		}

		ts := now()
		var completedAt interface{}
		if status == types.StatusCompleted {
			completedAt = ts
		}

		chPlaceholders := strings.TrimSuffix(strings.Repeat("?, ", len(changed)), ", ")
		updArgs := []interface{}{string(status), ts, completedAt}
		for _, id := range changed {
			updArgs = append(updArgs, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id IN (`+chPlaceholders+`)`,
			updArgs...)
		if err != nil {
			return s.classify("batch update status", err)
		}

		for _, id := range changed {
			data := map[string]interface{}{
				"new_status": string(status),
				"old_status": string(oldStatus[id]),
			}
			if status == types.StatusCompleted {
				data["completed_at"] = ts
			} else if oldStatus[id] == types.StatusCompleted {
				data["completed_at"] = nil
			}
			if err := s.appendEventTx(ctx, tx, &types.TaskEvent{
				TaskID:     id,
				Type:       types.EventStatusChanged,
				Data:       data,
				Actor:      actor,
				OccurredAt: ts,
			}); err != nil {
				return err
			}
		}
		updated = len(changed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// DeleteTask appends the DELETED event, then removes the row. Dependency
// edges cascade; the event log keeps the task's history.
func (s *Store) DeleteTask(ctx context.Context, id string, actor string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ? FOR UPDATE`, id)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("task", id)
		}
		if err != nil {
			return s.classify("lock task", err)
		}

		if err := s.appendEventTx(ctx, tx, &types.TaskEvent{
			TaskID: id,
			Type:   types.EventDeleted,
			Data: map[string]interface{}{
				"title":      task.Title,
				"repository": task.Repository,
				"status":     string(task.Status),
			},
			Actor:      actor,
			OccurredAt: now(),
		}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return s.classify("delete task", err)
		}
		return nil
	})
}

// ListTasks returns matches ordered by created_at descending, id descending
// as tiebreaker.
func (s *Store) ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := buildTaskWhere(filter)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC`
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter != nil && filter.Offset > 0 {
		// MySQL needs a LIMIT before OFFSET; use the documented "all rows" cap.
		query += fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", filter.Offset)
	}

	var tasks []*types.Task
	err := s.queryRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return s.classify("list tasks", err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return s.classify("scan task", err)
			}
			tasks = append(tasks, task)
		}
		if err := rows.Err(); err != nil {
			return s.classify("iterate tasks", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountTasks shares ListTasks's filter shape.
func (s *Store) CountTasks(ctx context.Context, filter *types.TaskFilter) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := buildTaskWhere(filter)
	var count int
	err := s.queryRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...)
		if err := row.Scan(&count); err != nil {
			return s.classify("count tasks", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// buildTaskWhere renders the filter as a WHERE clause. Pagination is handled
// by the caller; the search predicate rides the FULLTEXT index.
func buildTaskWhere(filter *types.TaskFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}
	var clauses []string
	var args []interface{}

	if filter.Repository != "" {
		clauses = append(clauses, "repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Priority != nil {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(*filter.Priority))
	}
	if filter.Assignee != nil {
		clauses = append(clauses, "assignee = ?")
		args = append(args, *filter.Assignee)
	}
	for _, tag := range filter.Tags {
		clauses = append(clauses, "JSON_CONTAINS(tags, JSON_QUOTE(?))")
		args = append(args, strings.ToLower(tag))
	}
	if filter.Search != "" {
		clauses = append(clauses, "MATCH(title, description) AGAINST (? IN NATURAL LANGUAGE MODE)")
		args = append(args, filter.Search)
	}
	if filter.DueBefore != nil {
		clauses = append(clauses, "due_date < ?")
		args = append(args, filter.DueBefore.UTC())
	}
	if filter.DueAfter != nil {
		clauses = append(clauses, "due_date > ?")
		args = append(args, filter.DueAfter.UTC())
	}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "created_at > ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task        types.Task
		status      string
		priority    string
		tagsJSON    []byte
		metaJSON    []byte
		dueDate     sql.NullTime
		externalID  sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Repository, &task.Description,
		&status, &priority, &task.Assignee,
		&tagsJSON, &metaJSON, &dueDate, &externalID,
		&task.CreatedAt, &task.UpdatedAt, &completedAt, &task.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	task.Status = types.TaskStatus(status)
	task.Priority = types.TaskPriority(priority)
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &task.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if dueDate.Valid {
		d := dueDate.Time.UTC()
		task.DueDate = &d
	}
	if externalID.Valid {
		task.ExternalID = &externalID.String
	}
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		task.CompletedAt = &c
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

// ── conversion helpers ──────────────────────────────────────────────────────

func marshalJSONColumn(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func toStatus(raw interface{}) (types.TaskStatus, error) {
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

func toPriority(raw interface{}) (types.TaskPriority, error) {
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

func toStrings(raw interface{}) []string {
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

func toMetadata(raw interface{}) (map[string]string, error) {
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

func toTime(raw interface{}) (*time.Time, error) {
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
	return nil, fmt.Errorf("unsupported time value %T", raw)
}

func equalStrings(a, b []string) bool {
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

func equalStringMap(a, b map[string]string) bool {
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

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
