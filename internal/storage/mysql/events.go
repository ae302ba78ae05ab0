package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

const eventColumns = `id, task_id, event_type, event_data, actor, occurred_at, correlation_id, idempotency_key`

// appendEventTx writes one event row inside the caller's transaction and
// fills in the database-assigned id. Ids carry the commit order.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev *types.TaskEvent) error {
	if !ev.Type.IsValid() {
		return faults.Validation("event_type", "unknown event type %q", ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now()
	} else {
		ev.OccurredAt = ev.OccurredAt.UTC().Truncate(time.Microsecond)
	}

	var dataJSON interface{}
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		dataJSON = b
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, event_data, actor, occurred_at, correlation_id, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, string(ev.Type), dataJSON, ev.Actor, ev.OccurredAt,
		emptyNull(ev.CorrelationID), emptyNull(ev.IdempotencyKey),
	)
	if err != nil {
		return s.classify("append event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return s.classify("read event id", err)
	}
	ev.ID = id
	return nil
}

// AppendEvent writes a standalone event. When the idempotency key already
// exists — found by the pre-read or by losing an insert race — the stored
// event is returned unchanged and nothing is written.
func (s *Store) AppendEvent(ctx context.Context, ev *types.TaskEvent) (*types.TaskEvent, error) {
	if ev.IdempotencyKey != "" {
		existing, err := s.EventByIdempotencyKey(ctx, ev.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	stored := *ev
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendEventTx(ctx, tx, &stored)
	})
	if err != nil {
		// Two writers raced on the same key: the loser reads the winner's row.
		if ev.IdempotencyKey != "" && faults.IsKind(err, faults.KindConflict) {
			existing, rerr := s.EventByIdempotencyKey(ctx, ev.IdempotencyKey)
			if rerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return &stored, nil
}

// EventByIdempotencyKey returns (nil, nil) when the key is unused.
func (s *Store) EventByIdempotencyKey(ctx context.Context, key string) (*types.TaskEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM task_events WHERE idempotency_key = ?`, key)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("get event by idempotency key", err)
	}
	return ev, nil
}

// EventsForTask returns a task's events ascending by occurred_at then id.
func (s *Store) EventsForTask(ctx context.Context, taskID string, q *types.EventQuery) ([]*types.TaskEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	clauses := []string{"task_id = ?"}
	args := []interface{}{taskID}
	if q != nil {
		if q.Since != nil {
			clauses = append(clauses, "occurred_at >= ?")
			args = append(args, q.Since.UTC())
		}
		if q.Until != nil {
			clauses = append(clauses, "occurred_at <= ?")
			args = append(args, q.Until.UTC())
		}
		if len(q.Types) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Types)), ", ")
			clauses = append(clauses, "event_type IN ("+placeholders+")")
			for _, t := range q.Types {
				args = append(args, string(t))
			}
		}
	}
	query := `SELECT ` + eventColumns + ` FROM task_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY occurred_at ASC, id ASC`
	if q != nil && q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return s.queryEvents(ctx, "list task events", query, args...)
}

// EventsByCorrelation returns all events sharing a correlation id, ascending,
// across tasks.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]*types.TaskEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.queryEvents(ctx, "list correlated events",
		`SELECT `+eventColumns+` FROM task_events WHERE correlation_id = ? ORDER BY occurred_at ASC, id ASC`,
		correlationID)
}

// EventsByType returns most-recent-first events of one type.
func (s *Store) EventsByType(ctx context.Context, t types.EventType, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM task_events WHERE event_type = ?`
	args := []interface{}{string(t)}
	if since != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY occurred_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryEvents(ctx, "list events by type", query, args...)
}

// EventsPage reads up to limit events with id > afterID in ascending id
// order. storage.EventIterator drives it.
func (s *Store) EventsPage(ctx context.Context, afterID int64, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM task_events WHERE id > ?`
	args := []interface{}{afterID}
	if since != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, since.UTC())
	}
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT %d`, limit)
	return s.queryEvents(ctx, "page events", query, args...)
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]*types.TaskEvent, error) {
	var events []*types.TaskEvent
	err := s.queryRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return s.classify(op, err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return s.classify(op, err)
			}
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return s.classify(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(row rowScanner) (*types.TaskEvent, error) {
	var (
		ev             types.TaskEvent
		eventType      string
		dataJSON       []byte
		correlationID  sql.NullString
		idempotencyKey sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.TaskID, &eventType, &dataJSON, &ev.Actor,
		&ev.OccurredAt, &correlationID, &idempotencyKey)
	if err != nil {
		return nil, err
	}
	ev.Type = types.EventType(eventType)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
	}
	ev.CorrelationID = correlationID.String
	ev.IdempotencyKey = idempotencyKey.String
	ev.OccurredAt = ev.OccurredAt.UTC()
	return &ev, nil
}

// emptyNull stores empty strings as NULL so the idempotency-key unique index
// only constrains real keys.
func emptyNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
