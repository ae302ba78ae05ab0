package memory

import (
	"context"
	"sort"
	"time"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func (s *Store) AppendEvent(ctx context.Context, ev *types.TaskEvent) (*types.TaskEvent, error) {
	if !ev.Type.IsValid() {
		return nil, faults.Validation("type", "unknown event type %q", ev.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if existing, ok := s.eventsByKey[ev.IdempotencyKey]; ok {
			return cloneEvent(existing), nil
		}
	}
	stored := cloneEvent(ev)
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = s.now()
	} else {
		stored.OccurredAt = stored.OccurredAt.UTC()
	}
	s.appendEventLocked(stored)
	return cloneEvent(stored), nil
}

func (s *Store) EventByIdempotencyKey(ctx context.Context, key string) (*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ev, ok := s.eventsByKey[key]; ok {
		return cloneEvent(ev), nil
	}
	return nil, nil
}

func (s *Store) EventsForTask(ctx context.Context, taskID string, q *types.EventQuery) ([]*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskEvent
	for _, ev := range s.events {
		if ev.TaskID != taskID {
			continue
		}
		if q != nil {
			if q.Since != nil && ev.OccurredAt.Before(*q.Since) {
				continue
			}
			if q.Until != nil && ev.OccurredAt.After(*q.Until) {
				continue
			}
			if !q.WantsType(ev.Type) {
				continue
			}
		}
		out = append(out, cloneEvent(ev))
	}
	sortEventsAsc(out)
	if q != nil && q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskEvent
	for _, ev := range s.events {
		if ev.CorrelationID == correlationID {
			out = append(out, cloneEvent(ev))
		}
	}
	sortEventsAsc(out)
	return out, nil
}

func (s *Store) EventsByType(ctx context.Context, t types.EventType, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskEvent
	for _, ev := range s.events {
		if ev.Type != t {
			continue
		}
		if since != nil && ev.OccurredAt.Before(*since) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) EventsPage(ctx context.Context, afterID int64, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskEvent
	for _, ev := range s.events {
		if ev.ID <= afterID {
			continue
		}
		if since != nil && ev.OccurredAt.Before(*since) {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortEventsAsc(events []*types.TaskEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].ID < events[j].ID
	})
}

func cloneEvent(ev *types.TaskEvent) *types.TaskEvent {
	c := *ev
	if ev.Data != nil {
		c.Data = make(map[string]interface{}, len(ev.Data))
		for k, v := range ev.Data {
			c.Data[k] = v
		}
	}
	return &c
}
