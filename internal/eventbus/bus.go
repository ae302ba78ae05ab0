// Package eventbus fans task events out to in-process subscribers: graph
// refresh, analyzer cache invalidation, the websocket broadcaster. Dispatch is
// synchronous and resilient; a failing handler is logged and the chain
// continues.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// Notice is what flows through the bus: the persisted event plus optional
// snapshots of the task and edge it concerns, so handlers do not have to
// re-read storage.
type Notice struct {
	Event      *types.TaskEvent
	Task       *types.Task
	Dependency *types.Dependency
}

// Handler processes notices. Handlers are called in priority order (lower
// value first) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes. An empty
	// slice subscribes to everything.
	Handles() []types.EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single notice. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, n *Notice) error
}

// Bus dispatches notices to registered handlers.
type Bus struct {
	log      logrus.FieldLogger
	handlers []Handler
	mu       sync.RWMutex
}

// New creates an empty bus. A nil logger falls back to the standard one.
func New(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{log: log}
}

// Register adds a handler. Handlers are sorted by priority on each Dispatch,
// so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch sends a notice to every handler subscribed to its event type,
// sequentially in priority order. Handler errors are logged, not propagated.
func (b *Bus) Dispatch(ctx context.Context, n *Notice) error {
	if n == nil || n.Event == nil {
		return fmt.Errorf("eventbus: nil notice")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(n.Event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, n); err != nil {
			b.log.WithFields(logrus.Fields{
				"handler": h.ID(),
				"event":   n.Event.Type,
				"task_id": n.Event.TaskID,
			}).WithError(err).Warn("event handler failed")
		}
	}
	return nil
}

// Handlers returns all registered handlers, for status reporting.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers subscribed to the given type, sorted by
// priority. Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(t types.EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		wants := h.Handles()
		if len(wants) == 0 {
			matched = append(matched, h)
			continue
		}
		for _, w := range wants {
			if w == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
