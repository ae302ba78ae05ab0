package eventbus

import (
	"context"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// FuncHandler adapts a plain function into a Handler, for subscribers that do
// not warrant a named type.
type FuncHandler struct {
	id       string
	priority int
	handles  []types.EventType
	fn       func(ctx context.Context, n *Notice) error
}

// NewFuncHandler builds a FuncHandler. Passing no event types subscribes the
// handler to everything.
func NewFuncHandler(id string, priority int, fn func(ctx context.Context, n *Notice) error, handles ...types.EventType) *FuncHandler {
	return &FuncHandler{id: id, priority: priority, handles: handles, fn: fn}
}

func (h *FuncHandler) ID() string                 { return h.id }
func (h *FuncHandler) Handles() []types.EventType { return h.handles }
func (h *FuncHandler) Priority() int              { return h.priority }

func (h *FuncHandler) Handle(ctx context.Context, n *Notice) error {
	return h.fn(ctx, n)
}
