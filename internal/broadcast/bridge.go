package broadcast

import (
	"context"

	"github.com/lesleslie/mahavishnu/internal/eventbus"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// BusBridge subscribes to the in-process event bus and republishes task
// completions and assignments as push frames. It runs after the graph and
// analyzer handlers so subscribers see post-propagation state.
type BusBridge struct {
	b *Broadcaster
}

func NewBusBridge(b *Broadcaster) *BusBridge { return &BusBridge{b: b} }

func (br *BusBridge) ID() string { return "broadcast-bridge" }

func (br *BusBridge) Handles() []types.EventType {
	return []types.EventType{types.EventStatusChanged, types.EventCompleted, types.EventAssigned}
}

func (br *BusBridge) Priority() int { return 100 }

func (br *BusBridge) Handle(_ context.Context, n *eventbus.Notice) error {
	repo := ""
	if n.Task != nil {
		repo = n.Task.Repository
	}
	switch n.Event.Type {
	case types.EventCompleted:
		br.b.TaskCompleted(n.Event.TaskID, repo)
	case types.EventStatusChanged:
		if status, _ := n.Event.Data["new_status"].(string); status == string(types.StatusCompleted) {
			br.b.TaskCompleted(n.Event.TaskID, repo)
		}
	case types.EventAssigned:
		assignee, _ := n.Event.Data["assignee"].(string)
		if assignee == "" && n.Task != nil {
			assignee = n.Task.Assignee
		}
		if assignee != "" {
			br.b.TaskAssigned(n.Event.TaskID, assignee, repo)
		}
	}
	return nil
}
