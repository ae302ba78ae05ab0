package eventbus

import (
	"context"
	"time"

	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// PublishingStore decorates a Store so every successful mutation also lands
// on the bus. The store remains the source of truth; the notice carries a
// snapshot of the persisted state so handlers avoid a re-read. Dispatch is
// synchronous but handler errors never surface here.
type PublishingStore struct {
	storage.Store
	bus *Bus
}

// Publish wraps the store. A nil bus returns the store unchanged.
func Publish(inner storage.Store, bus *Bus) storage.Store {
	if bus == nil {
		return inner
	}
	return &PublishingStore{Store: inner, bus: bus}
}

func (p *PublishingStore) dispatch(ctx context.Context, t types.EventType, task *types.Task, dep *types.Dependency, taskID string, data map[string]interface{}) {
	if task != nil {
		taskID = task.ID
	}
	_ = p.bus.Dispatch(ctx, &Notice{
		Event: &types.TaskEvent{
			TaskID:     taskID,
			Type:       t,
			Data:       data,
			OccurredAt: time.Now().UTC(),
		},
		Task:       task,
		Dependency: dep,
	})
}

func (p *PublishingStore) CreateTask(ctx context.Context, draft *types.Task, actor string) (*types.Task, error) {
	task, err := p.Store.CreateTask(ctx, draft, actor)
	if err == nil {
		p.dispatch(ctx, types.EventCreated, task, nil, "", nil)
	}
	return task, err
}

func (p *PublishingStore) CreateTasks(ctx context.Context, drafts []*types.Task, actor string) ([]*types.Task, error) {
	tasks, err := p.Store.CreateTasks(ctx, drafts, actor)
	if err == nil {
		for _, task := range tasks {
			p.dispatch(ctx, types.EventCreated, task, nil, "", nil)
		}
	}
	return tasks, err
}

func (p *PublishingStore) UpdateTask(ctx context.Context, id string, patch map[string]interface{}, actor string) (*types.Task, error) {
	task, err := p.Store.UpdateTask(ctx, id, patch, actor)
	if err != nil {
		return task, err
	}
	switch {
	case patch["status"] != nil:
		p.dispatch(ctx, types.EventStatusChanged, task, nil, "", map[string]interface{}{
			"new_status": string(task.Status),
		})
	case patch["assignee"] != nil:
		p.dispatch(ctx, types.EventAssigned, task, nil, "", map[string]interface{}{
			"assignee": task.Assignee,
		})
	default:
		p.dispatch(ctx, types.EventUpdated, task, nil, "", nil)
	}
	return task, err
}

func (p *PublishingStore) UpdateTaskStatusBatch(ctx context.Context, ids []string, status types.TaskStatus, actor string) (int, error) {
	n, err := p.Store.UpdateTaskStatusBatch(ctx, ids, status, actor)
	if err == nil {
		for _, id := range ids {
			p.dispatch(ctx, types.EventStatusChanged, nil, nil, id, map[string]interface{}{
				"new_status": string(status),
			})
		}
	}
	return n, err
}

func (p *PublishingStore) DeleteTask(ctx context.Context, id string, actor string) error {
	err := p.Store.DeleteTask(ctx, id, actor)
	if err == nil {
		p.dispatch(ctx, types.EventDeleted, nil, nil, id, nil)
	}
	return err
}

func (p *PublishingStore) AddDependency(ctx context.Context, source, target string, depType types.DependencyType, actor string) (*types.Dependency, error) {
	dep, err := p.Store.AddDependency(ctx, source, target, depType, actor)
	if err == nil {
		p.dispatch(ctx, types.EventDependencyAdded, nil, dep, source, map[string]interface{}{
			"target": target, "dep_type": string(depType),
		})
	}
	return dep, err
}

func (p *PublishingStore) RemoveDependency(ctx context.Context, edgeID string, actor string) error {
	err := p.Store.RemoveDependency(ctx, edgeID, actor)
	if err == nil {
		p.dispatch(ctx, types.EventDependencyRemoved, nil, nil, "", map[string]interface{}{
			"edge_id": edgeID,
		})
	}
	return err
}
