package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func (s *Store) AddDependency(ctx context.Context, sourceID, targetID string, depType types.DependencyType, actor string) (*types.Dependency, error) {
	if sourceID == targetID {
		return nil, faults.Validation("target_task_id", "task cannot depend on itself")
	}
	if !depType.IsValid() {
		return nil, faults.Validation("dependency_type", "unknown dependency type %q", depType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.tasks[sourceID]
	if !ok {
		return nil, faults.NotFound("task", sourceID)
	}
	target, ok := s.tasks[targetID]
	if !ok {
		return nil, faults.NotFound("task", targetID)
	}
	pair := sourceID + "|" + targetID
	if _, exists := s.depPairs[pair]; exists {
		return nil, faults.Conflict("dependency %s -> %s already exists", sourceID, targetID)
	}

	edge := &types.Dependency{
		ID:           uuid.NewString(),
		SourceTaskID: sourceID,
		TargetTaskID: targetID,
		Type:         depType,
		Status:       types.DepPending,
		SourceRepo:   source.Repository,
		TargetRepo:   target.Repository,
		CreatedAt:    s.now(),
	}
	s.deps[edge.ID] = edge
	s.depPairs[pair] = edge.ID

	s.appendEventLocked(&types.TaskEvent{
		TaskID: sourceID,
		Type:   types.EventDependencyAdded,
		Data: map[string]interface{}{
			"dependency_id":   edge.ID,
			"target_task_id":  targetID,
			"dependency_type": string(depType),
		},
		Actor:      actor,
		OccurredAt: edge.CreatedAt,
	})
	return cloneDependency(edge), nil
}

func (s *Store) RemoveDependency(ctx context.Context, dependencyID string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.deps[dependencyID]
	if !ok {
		return faults.NotFound("dependency", dependencyID)
	}
	delete(s.deps, dependencyID)
	delete(s.depPairs, edge.SourceTaskID+"|"+edge.TargetTaskID)

	s.appendEventLocked(&types.TaskEvent{
		TaskID: edge.SourceTaskID,
		Type:   types.EventDependencyRemoved,
		Data: map[string]interface{}{
			"dependency_id":   edge.ID,
			"target_task_id":  edge.TargetTaskID,
			"dependency_type": string(edge.Type),
		},
		Actor:      actor,
		OccurredAt: s.now(),
	})
	return nil
}

// Dependencies returns edges where the task is the source, oldest first.
func (s *Store) Dependencies(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectDeps(func(e *types.Dependency) bool { return e.SourceTaskID == taskID }), nil
}

// Dependents returns edges where the task is the target, oldest first.
func (s *Store) Dependents(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectDeps(func(e *types.Dependency) bool { return e.TargetTaskID == taskID }), nil
}

func (s *Store) ListDependencies(ctx context.Context) ([]*types.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectDeps(func(*types.Dependency) bool { return true }), nil
}

func (s *Store) collectDeps(keep func(*types.Dependency) bool) []*types.Dependency {
	var out []*types.Dependency
	for _, edge := range s.deps {
		if keep(edge) {
			out = append(out, cloneDependency(edge))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneDependency(edge *types.Dependency) *types.Dependency {
	c := *edge
	return &c
}
