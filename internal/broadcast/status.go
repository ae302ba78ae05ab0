package broadcast

import (
	"sync"
	"time"
)

// StatusRegistry caches the latest pool and workflow projections so the push
// server can answer status requests without touching storage. It satisfies
// push.StatusSource.
type StatusRegistry struct {
	mu        sync.RWMutex
	pools     map[string]map[string]interface{}
	workflows map[string]map[string]interface{}
}

func NewStatusRegistry() *StatusRegistry {
	return &StatusRegistry{
		pools:     make(map[string]map[string]interface{}),
		workflows: make(map[string]map[string]interface{}),
	}
}

// PoolStatus returns a copy of the cached pool projection.
func (r *StatusRegistry) PoolStatus(poolID string) (map[string]interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyInfo(r.pools[poolID])
}

// WorkflowStatus returns a copy of the cached workflow projection.
func (r *StatusRegistry) WorkflowStatus(workflowID string) (map[string]interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyInfo(r.workflows[workflowID])
}

func copyInfo(info map[string]interface{}) (map[string]interface{}, bool) {
	if info == nil {
		return nil, false
	}
	out := make(map[string]interface{}, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out, true
}

// WorkerJoined records a worker joining a pool.
func (r *StatusRegistry) WorkerJoined(poolID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pool(poolID)
	workers, _ := p["workers"].([]string)
	p["workers"] = append(workers, workerID)
	p["size"] = len(workers) + 1
}

// WorkerLeft records a worker leaving a pool.
func (r *StatusRegistry) WorkerLeft(poolID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pool(poolID)
	workers, _ := p["workers"].([]string)
	kept := workers[:0]
	for _, w := range workers {
		if w != workerID {
			kept = append(kept, w)
		}
	}
	p["workers"] = kept
	p["size"] = len(kept)
}

// SetPoolSize records a pool scaling event.
func (r *StatusRegistry) SetPoolSize(poolID string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool(poolID)["size"] = size
}

// SetPoolState records a pool lifecycle transition.
func (r *StatusRegistry) SetPoolState(poolID, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool(poolID)["status"] = state
}

// PoolClosed drops the projection for a closed pool.
func (r *StatusRegistry) PoolClosed(poolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, poolID)
}

func (r *StatusRegistry) pool(poolID string) map[string]interface{} {
	p, ok := r.pools[poolID]
	if !ok {
		p = map[string]interface{}{"pool_id": poolID, "size": 0}
		r.pools[poolID] = p
	}
	return p
}

// WorkflowStarted seeds the projection for a new plan run.
func (r *StatusRegistry) WorkflowStarted(workflowID, goal string, totalSteps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowID] = map[string]interface{}{
		"workflow_id":     workflowID,
		"goal":            goal,
		"status":          "running",
		"total_steps":     totalSteps,
		"completed_steps": 0,
		"started_at":      time.Now().UTC(),
	}
}

// WorkflowProgress updates the completed-step counter.
func (r *StatusRegistry) WorkflowProgress(workflowID string, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workflows[workflowID]; ok {
		w["completed_steps"] = completed
	}
}

// WorkflowFinished records the terminal state of a run.
func (r *StatusRegistry) WorkflowFinished(workflowID, status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[workflowID]
	if !ok {
		w = map[string]interface{}{"workflow_id": workflowID}
		r.workflows[workflowID] = w
	}
	w["status"] = status
	if reason != "" {
		w["reason"] = reason
	}
	w["finished_at"] = time.Now().UTC()
}
