// Package broadcast adapts domain events to push frames. The coordinator,
// importer, and event bus call its typed methods; it builds the envelope,
// picks the room, and hands the frame to the push server. While no server is
// attached (or the server is stopped) frames are optionally held in a bounded
// FIFO buffer and flushed on reattach.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/push"
)

// Sink is where frames land. *push.Server satisfies it.
type Sink interface {
	BroadcastToRoom(room string, env *push.Envelope) int
	Running() bool
}

// Room names the broadcaster publishes to.
const (
	RoomGlobal    = "global"
	RoomEcosystem = "symbiotic:ecosystem"
)

func PoolRoom(poolID string) string         { return "pool:" + poolID }
func WorkflowRoom(workflowID string) string { return "workflow:" + workflowID }
func WorkerRoom(workerID string) string     { return "worker:" + workerID }

// Event names carried in outbound frames.
const (
	EventWorkerAdded            = "worker.added"
	EventWorkerRemoved          = "worker.removed"
	EventWorkerStatusChanged    = "worker.status_changed"
	EventPoolSpawned            = "pool.spawned"
	EventPoolScaled             = "pool.scaled"
	EventPoolStatusChanged      = "pool.status_changed"
	EventPoolClosed             = "pool.closed"
	EventTaskAssigned           = "task.assigned"
	EventTaskCompleted          = "task.completed"
	EventWorkflowStarted        = "workflow.started"
	EventWorkflowStageCompleted = "workflow.stage_completed"
	EventWorkflowCompleted      = "workflow.completed"
	EventWorkflowFailed         = "workflow.failed"
	EventLearningMetrics        = "learning.metrics"
	EventSkillEffectiveness     = "skill.effectiveness"
	EventStrategyRecommender    = "strategy.recommender"
)

// DefaultBufferSize bounds the offline buffer.
const DefaultBufferSize = 1000

// MaxReconnectAttempts caps one backoff cycle before the counter resets.
const MaxReconnectAttempts = 5

// Config controls offline buffering. Buffering ships disabled so a restarted
// server never replays stale frames.
type Config struct {
	BufferEnabled bool
	BufferSize    int
}

// Broadcaster translates domain calls into envelopes. It is safe for
// concurrent use. The zero sink is legal; frames are buffered or dropped
// until Attach.
type Broadcaster struct {
	cfg    Config
	log    logrus.FieldLogger
	status *StatusRegistry

	mu           sync.Mutex
	sink         Sink
	buffer       []*push.Envelope
	dropped      int
	reconnecting bool
}

// New builds a broadcaster with no sink attached.
func New(cfg Config, log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Broadcaster{cfg: cfg, log: log, status: NewStatusRegistry()}
}

// Status exposes the cached pool/workflow projections. The push server uses
// it to answer get_pool_status and get_workflow_status.
func (b *Broadcaster) Status() *StatusRegistry { return b.status }

// Attach connects a sink and flushes any buffered frames to it.
func (b *Broadcaster) Attach(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
	b.Flush()
}

// Detach disconnects the sink. Subsequent frames buffer or drop.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
}

// Flush drains the buffer in insertion order and returns how many frames
// were delivered. Frames that cannot be delivered return to the tail of
// the buffer, behind anything that arrived during the flush.
func (b *Broadcaster) Flush() int {
	b.mu.Lock()
	pending := b.buffer
	b.buffer = nil
	sink := b.sink
	b.mu.Unlock()

	delivered := 0
	for i, env := range pending {
		if sink == nil || !sink.Running() {
			b.mu.Lock()
			b.buffer = append(b.buffer, pending[i:]...)
			if excess := len(b.buffer) - b.cfg.BufferSize; excess > 0 {
				b.buffer = b.buffer[excess:]
				b.dropped += excess
			}
			b.mu.Unlock()
			break
		}
		sink.BroadcastToRoom(env.Room, env)
		delivered++
	}
	if delivered > 0 {
		b.log.WithField("frames", delivered).Debug("flushed buffered broadcasts")
	}
	return delivered
}

// BufferLen reports the number of frames currently held.
func (b *Broadcaster) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// emit delivers one frame, buffering when the sink is absent or stopped.
func (b *Broadcaster) emit(room, event string, data map[string]interface{}) {
	env := push.NewEvent(room, event, data)

	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()

	if sink != nil && sink.Running() {
		sink.BroadcastToRoom(room, env)
		return
	}

	b.mu.Lock()
	if !b.cfg.BufferEnabled {
		b.dropped++
		b.mu.Unlock()
		b.log.WithFields(logrus.Fields{"room": room, "event": event}).Debug("no sink, frame dropped")
		return
	}
	if len(b.buffer) >= b.cfg.BufferSize {
		// Drop-oldest keeps the buffer bounded and the newest state wins.
		b.buffer = b.buffer[1:]
		b.dropped++
	}
	b.buffer = append(b.buffer, env)
	start := sink != nil && !b.reconnecting
	if start {
		b.reconnecting = true
	}
	b.mu.Unlock()

	if start {
		go b.reconnect(sink)
	}
}

// reconnect polls a stopped sink with exponential backoff and flushes once it
// comes back. After MaxReconnectAttempts the cycle ends and a later emit may
// start a new one.
func (b *Broadcaster) reconnect(sink Sink) {
	defer func() {
		b.mu.Lock()
		b.reconnecting = false
		b.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	op := func() error {
		if !sink.Running() {
			return fmt.Errorf("broadcast: sink not running")
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, MaxReconnectAttempts)); err != nil {
		b.log.WithField("buffered", b.BufferLen()).Warn("push server still down, reconnect cycle ended")
		return
	}
	b.Flush()
}

// WorkerAdded announces a new worker joining a pool.
func (b *Broadcaster) WorkerAdded(poolID, workerID string) {
	b.status.WorkerJoined(poolID, workerID)
	b.emit(PoolRoom(poolID), EventWorkerAdded, map[string]interface{}{
		"pool_id":   poolID,
		"worker_id": workerID,
	})
}

// WorkerRemoved announces a worker leaving a pool.
func (b *Broadcaster) WorkerRemoved(poolID, workerID string) {
	b.status.WorkerLeft(poolID, workerID)
	b.emit(PoolRoom(poolID), EventWorkerRemoved, map[string]interface{}{
		"pool_id":   poolID,
		"worker_id": workerID,
	})
}

// PoolSpawned announces a freshly created pool.
func (b *Broadcaster) PoolSpawned(poolID string, size int) {
	b.status.SetPoolSize(poolID, size)
	b.emit(PoolRoom(poolID), EventPoolSpawned, map[string]interface{}{
		"pool_id": poolID,
		"size":    size,
	})
}

// PoolScaled announces a pool size change.
func (b *Broadcaster) PoolScaled(poolID string, oldSize, newSize int) {
	b.status.SetPoolSize(poolID, newSize)
	b.emit(PoolRoom(poolID), EventPoolScaled, map[string]interface{}{
		"pool_id":  poolID,
		"old_size": oldSize,
		"new_size": newSize,
	})
}

// PoolStatusChanged announces a pool state transition.
func (b *Broadcaster) PoolStatusChanged(poolID, status string) {
	b.status.SetPoolState(poolID, status)
	b.emit(PoolRoom(poolID), EventPoolStatusChanged, map[string]interface{}{
		"pool_id": poolID,
		"status":  status,
	})
}

// PoolClosed announces a pool shutdown and drops its status projection.
func (b *Broadcaster) PoolClosed(poolID string) {
	b.status.PoolClosed(poolID)
	b.emit(PoolRoom(poolID), EventPoolClosed, map[string]interface{}{
		"pool_id": poolID,
	})
}

// TaskAssigned announces an assignment on the worker's room.
func (b *Broadcaster) TaskAssigned(taskID, workerID, repository string) {
	b.emit(WorkerRoom(workerID), EventTaskAssigned, map[string]interface{}{
		"task_id":    taskID,
		"worker_id":  workerID,
		"repository": repository,
	})
}

// TaskCompleted announces a completion globally.
func (b *Broadcaster) TaskCompleted(taskID, repository string) {
	b.emit(RoomGlobal, EventTaskCompleted, map[string]interface{}{
		"task_id":    taskID,
		"repository": repository,
	})
}

// WorkflowStarted announces a new plan run and seeds the status projection.
func (b *Broadcaster) WorkflowStarted(workflowID, goal string, totalSteps int) {
	b.status.WorkflowStarted(workflowID, goal, totalSteps)
	b.emit(WorkflowRoom(workflowID), EventWorkflowStarted, map[string]interface{}{
		"workflow_id": workflowID,
		"goal":        goal,
		"total_steps": totalSteps,
	})
}

// WorkflowStageCompleted announces one finished step.
func (b *Broadcaster) WorkflowStageCompleted(workflowID, taskID string, completed, total int) {
	b.status.WorkflowProgress(workflowID, completed)
	b.emit(WorkflowRoom(workflowID), EventWorkflowStageCompleted, map[string]interface{}{
		"workflow_id":     workflowID,
		"task_id":         taskID,
		"completed_steps": completed,
		"total_steps":     total,
	})
}

// WorkflowCompleted announces a finished plan.
func (b *Broadcaster) WorkflowCompleted(workflowID string) {
	b.status.WorkflowFinished(workflowID, "completed", "")
	b.emit(WorkflowRoom(workflowID), EventWorkflowCompleted, map[string]interface{}{
		"workflow_id": workflowID,
	})
}

// WorkflowFailed announces a failed plan with the failure reason.
func (b *Broadcaster) WorkflowFailed(workflowID, reason string) {
	b.status.WorkflowFinished(workflowID, "failed", reason)
	b.emit(WorkflowRoom(workflowID), EventWorkflowFailed, map[string]interface{}{
		"workflow_id": workflowID,
		"reason":      reason,
	})
}

// WorkerStatusChanged announces a worker state transition.
func (b *Broadcaster) WorkerStatusChanged(workerID, status string) {
	b.emit(WorkerRoom(workerID), EventWorkerStatusChanged, map[string]interface{}{
		"worker_id": workerID,
		"status":    status,
	})
}

// LearningMetrics publishes a learning-loop metrics snapshot to the
// ecosystem room.
func (b *Broadcaster) LearningMetrics(metrics map[string]interface{}) {
	b.emit(RoomEcosystem, EventLearningMetrics, metrics)
}

// SkillEffectiveness publishes per-skill effectiveness scores.
func (b *Broadcaster) SkillEffectiveness(skill string, scores map[string]interface{}) {
	data := map[string]interface{}{"skill": skill}
	for k, v := range scores {
		data[k] = v
	}
	b.emit(RoomEcosystem, EventSkillEffectiveness, data)
}

// StrategyRecommendation publishes a recommended orchestration strategy.
func (b *Broadcaster) StrategyRecommendation(strategy string, confidence float64) {
	b.emit(RoomEcosystem, EventStrategyRecommender, map[string]interface{}{
		"strategy":   strategy,
		"confidence": confidence,
	})
}
