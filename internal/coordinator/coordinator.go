package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/graph"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// Notifier receives plan lifecycle events. The broadcaster satisfies it;
// tests inject a recorder.
type Notifier interface {
	WorkflowStarted(workflowID, goal string, totalSteps int)
	WorkflowStageCompleted(workflowID, taskID string, completed, total int)
	WorkflowCompleted(workflowID string)
	WorkflowFailed(workflowID, reason string)
	TaskCompleted(taskID, repository string)
}

// Housekeeper closes out per-task workspaces when a step completes. The
// worktree tracker satisfies it.
type Housekeeper interface {
	TaskCompleted(taskID string)
}

// Coordinator turns a selected task set into an ordered plan and runs it.
type Coordinator struct {
	store  storage.Store
	graph  *graph.Graph
	log    logrus.FieldLogger
	actor  string
	notify Notifier
	keeper Housekeeper
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithNotifier attaches plan lifecycle notifications.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notify = n }
}

// WithHousekeeper attaches workspace cleanup on step completion.
func WithHousekeeper(h Housekeeper) Option {
	return func(c *Coordinator) { c.keeper = h }
}

// WithActor sets the actor recorded on the mutations the coordinator issues.
func WithActor(actor string) Option {
	return func(c *Coordinator) { c.actor = actor }
}

// New builds a coordinator. A nil logger falls back to the standard one.
func New(store storage.Store, g *graph.Graph, log logrus.FieldLogger, opts ...Option) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Coordinator{store: store, graph: g, log: log, actor: "coordinator"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteStep completes one step's task. It refuses (false, nil mutation)
// while an unsatisfied ordering edge still terminates at the task; a missing
// task marks the step FAILED. RELATED edges never gate execution.
func (c *Coordinator) ExecuteStep(ctx context.Context, step *PlanStep) bool {
	for _, e := range c.graph.Dependents(step.TaskID) {
		if e.Type.Ordering() && e.Status == types.DepPending {
			c.log.WithFields(logrus.Fields{
				"task_id": step.TaskID,
				"edge_id": e.ID,
				"blocker": e.SourceTaskID,
			}).Info("step refused: pending dependency")
			return false
		}
	}

	started := time.Now().UTC()
	step.StartedAt = &started

	task, err := c.store.GetTask(ctx, step.TaskID)
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		if !faults.IsKind(err, faults.KindNotFound) {
			c.log.WithField("task_id", step.TaskID).WithError(err).Warn("step failed reading task")
		}
		return false
	}

	if _, err := c.store.UpdateTask(ctx, step.TaskID, map[string]interface{}{
		"status": string(types.StatusCompleted),
	}, c.actor); err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		c.log.WithField("task_id", step.TaskID).WithError(err).Warn("step failed completing task")
		return false
	}

	c.graph.UpdateAll(map[string]types.TaskStatus{step.TaskID: types.StatusCompleted})

	completed := time.Now().UTC()
	step.Status = StepCompleted
	step.CompletedAt = &completed

	if c.notify != nil {
		c.notify.TaskCompleted(step.TaskID, task.Repository)
	}
	if c.keeper != nil {
		c.keeper.TaskCompleted(step.TaskID)
	}
	return true
}

// ExecutePlan runs the steps sequentially in plan order. The first failure
// stops execution, marks the plan FAILED, and returns the partial results;
// there is no automatic rollback.
func (c *Coordinator) ExecutePlan(ctx context.Context, plan *Plan) []bool {
	plan.Status = PlanRunning
	if c.notify != nil {
		c.notify.WorkflowStarted(plan.ID, plan.Goal, len(plan.Steps))
	}
	c.log.WithFields(logrus.Fields{
		"plan_id": plan.ID,
		"goal":    plan.Goal,
		"steps":   len(plan.Steps),
		"repos":   plan.RepositoriesInvolved,
	}).Info("executing plan")

	results := make([]bool, 0, len(plan.Steps))
	completed := 0
	for _, step := range plan.Steps {
		ok := c.ExecuteStep(ctx, step)
		results = append(results, ok)
		if !ok {
			plan.Status = PlanFailed
			if c.notify != nil {
				c.notify.WorkflowFailed(plan.ID, "step for task "+step.TaskID+" failed")
			}
			c.log.WithFields(logrus.Fields{
				"plan_id": plan.ID,
				"task_id": step.TaskID,
				"done":    plan.stepStatuses(),
			}).Warn("plan failed")
			return results
		}
		completed++
		if c.notify != nil {
			c.notify.WorkflowStageCompleted(plan.ID, step.TaskID, completed, len(plan.Steps))
		}
	}

	plan.Status = PlanCompleted
	if c.notify != nil {
		c.notify.WorkflowCompleted(plan.ID)
	}
	c.log.WithField("plan_id", plan.ID).Info("plan completed")
	return results
}

// RollbackPlan reverts completed steps in reverse order, returning each task
// to pending. Individual rollback failures are logged and skipped; the plan
// ends ROLLED_BACK regardless.
func (c *Coordinator) RollbackPlan(ctx context.Context, plan *Plan) {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		if _, err := c.store.UpdateTask(ctx, step.TaskID, map[string]interface{}{
			"status": string(types.StatusPending),
		}, c.actor); err != nil {
			c.log.WithFields(logrus.Fields{
				"plan_id": plan.ID,
				"task_id": step.TaskID,
			}).WithError(err).Warn("rollback step failed")
		}
		c.graph.UpdateAll(map[string]types.TaskStatus{step.TaskID: types.StatusPending})
		step.Status = StepRolledBack
	}
	plan.Status = PlanRolledBack
	c.log.WithField("plan_id", plan.ID).Info("plan rolled back")
}
