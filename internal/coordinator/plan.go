// Package coordinator builds and executes multi-repository completion plans.
// A plan is a topological order of the selected tasks over their BLOCKS
// edges; execution completes tasks in that order and propagates edge
// statuses, with explicit reverse-order rollback.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "PENDING"
	PlanRunning    PlanStatus = "RUNNING"
	PlanCompleted  PlanStatus = "COMPLETED"
	PlanFailed     PlanStatus = "FAILED"
	PlanRolledBack PlanStatus = "ROLLED_BACK"
)

// StepStatus is the lifecycle of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepRolledBack StepStatus = "ROLLED_BACK"
)

// ActionComplete is the only step action the coordinator issues today.
const ActionComplete = "complete"

// PlanStep is one ordered unit of a plan.
type PlanStep struct {
	ID         string `json:"step_id"`
	TaskID     string `json:"task_id"`
	Repository string `json:"repository"`
	Action     string `json:"action"`

	// Dependencies holds the task ids of this step's induced prerequisites
	// within the plan's selection.
	Dependencies []string `json:"dependencies,omitempty"`

	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan orders a selected set of tasks for coordinated completion.
type Plan struct {
	ID                   string      `json:"plan_id"`
	Goal                 string      `json:"goal"`
	Steps                []*PlanStep `json:"steps"`
	RepositoriesInvolved []string    `json:"repositories_involved"`
	Status               PlanStatus  `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
}

// CreatePlan topologically orders the selected tasks over the BLOCKS edges
// among them. Kahn's algorithm with the zero-degree frontier sorted by task
// id keeps the order deterministic; tasks trapped by a cycle inside the
// selection (or a dependency outside it) are appended at the end in id order.
func (c *Coordinator) CreatePlan(ctx context.Context, goal string, taskIDs []string) (*Plan, error) {
	selected := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		selected[id] = true
	}

	// Induced prerequisite map: for a BLOCKS edge a -> b inside the set,
	// a must complete before b.
	prereqs := make(map[string][]string)
	dependents := make(map[string][]string)
	indegree := make(map[string]int, len(taskIDs))
	for id := range selected {
		indegree[id] = 0
	}
	for id := range selected {
		for _, e := range c.graph.Blocked(id) {
			if !selected[e.TargetTaskID] {
				continue
			}
			prereqs[e.TargetTaskID] = append(prereqs[e.TargetTaskID], id)
			dependents[id] = append(dependents[id], e.TargetTaskID)
			indegree[e.TargetTaskID]++
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var order []string
	placed := make(map[string]bool, len(taskIDs))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		placed[next] = true
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	// Anything unreached sits in a cycle or behind an unplaced prerequisite.
	var leftovers []string
	for id := range selected {
		if !placed[id] {
			leftovers = append(leftovers, id)
		}
	}
	sort.Strings(leftovers)
	order = append(order, leftovers...)

	plan := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    PlanPending,
		CreatedAt: time.Now().UTC(),
	}
	repos := make(map[string]bool)
	for _, taskID := range order {
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		repos[task.Repository] = true
		deps := append([]string(nil), prereqs[taskID]...)
		sort.Strings(deps)
		plan.Steps = append(plan.Steps, &PlanStep{
			ID:           uuid.NewString(),
			TaskID:       taskID,
			Repository:   task.Repository,
			Action:       ActionComplete,
			Dependencies: deps,
			Status:       StepPending,
		})
	}
	plan.RepositoriesInvolved = sortedKeys(repos)
	return plan, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// stepStatuses summarises a plan for push notifications.
func (p *Plan) stepStatuses() map[string]int {
	counts := make(map[string]int)
	for _, s := range p.Steps {
		counts[string(s.Status)]++
	}
	return counts
}

// TasksOf lists the plan's task ids in step order.
func (p *Plan) TasksOf() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.TaskID)
	}
	return out
}
