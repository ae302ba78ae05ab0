// Package views builds read-side projections over the task store: grouped
// aggregates, refined pagination, ranked text search, and per-repository
// health dashboards. Everything here is derived; the store stays the single
// source of truth.
package views

import (
	"context"
	"sort"

	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// Aggregator groups task-store output along one dimension at a time.
type Aggregator struct {
	store storage.Store
}

func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// AggregateAll fetches every task once.
func (a *Aggregator) AggregateAll(ctx context.Context) ([]*types.Task, error) {
	return a.store.ListTasks(ctx, &types.TaskFilter{})
}

// AggregateWithFilter fetches tasks matching the base filter. The store
// filter takes a single repository, so a multi-repo request issues one query
// per name and concatenates.
func (a *Aggregator) AggregateWithFilter(ctx context.Context, base *types.TaskFilter, repoNames []string) ([]*types.Task, error) {
	if base == nil {
		base = &types.TaskFilter{}
	}
	if len(repoNames) == 0 {
		return a.store.ListTasks(ctx, base)
	}
	var out []*types.Task
	for _, repo := range repoNames {
		f := *base
		f.Repository = repo
		tasks, err := a.store.ListTasks(ctx, &f)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (a *Aggregator) AggregateByRepo(ctx context.Context) (map[string][]*types.Task, error) {
	return a.groupBy(ctx, func(t *types.Task) []string { return []string{t.Repository} })
}

func (a *Aggregator) AggregateByStatus(ctx context.Context) (map[string][]*types.Task, error) {
	return a.groupBy(ctx, func(t *types.Task) []string { return []string{string(t.Status)} })
}

func (a *Aggregator) AggregateByPriority(ctx context.Context) (map[string][]*types.Task, error) {
	return a.groupBy(ctx, func(t *types.Task) []string { return []string{string(t.Priority)} })
}

// AggregateByTag lists a task under every tag it carries.
func (a *Aggregator) AggregateByTag(ctx context.Context) (map[string][]*types.Task, error) {
	return a.groupBy(ctx, func(t *types.Task) []string { return t.Tags })
}

// AggregateByRole groups by the "role" metadata key; tasks without one land
// under "unspecified".
func (a *Aggregator) AggregateByRole(ctx context.Context) (map[string][]*types.Task, error) {
	return a.groupBy(ctx, func(t *types.Task) []string {
		if role := t.Metadata["role"]; role != "" {
			return []string{role}
		}
		return []string{"unspecified"}
	})
}

func (a *Aggregator) groupBy(ctx context.Context, keys func(*types.Task) []string) (map[string][]*types.Task, error) {
	tasks, err := a.AggregateAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*types.Task)
	for _, t := range tasks {
		for _, k := range keys(t) {
			out[k] = append(out[k], t)
		}
	}
	return out, nil
}

// Summary is the portfolio-level rollup.
type Summary struct {
	Total         int                      `json:"total"`
	ByStatus      map[types.TaskStatus]int `json:"by_status"`
	CriticalCount int                      `json:"critical_count"`
}

// Summary counts tasks per status. CriticalCount is the number of
// high-or-critical tasks that are blocked or in progress: work that is both
// urgent and not flowing freely.
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	tasks, err := a.AggregateAll(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(tasks), ByStatus: make(map[types.TaskStatus]int)}
	for _, t := range tasks {
		s.ByStatus[t.Status]++
		urgent := t.Priority == types.PriorityHigh || t.Priority == types.PriorityCritical
		stuck := t.Status == types.StatusBlocked || t.Status == types.StatusInProgress
		if urgent && stuck {
			s.CriticalCount++
		}
	}
	return s, nil
}

// RepoScore is one repository's attention ranking.
type RepoScore struct {
	Repository    string  `json:"repository"`
	Score         float64 `json:"score"`
	Total         int     `json:"total"`
	BlockedCount  int     `json:"blocked_count"`
	HighCount     int     `json:"high_count"`
	CriticalCount int     `json:"critical_count"`
}

// ReposNeedingAttention ranks repositories by how much they need a human:
// blocked rate dominates, then urgent volume, then incompletion.
func (a *Aggregator) ReposNeedingAttention(ctx context.Context, limit int) ([]RepoScore, error) {
	byRepo, err := a.AggregateByRepo(ctx)
	if err != nil {
		return nil, err
	}
	scores := make([]RepoScore, 0, len(byRepo))
	for repo, tasks := range byRepo {
		var blocked, completed, high, critical int
		for _, t := range tasks {
			switch t.Status {
			case types.StatusBlocked:
				blocked++
			case types.StatusCompleted:
				completed++
			}
			switch t.Priority {
			case types.PriorityHigh:
				high++
			case types.PriorityCritical:
				critical++
			}
		}
		total := float64(len(tasks))
		blockedRate := float64(blocked) / total
		completionRate := float64(completed) / total
		scores = append(scores, RepoScore{
			Repository:    repo,
			Score:         50*blockedRate + 5*float64(high+2*critical) + 20*(1-completionRate),
			Total:         len(tasks),
			BlockedCount:  blocked,
			HighCount:     high,
			CriticalCount: critical,
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Repository < scores[j].Repository
	})
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}
