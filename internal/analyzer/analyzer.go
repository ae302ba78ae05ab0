// Package analyzer derives blocker views from the dependency graph: chains,
// impact counts, escalation candidates. Results are memoised per task in LRU
// caches that drop wholesale whenever the graph changes.
package analyzer

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lesleslie/mahavishnu/internal/graph"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// DefaultCacheSize bounds each memo cache when the caller passes 0.
const DefaultCacheSize = 512

// BlockingChain is a graph walk enriched with the repositories involved.
type BlockingChain struct {
	TaskID       string              `json:"task_id"`
	Edges        []*types.Dependency `json:"edges"`
	Repositories []string            `json:"repositories"`
	IsCrossRepo  bool                `json:"is_cross_repo"`
}

// Impact counts what a blocker is holding up. Direct is the task's own
// unsatisfied BLOCKS edges; indirect extends one level through the directly
// blocked targets.
type Impact struct {
	TaskID               string   `json:"task_id"`
	DirectCount          int      `json:"direct_count"`
	IndirectCount        int      `json:"indirect_count"`
	TotalImpact          int      `json:"total_impact"`
	AffectedRepositories []string `json:"affected_repositories"`
}

// Analyzer memoises blocker projections over one graph.
type Analyzer struct {
	graph  *graph.Graph
	store  storage.Store
	chains *lru.Cache[string, *BlockingChain]
	impact *lru.Cache[string, *Impact]
}

// New builds an analyzer and hooks graph change notifications so stale memos
// never outlive an edge mutation.
func New(g *graph.Graph, store storage.Store, cacheSize int) *Analyzer {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	chains, _ := lru.New[string, *BlockingChain](cacheSize)
	impact, _ := lru.New[string, *Impact](cacheSize)
	a := &Analyzer{graph: g, store: store, chains: chains, impact: impact}
	g.OnChange(a.Invalidate)
	return a
}

// Invalidate drops every memo. Called on any edge create, remove, or status
// change; recomputation is cheap relative to a stale answer.
func (a *Analyzer) Invalidate() {
	a.chains.Purge()
	a.impact.Purge()
}

// BlockingChainOf walks backwards from the task and reports the chain plus
// the set of repositories it spans.
func (a *Analyzer) BlockingChainOf(taskID string) *BlockingChain {
	if cached, ok := a.chains.Get(taskID); ok {
		return cached
	}

	edges := a.graph.BlockingChain(taskID)
	repoSet := make(map[string]bool)
	for _, e := range edges {
		repoSet[e.SourceRepo] = true
		repoSet[e.TargetRepo] = true
	}
	chain := &BlockingChain{
		TaskID:       taskID,
		Edges:        edges,
		Repositories: sortedKeys(repoSet),
		IsCrossRepo:  len(repoSet) > 1,
	}
	a.chains.Add(taskID, chain)
	return chain
}

// ImpactOf counts the unsatisfied BLOCKS edges a task sources, directly and
// one level beyond, accumulating the repositories affected.
func (a *Analyzer) ImpactOf(taskID string) *Impact {
	if cached, ok := a.impact.Get(taskID); ok {
		return cached
	}

	repoSet := make(map[string]bool)
	direct := 0
	indirect := 0
	for _, e := range a.graph.Blocked(taskID) {
		if e.Status == types.DepSatisfied {
			continue
		}
		direct++
		repoSet[e.TargetRepo] = true
		for _, next := range a.graph.Blocked(e.TargetTaskID) {
			if next.Status == types.DepSatisfied {
				continue
			}
			indirect++
			repoSet[next.TargetRepo] = true
		}
	}
	imp := &Impact{
		TaskID:               taskID,
		DirectCount:          direct,
		IndirectCount:        indirect,
		TotalImpact:          direct + indirect,
		AffectedRepositories: sortedKeys(repoSet),
	}
	a.impact.Add(taskID, imp)
	return imp
}

// AllBlockers returns the source ids of every unsatisfied BLOCKS edge,
// sorted for determinism.
func (a *Analyzer) AllBlockers() []string {
	seen := make(map[string]bool)
	for _, e := range a.graph.EdgesByType(types.DepBlocks) {
		if e.Status != types.DepSatisfied {
			seen[e.SourceTaskID] = true
		}
	}
	return sortedKeys(seen)
}

// CriticalBlockers ranks blockers whose total impact meets the floor,
// highest impact first.
func (a *Analyzer) CriticalBlockers(minImpact int) []*Impact {
	var out []*Impact
	for _, id := range a.AllBlockers() {
		imp := a.ImpactOf(id)
		if imp.TotalImpact >= minImpact {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalImpact != out[j].TotalImpact {
			return out[i].TotalImpact > out[j].TotalImpact
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// EscalationCandidates returns blockers holding up at least minBlocked tasks
// whose source task has existed for at least minDaysBlocked days. The age
// predicate uses the source task's created_at.
func (a *Analyzer) EscalationCandidates(ctx context.Context, minBlocked, minDaysBlocked int) ([]*Impact, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -minDaysBlocked)
	var out []*Impact
	for _, id := range a.AllBlockers() {
		imp := a.ImpactOf(id)
		if imp.DirectCount < minBlocked {
			continue
		}
		task, err := a.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalImpact != out[j].TotalImpact {
			return out[i].TotalImpact > out[j].TotalImpact
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// Resolve marks every edge sourced from the task as SATISFIED. The graph
// change notification drops the memo caches.
func (a *Analyzer) Resolve(taskID string) int {
	return a.graph.UpdateAll(map[string]types.TaskStatus{taskID: types.StatusCompleted})
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
