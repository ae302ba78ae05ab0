// Package graph keeps the cross-repository dependency graph in memory:
// arena-style maps keyed by edge id, adjacency lists per task, and the cycle
// check that storage deliberately does not perform. The graph is rebuilt from
// persisted rows on startup; it is a view over storage, not a second source
// of truth.
package graph

import (
	"context"
	"sync"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// Graph is the in-memory dependency graph. One mutex guards the three maps;
// it is held only across the cycle-check + write critical section, and reads
// hand out snapshot copies.
type Graph struct {
	store storage.Store

	mu    sync.Mutex
	edges map[string]*types.Dependency
	out   map[string][]string // task id -> edge ids where task is source
	in    map[string][]string // task id -> edge ids where task is target

	listeners []func()
}

// New returns an empty graph over the given store.
func New(store storage.Store) *Graph {
	return &Graph{
		store: store,
		edges: make(map[string]*types.Dependency),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// LoadFromStore replaces the in-memory graph with the persisted edge set.
// Called once at startup; the graph is otherwise maintained incrementally.
func (g *Graph) LoadFromStore(ctx context.Context) error {
	edges, err := g.store.ListDependencies(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.edges = make(map[string]*types.Dependency, len(edges))
	g.out = make(map[string][]string)
	g.in = make(map[string][]string)
	for _, e := range edges {
		g.insertLocked(e)
	}
	g.mu.Unlock()

	g.notify()
	return nil
}

// OnChange registers a callback invoked after every edge creation, removal,
// or status change. Used by the analyzer to drop its memos.
func (g *Graph) OnChange(fn func()) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

func (g *Graph) notify() {
	g.mu.Lock()
	fns := make([]func(), len(g.listeners))
	copy(fns, g.listeners)
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Create validates and persists a new edge. Refusals, in order: self-edge,
// missing task, duplicate (source,target) pair, and a cycle in the
// BLOCKS ∪ REQUIRES subgraph. RELATED edges skip the cycle check.
func (g *Graph) Create(ctx context.Context, source, target string, depType types.DependencyType, actor string) (*types.Dependency, error) {
	if source == target {
		return nil, faults.Validation("target_task_id", "task cannot depend on itself")
	}
	if !depType.IsValid() {
		return nil, faults.Validation("dependency_type", "unknown dependency type %q", depType)
	}
	if _, err := g.store.GetTask(ctx, source); err != nil {
		return nil, err
	}
	if _, err := g.store.GetTask(ctx, target); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.pairExistsLocked(source, target) {
		g.mu.Unlock()
		return nil, faults.Conflict("dependency %s -> %s already exists", source, target)
	}
	if depType.Ordering() && g.reachableLocked(target, source) {
		g.mu.Unlock()
		return nil, faults.Conflict("dependency %s -> %s would create a cycle", source, target)
	}

	edge, err := g.store.AddDependency(ctx, source, target, depType, actor)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.insertLocked(edge)
	g.mu.Unlock()

	g.notify()
	c := *edge
	return &c, nil
}

// Remove deletes the edge from storage and the in-memory maps. It is
// idempotent: removing an absent edge returns false without error.
func (g *Graph) Remove(ctx context.Context, edgeID, actor string) (bool, error) {
	g.mu.Lock()
	edge, ok := g.edges[edgeID]
	if !ok {
		g.mu.Unlock()
		return false, nil
	}
	if err := g.store.RemoveDependency(ctx, edgeID, actor); err != nil && !faults.IsKind(err, faults.KindNotFound) {
		g.mu.Unlock()
		return false, err
	}
	delete(g.edges, edgeID)
	g.out[edge.SourceTaskID] = removeID(g.out[edge.SourceTaskID], edgeID)
	g.in[edge.TargetTaskID] = removeID(g.in[edge.TargetTaskID], edgeID)
	g.mu.Unlock()

	g.notify()
	return true, nil
}

// Edge returns a copy of the edge, or false when absent.
func (g *Graph) Edge(edgeID string) (*types.Dependency, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[edgeID]
	if !ok {
		return nil, false
	}
	c := *e
	return &c, true
}

// DependenciesFor returns edges where the task is the source.
func (g *Graph) DependenciesFor(taskID string) []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool { return e.SourceTaskID == taskID })
}

// Dependents returns edges where the task is the target.
func (g *Graph) Dependents(taskID string) []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool { return e.TargetTaskID == taskID })
}

// Blocked returns the BLOCKS edges the task sources: everything this task is
// currently gating.
func (g *Graph) Blocked(taskID string) []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool {
		return e.SourceTaskID == taskID && e.Type == types.DepBlocks
	})
}

// CrossRepoEdges returns every edge whose endpoints live in different
// repositories.
func (g *Graph) CrossRepoEdges() []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool { return e.IsCrossRepo() })
}

// EdgesByType returns every edge of one dependency type.
func (g *Graph) EdgesByType(t types.DependencyType) []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool { return e.Type == t })
}

// EdgesByRepo returns edges touching the repository on either side.
func (g *Graph) EdgesByRepo(repo string) []*types.Dependency {
	return g.collect(func(e *types.Dependency) bool {
		return e.SourceRepo == repo || e.TargetRepo == repo
	})
}

// EdgeCounts tallies edges by type.
func (g *Graph) EdgeCounts() map[types.DependencyType]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[types.DependencyType]int)
	for _, e := range g.edges {
		counts[e.Type]++
	}
	return counts
}

// BlockingChain walks backwards from the blocked task over incoming BLOCKS
// edges, breadth first, and returns the edges in discovery order: immediate
// blockers first, then theirs, and so on.
func (g *Graph) BlockingChain(taskID string) []*types.Dependency {
	g.mu.Lock()
	defer g.mu.Unlock()

	var chain []*types.Dependency
	visited := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edgeID := range g.in[cur] {
			e := g.edges[edgeID]
			if e.Type != types.DepBlocks {
				continue
			}
			c := *e
			chain = append(chain, &c)
			if !visited[e.SourceTaskID] {
				visited[e.SourceTaskID] = true
				queue = append(queue, e.SourceTaskID)
			}
		}
	}
	return chain
}

// UpdateStatus re-derives one edge's status from the current state of its two
// tasks. Returns true when the status changed.
func (g *Graph) UpdateStatus(ctx context.Context, edgeID string) (bool, error) {
	g.mu.Lock()
	edge, ok := g.edges[edgeID]
	if !ok {
		g.mu.Unlock()
		return false, faults.NotFound("dependency", edgeID)
	}
	sourceID, targetID := edge.SourceTaskID, edge.TargetTaskID
	g.mu.Unlock()

	source, err := g.store.GetTask(ctx, sourceID)
	if err != nil {
		return false, err
	}
	target, err := g.store.GetTask(ctx, targetID)
	if err != nil {
		return false, err
	}

	changed := false
	g.mu.Lock()
	if edge, ok = g.edges[edgeID]; ok {
		next := deriveStatus(edge.Type, source.Status, target.Status, edge.Status)
		if next != edge.Status {
			edge.Status = next
			changed = true
		}
	}
	g.mu.Unlock()

	if changed {
		g.notify()
	}
	return changed, nil
}

// UpdateAll applies the derivation rules to every edge touching a task in the
// map, in one pass under the lock. Returns how many edges changed status.
func (g *Graph) UpdateAll(statuses map[string]types.TaskStatus) int {
	g.mu.Lock()
	changed := 0
	for _, edge := range g.edges {
		srcStatus, srcOK := statuses[edge.SourceTaskID]
		tgtStatus, tgtOK := statuses[edge.TargetTaskID]
		if !srcOK && !tgtOK {
			continue
		}
		next := edge.Status
		switch edge.Type {
		case types.DepBlocks:
			if srcOK {
				next = deriveStatus(edge.Type, srcStatus, "", edge.Status)
			}
		case types.DepRequires:
			if tgtOK {
				next = deriveStatus(edge.Type, "", tgtStatus, edge.Status)
			}
		}
		if next != edge.Status {
			edge.Status = next
			changed++
		}
	}
	g.mu.Unlock()

	if changed > 0 {
		g.notify()
	}
	return changed
}

// deriveStatus maps task states onto an edge status. BLOCKS follows the
// source task, REQUIRES follows the target; RELATED never changes.
func deriveStatus(t types.DependencyType, source, target types.TaskStatus, current types.DependencyStatus) types.DependencyStatus {
	switch t {
	case types.DepBlocks:
		switch source {
		case types.StatusCompleted:
			return types.DepSatisfied
		case types.StatusFailed:
			return types.DepFailed
		case types.StatusBlocked:
			return types.DepBlocked
		default:
			return types.DepPending
		}
	case types.DepRequires:
		switch target {
		case types.StatusCompleted:
			return types.DepSatisfied
		case types.StatusFailed:
			return types.DepFailed
		default:
			return types.DepPending
		}
	}
	return current
}

// reachableLocked reports whether to is reachable from from over outgoing
// BLOCKS/REQUIRES edges. Callers hold g.mu.
func (g *Graph) reachableLocked(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, edgeID := range g.out[cur] {
			e := g.edges[edgeID]
			if !e.Type.Ordering() {
				continue
			}
			if !visited[e.TargetTaskID] {
				visited[e.TargetTaskID] = true
				queue = append(queue, e.TargetTaskID)
			}
		}
	}
	return false
}

func (g *Graph) pairExistsLocked(source, target string) bool {
	for _, edgeID := range g.out[source] {
		if g.edges[edgeID].TargetTaskID == target {
			return true
		}
	}
	return false
}

func (g *Graph) insertLocked(e *types.Dependency) {
	c := *e
	g.edges[c.ID] = &c
	g.out[c.SourceTaskID] = append(g.out[c.SourceTaskID], c.ID)
	g.in[c.TargetTaskID] = append(g.in[c.TargetTaskID], c.ID)
}

// collect snapshots matching edges under the lock, ordered by creation time
// with id as tiebreaker.
func (g *Graph) collect(keep func(*types.Dependency) bool) []*types.Dependency {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*types.Dependency
	for _, e := range g.edges {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sortEdges(out)
	return out
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
