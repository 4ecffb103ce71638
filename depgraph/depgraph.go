// Package depgraph maintains the directed depends-on relation between
// tasks. Blocking edges (Blocked By / Blocks) must stay acyclic;
// Related To edges are symmetric annotations outside the cycle check.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"strata-core/domain"
)

// ErrSelfDependency rejects an edge from a task to itself.
var ErrSelfDependency = errors.New("task cannot depend on itself")

// ErrEdgeNotFound is returned by RemoveEdge for an unknown edge.
var ErrEdgeNotFound = errors.New("dependency edge not found")

// CycleError reports an edge insertion that would close a cycle in
// the blocking subgraph. Path is the existing chain from the proposed
// prerequisite back to the dependent task.
type CycleError struct {
	TaskID    string
	DependsOn string
	Path      []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependsOn)
}

// Graph is a concurrency-safe dependency graph. The blocking relation
// is stored as blockers[task] = set of prerequisite tasks; an edge
// added as Blocks(a,b) is recorded as b blocked by a.
type Graph struct {
	mu       sync.RWMutex
	blockers map[string]map[string]struct{}
	related  map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		blockers: make(map[string]map[string]struct{}),
		related:  make(map[string]map[string]struct{}),
	}
}

// AddEdge inserts an edge of the given kind. Blocking edges are
// checked for self-dependency and cycles before insertion; a rejected
// call leaves the graph unchanged.
func (g *Graph) AddEdge(taskID, dependsOn string, kind domain.DependencyKind) error {
	if taskID == dependsOn {
		return ErrSelfDependency
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch kind {
	case domain.DependencyRelatedTo:
		addToSet(g.related, taskID, dependsOn)
		addToSet(g.related, dependsOn, taskID)
		return nil
	case domain.DependencyBlockedBy:
		// taskID is blocked by dependsOn.
		return g.addBlockingLocked(taskID, dependsOn)
	case domain.DependencyBlocks:
		// taskID blocks dependsOn, i.e. dependsOn is blocked by taskID.
		return g.addBlockingLocked(dependsOn, taskID)
	default:
		return fmt.Errorf("unknown dependency kind %q", kind)
	}
}

// addBlockingLocked records blocked as depending on prerequisite,
// rejecting the edge when prerequisite already (transitively) depends
// on blocked.
func (g *Graph) addBlockingLocked(blocked, prerequisite string) error {
	if path := g.pathLocked(prerequisite, blocked); path != nil {
		return CycleError{TaskID: blocked, DependsOn: prerequisite, Path: path}
	}
	addToSet(g.blockers, blocked, prerequisite)
	return nil
}

// pathLocked returns a dependency chain from task "from" back to "to"
// following blocker edges, or nil when "to" is unreachable.
func (g *Graph) pathLocked(from, to string) []string {
	if from == to {
		return []string{from}
	}
	visited := map[string]struct{}{from: {}}
	stack := [][]string{{from}}
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.blockers[path[len(path)-1]] {
			if next == to {
				return append(path, next)
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			branch := make([]string, len(path), len(path)+1)
			copy(branch, path)
			stack = append(stack, append(branch, next))
		}
	}
	return nil
}

// RemoveEdge deletes a previously added edge of the given kind.
func (g *Graph) RemoveEdge(taskID, dependsOn string, kind domain.DependencyKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch kind {
	case domain.DependencyRelatedTo:
		if !removeFromSet(g.related, taskID, dependsOn) {
			return ErrEdgeNotFound
		}
		removeFromSet(g.related, dependsOn, taskID)
		return nil
	case domain.DependencyBlockedBy:
		if !removeFromSet(g.blockers, taskID, dependsOn) {
			return ErrEdgeNotFound
		}
		return nil
	case domain.DependencyBlocks:
		if !removeFromSet(g.blockers, dependsOn, taskID) {
			return ErrEdgeNotFound
		}
		return nil
	default:
		return fmt.Errorf("unknown dependency kind %q", kind)
	}
}

// Blockers returns the direct prerequisites of a task, sorted for
// stable output.
func (g *Graph) Blockers(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.blockers[taskID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Related returns the tasks annotated as related to taskID, sorted.
func (g *Graph) Related(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.related[taskID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsBlocked reports whether any direct blocker of the task is not yet
// done, per the supplied status lookup. The predicate is advisory:
// whether a blocked task may still transition to Done is a policy of
// the mutation layer, not of this graph.
func (g *Graph) IsBlocked(taskID string, isDone func(taskID string) bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id := range g.blockers[taskID] {
		if !isDone(id) {
			return true
		}
	}
	return false
}

// Edges returns every blocking edge as (task, depends-on) pairs in
// stable order. Related annotations are not included.
func (g *Graph) Edges() []domain.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.DependencyEdge, 0, len(g.blockers))
	for task, set := range g.blockers {
		for dep := range set {
			out = append(out, domain.DependencyEdge{TaskID: task, DependsOn: dep, Kind: domain.DependencyBlockedBy})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].DependsOn < out[j].DependsOn
	})
	return out
}

func addToSet(m map[string]map[string]struct{}, key, val string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[val] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, val string) bool {
	set, ok := m[key]
	if !ok {
		return false
	}
	if _, ok := set[val]; !ok {
		return false
	}
	delete(set, val)
	if len(set) == 0 {
		delete(m, key)
	}
	return true
}
