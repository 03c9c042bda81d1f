// Package graph holds the per-contract clause dependency DAG.
//
// Edges point from a clause to the clause it depends on. Node order is
// canonical (sorted by key) so traversal results are deterministic.
package graph

import (
	"container/heap"
	"sort"

	"clauseline/internal/domain"
)

type Graph struct {
	nodes      []string
	index      map[string]int
	deps       [][]int // node -> dependencies, sorted
	dependents [][]int // node -> dependents, sorted
}

// New builds a graph from an adjacency map of clause key -> dependency keys.
// Keys that only appear as dependencies become nodes too.
func New(edges map[string][]string) *Graph {
	set := map[string]struct{}{}
	for from, tos := range edges {
		set[from] = struct{}{}
		for _, to := range tos {
			set[to] = struct{}{}
		}
	}
	g := &Graph{index: make(map[string]int, len(set))}
	for n := range set {
		g.nodes = append(g.nodes, n)
	}
	sort.Strings(g.nodes)
	for i, n := range g.nodes {
		g.index[n] = i
	}
	g.deps = make([][]int, len(g.nodes))
	g.dependents = make([][]int, len(g.nodes))
	for from, tos := range edges {
		fi := g.index[from]
		for _, to := range tos {
			ti := g.index[to]
			g.deps[fi] = appendUnique(g.deps[fi], ti)
			g.dependents[ti] = appendUnique(g.dependents[ti], fi)
		}
	}
	for i := range g.nodes {
		sort.Ints(g.deps[i])
		sort.Ints(g.dependents[i])
	}
	return g
}

// FromClauses builds the graph for a contract's clauses.
func FromClauses(clauses []domain.Clause) *Graph {
	edges := make(map[string][]string, len(clauses))
	for _, c := range clauses {
		edges[c.Key] = append([]string(nil), c.Dependencies...)
	}
	return New(edges)
}

// Validate proves the graph acyclic. On failure it returns a *domain.CycleError
// carrying a deterministic witness path.
func (g *Graph) Validate() error {
	if len(g.topoIndices()) == len(g.nodes) {
		return nil
	}
	return &domain.CycleError{Path: g.findCycle()}
}

// Downstream returns every transitive dependent of node, each after all of
// its own dependencies. Nodes on a cycle are left out.
func (g *Graph) Downstream(node string) []string {
	root, ok := g.index[node]
	if !ok {
		return nil
	}
	reach := make([]bool, len(g.nodes))
	stack := []int{root}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range g.dependents[u] {
			if !reach[v] {
				reach[v] = true
				stack = append(stack, v)
			}
		}
	}
	var out []int
	for _, i := range g.topoIndices() {
		if reach[i] && i != root {
			out = append(out, i)
		}
	}
	return g.names(out)
}

// CycleWith reports the cycle that adding edges from -> each of tos would
// close, or nil if the edges keep the graph acyclic. The returned path starts
// and ends at from.
func (g *Graph) CycleWith(from string, tos []string) []string {
	for _, to := range tos {
		if to == from {
			return []string{from, from}
		}
	}
	fi, ok := g.index[from]
	if !ok {
		// A node outside the graph has no dependents, so it cannot be reached.
		return nil
	}
	sorted := append([]string(nil), tos...)
	sort.Strings(sorted)
	for _, to := range sorted {
		ti, ok := g.index[to]
		if !ok {
			continue
		}
		if path := g.pathTo(ti, fi); path != nil {
			return append([]string{from}, g.names(path)...)
		}
	}
	return nil
}

// pathTo walks dependency edges breadth-first from src and returns the node
// path src..dst, or nil if dst is unreachable.
func (g *Graph) pathTo(src, dst int) []int {
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	visited := make([]bool, len(g.nodes))
	visited[src] = true
	queue := []int{src}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if u == dst {
			var rev []int
			for cur := dst; cur != -1; cur = parent[cur] {
				rev = append(rev, cur)
			}
			out := make([]int, len(rev))
			for i := range rev {
				out[i] = rev[len(rev)-1-i]
			}
			return out
		}
		for _, v := range g.deps[u] {
			if !visited[v] {
				visited[v] = true
				parent[v] = u
				queue = append(queue, v)
			}
		}
	}
	return nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoIndices runs Kahn's algorithm with a min-heap ready queue.
func (g *Graph) topoIndices() []int {
	pending := make([]int, len(g.nodes))
	ready := &intMinHeap{}
	for i := range g.nodes {
		pending[i] = len(g.deps[i])
		if pending[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(g.nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			pending[m]--
			if pending[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle with an iterative DFS over canonical indices.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	type frame struct{ node, next int }
	for start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(g.deps[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			v := g.deps[top.node][top.next]
			top.next++
			switch color[v] {
			case white:
				color[v] = gray
				parent[v] = top.node
				stack = append(stack, frame{node: v})
			case gray:
				// back edge top.node -> v closes v .. top.node -> v
				var rev []int
				for cur := top.node; cur != -1 && cur != v; cur = parent[cur] {
					rev = append(rev, cur)
				}
				path := []int{v}
				for i := len(rev) - 1; i >= 0; i-- {
					path = append(path, rev[i])
				}
				path = append(path, v)
				return g.names(path)
			}
		}
	}
	return nil
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i])
	}
	return out
}

func appendUnique(items []int, v int) []int {
	for _, it := range items {
		if it == v {
			return items
		}
	}
	return append(items, v)
}
