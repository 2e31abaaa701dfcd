package core

import (
	"container/heap"
	"sort"
)

// Graph is an immutable, validated stage graph. Stages keep their declaration
// index, which breaks ties in the topological order.
//
// It is safe for concurrent read access and may be reused across runs.
type Graph struct {
	name          string
	defaultBranch string

	stages []Stage // declaration order
	index  map[string]int

	deps       [][]int // by declaration index, sorted ascending
	dependents [][]int // by declaration index, sorted ascending
	order      []int   // topological order
}

// NewGraph validates stages and builds a Graph. It rejects empty or duplicate
// names, dangling or duplicate dependencies, self-dependencies and cycles
// with a ConfigError.
func NewGraph(name, defaultBranch string, stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, configf("pipeline %q has no stages", name)
	}
	if defaultBranch == "" {
		defaultBranch = DefaultBranchName
	}

	g := &Graph{
		name:          name,
		defaultBranch: defaultBranch,
		stages:        make([]Stage, 0, len(stages)),
		index:         make(map[string]int, len(stages)),
	}
	for _, s := range stages {
		if s.Name == "" {
			return nil, configf("stage name is required")
		}
		if _, dup := g.index[s.Name]; dup {
			return nil, configf("duplicate stage name %q", s.Name)
		}
		if s.Action == nil {
			return nil, configf("stage %q has no action", s.Name)
		}
		g.index[s.Name] = len(g.stages)
		g.stages = append(g.stages, s.clone())
	}

	g.deps = make([][]int, len(g.stages))
	g.dependents = make([][]int, len(g.stages))
	for i, s := range g.stages {
		seen := make(map[int]bool, len(s.DependsOn))
		for _, d := range s.DependsOn {
			j, ok := g.index[d]
			if !ok {
				return nil, configf("stage %q depends on unknown stage %q", s.Name, d)
			}
			if j == i {
				return nil, cycleError([]string{s.Name, s.Name})
			}
			if seen[j] {
				return nil, configf("stage %q lists dependency %q twice", s.Name, d)
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	for i := range g.deps {
		sort.Ints(g.deps[i])
		sort.Ints(g.dependents[i])
	}

	g.order = g.topoOrder()
	if len(g.order) != len(g.stages) {
		return nil, cycleError(g.findCycle())
	}
	return g, nil
}

func (g *Graph) Name() string          { return g.name }
func (g *Graph) DefaultBranch() string { return g.defaultBranch }
func (g *Graph) Len() int              { return len(g.stages) }

// Stage returns a copy of the named stage.
func (g *Graph) Stage(name string) (Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return Stage{}, false
	}
	return g.stages[i].clone(), true
}

// Stages returns copies of all stages in declaration order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	for i, s := range g.stages {
		out[i] = s.clone()
	}
	return out
}

// Order returns stage names in execution order: every stage appears after all
// of its dependencies, ties broken by declaration order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	for i, idx := range g.order {
		out[i] = g.stages[idx].Name
	}
	return out
}

// Downstream returns every stage that transitively depends on name, in execution order.
func (g *Graph) Downstream(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.stages))
	stack := append([]int(nil), g.dependents[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] {
			continue
		}
		seen[u] = true
		stack = append(stack, g.dependents[u]...)
	}
	var out []string
	for _, idx := range g.order {
		if seen[idx] {
			out = append(out, g.stages[idx].Name)
		}
	}
	return out
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

// topoOrder runs Kahn's algorithm with a min-heap keyed by declaration index,
// so the result is the same on every run. It returns fewer than Len() stages
// when a cycle exists.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.stages))
	for i := range g.deps {
		indeg[i] = len(g.deps[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as a closed path of stage names, following
// dependency edges (a -> b means a depends on b).
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.stages))
	var stack []int
	var cycle []int

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				if visit(v) {
					return true
				}
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append(append([]int(nil), stack[i:]...), v)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.stages {
		if color[i] == white && visit(i) {
			break
		}
	}

	names := make([]string, len(cycle))
	for i, idx := range cycle {
		names[i] = g.stages[idx].Name
	}
	return names
}
