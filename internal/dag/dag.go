package dag

import (
	"slices"
)

// New returns an empty Graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*vertex)}
}

// Add registers a task. Adding a known id is a no-op.
func (g *Graph) Add(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(id)
}

func (g *Graph) addLocked(id string) *vertex {
	if v, ok := g.tasks[id]; ok {
		return v
	}
	v := &vertex{id: id, rank: len(g.added), needs: make(map[string]*vertex), feeds: make(map[string]*vertex)}
	g.tasks[id] = v
	g.added = append(g.added, id)
	return v
}

// Contains reports whether id was added.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tasks[id]
	return ok
}

// Size is the number of tasks.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Need records that consumer cannot start before producer finishes. Unknown
// ids are added. A task that needs itself is a *CycleError.
func (g *Graph) Need(consumer, producer string) error {
	if consumer == producer {
		return &CycleError{Path: []string{consumer, consumer}}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, p := g.addLocked(consumer), g.addLocked(producer)
	c.needs[producer] = p
	p.feeds[consumer] = c
	return nil
}

// Needs returns the producers of id in the order they were added.
func (g *Graph) Needs(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.tasks[id]; ok {
		return ranked(v.needs)
	}
	return nil
}

// Feeds returns the consumers of id in the order they were added.
func (g *Graph) Feeds(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.tasks[id]; ok {
		return ranked(v.feeds)
	}
	return nil
}

// Cycle returns the first cycle reachable from the earliest added task as a
// *CycleError, or nil when the graph is acyclic.
func (g *Graph) Cycle() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cycleLocked()
}

const (
	unseen = iota
	open
	closed
)

func (g *Graph) cycleLocked() error {
	mark := make(map[string]int, len(g.tasks))
	var path []string

	var walk func(v *vertex) []string
	walk = func(v *vertex) []string {
		switch mark[v.id] {
		case closed:
			return nil
		case open:
			at := slices.Index(path, v.id)
			return append(slices.Clone(path[at:]), v.id)
		}
		mark[v.id] = open
		path = append(path, v.id)
		for _, id := range ranked(v.feeds) {
			if c := walk(g.tasks[id]); c != nil {
				return c
			}
		}
		path = path[:len(path)-1]
		mark[v.id] = closed
		return nil
	}

	for _, id := range g.added {
		if c := walk(g.tasks[id]); c != nil {
			return &CycleError{Path: c}
		}
	}
	return nil
}

// Order lists every task after all of its producers. Among tasks that are
// ready at the same time the earlier added one comes first.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.cycleLocked(); err != nil {
		return nil, err
	}

	waiting := make(map[string]int, len(g.tasks))
	var ready []*vertex
	for _, id := range g.added {
		v := g.tasks[id]
		waiting[id] = len(v.needs)
		if waiting[id] == 0 {
			ready = append(ready, v)
		}
	}

	out := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		next := slices.MinFunc(ready, func(a, b *vertex) int { return a.rank - b.rank })
		ready = slices.DeleteFunc(ready, func(v *vertex) bool { return v == next })
		out = append(out, next.id)
		for _, c := range next.feeds {
			if waiting[c.id]--; waiting[c.id] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return out, nil
}

func ranked(m map[string]*vertex) []string {
	vs := make([]*vertex, 0, len(m))
	for _, v := range m {
		vs = append(vs, v)
	}
	slices.SortFunc(vs, func(a, b *vertex) int { return a.rank - b.rank })
	ids := make([]string, len(vs))
	for i, v := range vs {
		ids[i] = v.id
	}
	return ids
}
