package dag

import (
	"strings"
	"sync"
)

// Graph is the dependency graph of a set of tasks. It is safe for concurrent
// use. Tasks keep the order they were added in, which breaks ties in Order.
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*vertex
	added []string
}

type vertex struct {
	id    string
	rank  int
	needs map[string]*vertex
	feeds map[string]*vertex
}

// CycleError reports a dependency cycle. Path starts and ends with the same
// task and follows producer to consumer.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}
