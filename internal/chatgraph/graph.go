package chatgraph

import (
	"context"
	"fmt"
	"time"
)

// NodeFunc runs one node against the shared turn state. A returned error
// aborts the graph; nodes that can degrade (retrieval misses, rerank
// failures) handle that internally and return nil.
type NodeFunc func(ctx context.Context, st *State) error

// Graph is a named-node state machine. The transition function inspects the
// state after each node and names the next one; empty string halts.
type Graph struct {
	start string
	nodes map[string]NodeFunc
	next  func(st *State, current string) string
}

// Run executes nodes from the start node until the transition function
// returns "". Cancellation is checked at every node boundary, and per-node
// wall time accumulates into st.Latency.
func (g *Graph) Run(ctx context.Context, st *State) error {
	if st.Latency == nil {
		st.Latency = make(map[string]time.Duration)
	}
	current := g.start
	for current != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn, ok := g.nodes[current]
		if !ok {
			return fmt.Errorf("chat graph: unknown node %q", current)
		}
		began := time.Now()
		err := fn(ctx, st)
		st.Latency[current] += time.Since(began)
		if err != nil {
			return fmt.Errorf("node %s: %w", current, err)
		}
		current = g.next(st, current)
	}
	return nil
}
