// Package flamegraph renders call-stack/self-time output: one line per
// distinct call stack, "frame1;frame2;...;frameN count", count being the
// number of trace ticks attributable to that exact stack, excluding time
// spent in callees.
package flamegraph

import (
	"fmt"
	"io"
	"strings"

	"tarmacidx/index"
)

// Graph is a collapsed-stack flame graph: one count per distinct stack,
// in first-seen order (stable output across runs of the same trace).
type Graph struct {
	counts map[string]uint64
	order  []string
}

// Build walks every sequential node in trace order, reconstructing the
// call stack from call_depth and attributing each line's tick to the
// exact stack active at that line.
func Build(nav *index.Navigator) (*Graph, error) {
	g := &Graph{counts: make(map[string]uint64)}

	node, ok, err := nav.FindBufferLimit(-1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return g, nil
	}

	var stack []string
	for {
		for uint32(len(stack)) > node.CallDepth+1 {
			stack = stack[:len(stack)-1]
		}
		for uint32(len(stack)) < node.CallDepth+1 {
			stack = append(stack, "?")
		}
		stack[len(stack)-1] = nav.GetSymbolicAddress(node.PC, true)

		key := strings.Join(stack, ";")
		if _, seen := g.counts[key]; !seen {
			g.order = append(g.order, key)
		}
		g.counts[key]++

		next, hasNext, err := nav.NextNode(node.FirstLine)
		if err != nil {
			return nil, err
		}
		if !hasNext {
			break
		}
		node = next
	}
	return g, nil
}

// WriteTo emits the collapsed-stack lines in first-seen order.
func (g *Graph) WriteTo(w io.Writer) error {
	for _, key := range g.order {
		if _, err := fmt.Fprintf(w, "%s %d\n", key, g.counts[key]); err != nil {
			return err
		}
	}
	return nil
}

// Counts exposes the raw stack -> tick-count map, for callers that want to
// post-process rather than print directly (e.g. tests).
func (g *Graph) Counts() map[string]uint64 { return g.counts }
