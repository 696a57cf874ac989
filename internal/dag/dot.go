package dag

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/swarmguard/craterd/internal/model"
)

// DumpDOTFile builds a fresh graph for experiment under config and writes
// its DOT serialization to destPath. Because the graph is built anew, the
// output never reflects any running state.
func DumpDOTFile(experiment *model.Experiment, config Config, executor Executor, destPath string) error {
	g := Build(experiment, config, executor)
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("dump dot: %w", err)
	}
	if err := g.DumpDOT(f); err != nil {
		f.Close()
		return fmt.Errorf("dump dot: %w", err)
	}
	return f.Close()
}

// DumpDOT writes a human-readable DOT serialization of g to w. Diagnostic
// only: it reads the node/edge shape and never mutates task state.
func (g *Graph) DumpDOT(w io.Writer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if _, err := fmt.Fprintln(w, "digraph {"); err != nil {
		return err
	}
	for _, id := range ids {
		n := g.nodes[id]
		if _, err := fmt.Fprintf(w, "    %d [label=%q];\n", id, label(n)); err != nil {
			return err
		}
	}
	for _, id := range ids {
		n := g.nodes[id]
		for _, dep := range n.out {
			if _, err := fmt.Fprintf(w, "    %d -> %d;\n", id, dep); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func label(n *node) string {
	switch n.kind {
	case nodeRoot:
		return "root"
	case nodeCrateCompleted:
		return fmt.Sprintf("crate completed: %s", n.pkg)
	case nodePrepare:
		return fmt.Sprintf("prepare(%s)", n.pkg)
	case nodeTask:
		spec := n.task.Spec()
		if n.running {
			return "running: " + spec.String()
		}
		return spec.String()
	default:
		return "?"
	}
}
