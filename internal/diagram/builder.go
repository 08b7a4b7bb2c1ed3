package diagram

import (
	"fmt"

	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition and optional step
// states. Topology comes from engine.ParseDAG, so an invalid definition fails
// here with the same error Define would return.
func Build(def *schema.WorkflowDefinition, states []*store.StepState) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(dag.Order)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		n := dag.Nodes[id]
		node := &Node{
			ID:    id,
			Label: nodeLabel(n),
			Kind:  NodeKind(n.Kind),
			Guard: n.Def.Guard,
		}
		if ss, ok := stateMap[id]; ok {
			node.Status = overlay(ss)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{EndID})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: levels,
	}, nil
}

// nodeLabel is the step display name plus its handler on a second line.
func nodeLabel(n *engine.Node) string {
	label := n.Def.DisplayName()
	if n.Def.Handler != "" {
		label += "\n(" + n.Def.Handler + ")"
	}
	return label
}

func overlay(ss *store.StepState) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(ss.Status),
		Attempt:    ss.Attempt,
		Actor:      ss.ActorID,
		SkipReason: ss.SkipReason,
	}
	if ss.StartedAt != nil && ss.FinishedAt != nil {
		o.Duration = ss.FinishedAt.Sub(*ss.StartedAt)
	}
	if ss.Error != nil {
		o.Error = fmt.Sprintf("[%s] %s", ss.Error.Code, ss.Error.Message)
	}
	return o
}

// buildEdges walks steps in declaration order so output is stable.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: StartID, To: root})
	}
	for _, id := range dag.Order {
		for _, dep := range dag.Edges[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
		for _, after := range dag.After[id] {
			edges = append(edges, Edge{From: after, To: id, Soft: true})
		}
	}
	for _, sink := range dag.Sinks {
		edges = append(edges, Edge{From: sink, To: EndID})
	}
	return edges
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
