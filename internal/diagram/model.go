package diagram

import (
	"fmt"
	"time"
)

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindTask        NodeKind = "task"
	NodeKindSubWorkflow NodeKind = "sub_workflow"
	NodeKindDecision    NodeKind = "decision"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindWait        NodeKind = "wait"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node IDs framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Guard  string
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	Attempt    int
	Actor      string
	Duration   time.Duration
	Error      string
	SkipReason string
}

// Edge is a dependency between two nodes. Soft edges come from run_after
// hints and never gate readiness.
type Edge struct {
	From string
	To   string
	Soft bool
}

// Format names an output format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatSVG     Format = "svg"
	FormatPNG     Format = "png"
)

// Binary reports whether the format renders to image bytes.
func (f Format) Binary() bool {
	return f == FormatPNG
}

// Render renders model in the given format.
func Render(model *DiagramModel, format Format) ([]byte, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatSVG, FormatPNG:
		return RenderImage(model, format)
	}
	return nil, fmt.Errorf("diagram: unknown format %q", format)
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
