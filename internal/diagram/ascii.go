package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "retrying":
		return "[RETRY]"
	case "skipped":
		return "[SKIP]"
	case "cancelled":
		return "[CANCEL]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel level by level with box-drawing
// characters. Soft run_after edges are listed below the boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		boxes := make([]asciiBox, 0, len(level))
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	var soft []Edge
	for _, e := range model.Edges {
		if e.Soft {
			soft = append(soft, e)
		}
	}
	if len(soft) > 0 {
		b.WriteString("\nrun after:\n")
		for _, e := range soft {
			fmt.Fprintf(&b, "  %s ┄→ %s\n", e.From, e.To)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{node.Label}
	if i := strings.Index(node.Label, "\n"); i >= 0 {
		content = []string{node.Label[:i], node.Label[i+1:]}
	}
	if node.Guard != "" {
		content = append(content, "if "+node.Guard)
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			if node.Status.Attempt > 1 {
				tag += fmt.Sprintf(" #%d", node.Status.Attempt)
			}
			content = append(content, tag)
		}
		if node.Status.Duration > 0 {
			content = append(content, node.Status.Duration.String())
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", maxLen-len([]rune(line)))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
