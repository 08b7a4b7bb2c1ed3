package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/dagflow/pkg/schema"
)

// validateDAG performs graph analysis on the depends_on edges: cycle detection
// (Kahn's algorithm) and run_after hints that contradict the hard ordering.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// edges[id] = dependencies of id, reverse[id] = dependents of id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stepIDs[dep] || seen[dep] {
				continue // invalid refs are reported by the semantic stage
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	inDegree := make(map[string]int, len(stepIDs))
	queue := make([]string, 0, len(stepIDs))
	for id := range stepIDs {
		inDegree[id] = len(edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(stepIDs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited[node] = true
		for _, dependent := range reverse[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(visited) != len(stepIDs) {
		var stuck []string
		for id := range stepIDs {
			if !visited[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a dependency cycle through steps %s", strings.Join(stuck, ", ")))
		return result
	}

	// A run_after hint naming one of the step's own dependents can never be honoured.
	for i, s := range def.Steps {
		if len(s.RunAfter) == 0 {
			continue
		}
		downstream := descendants(s.ID, reverse)
		for j, after := range s.RunAfter {
			if downstream[after] {
				result.AddWarning(fmt.Sprintf("steps[%d].run_after[%d]", i, j), schema.ErrCodeValidation,
					fmt.Sprintf("run_after %q contradicts depends_on: %q already runs after %q", after, after, s.ID))
			}
		}
	}

	return result
}

// descendants returns every step reachable from id through dependent edges.
func descendants(id string, reverse map[string][]string) map[string]bool {
	out := make(map[string]bool)
	queue := append([]string(nil), reverse[id]...)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if out[node] {
			continue
		}
		out[node] = true
		queue = append(queue, reverse[node]...)
	}
	return out
}
