package engine

import (
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// AggregateProgress derives run progress from step states.
// Percent is completed/total*100, and 0 for an empty run. The result is
// always recomputed; Run.Progress is only a cache of it.
func AggregateProgress(states []*store.StepState) store.Progress {
	p := store.Progress{Total: len(states)}
	for _, st := range states {
		switch st.Status {
		case schema.StepStatusCompleted:
			p.Completed++
		case schema.StepStatusFailed:
			p.Failed++
		case schema.StepStatusSkipped:
			p.Skipped++
		case schema.StepStatusCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}
