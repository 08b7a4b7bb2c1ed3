package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/dagflow/pkg/schema"
)

func newBenchStore(b *testing.B) *LibSQLStore {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func BenchmarkEventLog_Append(b *testing.B) {
	s := newBenchStore(b)
	el := NewEventLog(s)
	ctx := context.Background()
	runID := uuid.New().String()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := el.AppendEvent(ctx, &Event{RunID: runID, StepID: "s1", Type: schema.EventStepStarted}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSaveSnapshot(b *testing.B) {
	s := newBenchStore(b)
	ctx := context.Background()
	snap := &RunSnapshot{
		Run: &Run{ID: uuid.New().String(), WorkflowName: "bench", Status: schema.WorkflowStatusRunning},
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		snap.Steps = append(snap.Steps, &StepState{RunID: snap.Run.ID, StepID: id, Status: schema.StepStatusPending})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			b.Fatal(err)
		}
	}
}
