package bus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ramuslabs/ramus/event"
)

func newTestStore(t *testing.T) *SQLiteEventStore {
	t.Helper()
	s, err := NewSQLiteEventStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "events.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteEventStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := event.Event{
		Type:       event.DAGNodeStart,
		RunID:      "run-1",
		Step:       "step-1",
		Source:     "wf",
		SourceNode: "fetch",
		StartTime:  time.Now().UTC(),
		Seq:        1,
		Data:       map[string]any{"input": float64(7)},
		Meta:       map[string]any{"tenant": "acme"},
	}
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := s.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("List() returned %d events, want 1", len(events))
	}

	got := events[0]
	if got.Type != e.Type || got.Step != e.Step || got.SourceNode != e.SourceNode {
		t.Errorf("round-tripped event = %+v", got)
	}
	if got.Meta["tenant"] != "acme" {
		t.Errorf("meta = %v, want tenant preserved", got.Meta)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["input"] != float64(7) {
		t.Errorf("data = %v, want the JSON payload back", got.Data)
	}
}

func TestSQLiteEventStore_ErrorDataFlattens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := event.Event{
		Type:  event.DAGNodeError,
		RunID: "run-1",
		Step:  "step-1",
		Seq:   1,
		Data:  event.ErrorData{Error: errors.New("kaboom")},
	}
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, _ := s.List(ctx, "run-1", 0, 0)
	data := events[0].Data.(map[string]any)
	if data["error"] != "kaboom" {
		t.Fatalf("error payload = %v, want the message", data["error"])
	}
}

func TestSQLiteEventStore_ListAfterSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		_ = s.Append(ctx, event.Event{Type: event.StepStart, RunID: "run-1", Step: "s", Seq: i})
	}

	events, err := s.List(ctx, "run-1", 3, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("List(afterSeq=3) seqs = %v, want [4 5]", seqsOf(events))
	}

	latest, err := s.LatestSeq(ctx, "run-1")
	if err != nil || latest != 5 {
		t.Fatalf("LatestSeq() = (%d, %v), want (5, nil)", latest, err)
	}
}

func TestSQLiteEventStore_RunIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, event.Event{RunID: "run-b", Step: "s", Seq: 1})
	_ = s.Append(ctx, event.Event{RunID: "run-a", Step: "s", Seq: 1})
	_ = s.Append(ctx, event.Event{RunID: "run-a", Step: "s", Seq: 2})

	ids, err := s.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "run-a" || ids[1] != "run-b" {
		t.Fatalf("RunIDs() = %v, want [run-a run-b]", ids)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	s, err := NewSQLiteEventStore(SQLiteStoreConfig{
		DSN:            filepath.Join(t.TempDir(), "events.db"),
		RetentionCount: 2,
		PruneInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		_ = s.Append(ctx, event.Event{RunID: "run-1", Step: "s", Seq: i})
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	events, _ := s.List(ctx, "run-1", 0, 0)
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("post-prune seqs = %v, want the most recent two", seqsOf(events))
	}
}

func TestStoreSubscriber_PersistsEvents(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(event.Event{Type: event.StepStart, RunID: "run-1", Seq: 1})
	sub.Handle(event.Event{Type: event.StepEnd, RunID: "run-1", Seq: 2})

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("persisted %d events, want 2", len(events))
	}
}
