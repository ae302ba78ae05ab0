package storage_test

import (
	"context"
	"testing"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/storage/memory"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func TestInstrumentDisabledReturnsInner(t *testing.T) {
	inner := memory.New()
	if got := storage.Instrument(inner, false); got != storage.Store(inner) {
		t.Error("disabled instrumentation must return the inner store unchanged")
	}
}

func TestInstrumentedPassThrough(t *testing.T) {
	ctx := context.Background()
	store := storage.Instrument(memory.New(), true)
	if _, ok := store.(*storage.Instrumented); !ok {
		t.Fatalf("Instrument returned %T, want *storage.Instrumented", store)
	}

	created, err := store.CreateTask(ctx, &types.Task{
		Title:      "wire tracing",
		Repository: "svc-auth",
		Status:     types.StatusPending,
		Priority:   types.PriorityMedium,
	}, "tester")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "wire tracing" {
		t.Errorf("title = %q", got.Title)
	}

	// Errors must flow through the decorator untouched.
	if _, err := store.GetTask(ctx, "missing"); !faults.IsKind(err, faults.KindNotFound) {
		t.Errorf("GetTask(missing) = %v, want NOT_FOUND", err)
	}
}
