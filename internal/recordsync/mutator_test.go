package recordsync

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMutatorRejectsDuplicateInFlight(t *testing.T) {
	var mu sync.Mutex
	m := NewOptimisticMutator(&mu)
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", map[string]any{"read": false})})

	release := make(chan struct{})
	mutation := Mutation{
		ID:      "1",
		Command: "markRead",
		Effect:  PatchEffect(map[string]any{"read": true}),
		Send:    func() error { <-release; return nil },
	}
	mu.Lock()
	first, err := m.Apply(store, mutation, nil)
	if err != nil {
		mu.Unlock()
		t.Fatalf("first apply failed: %v", err)
	}
	got, _ := store.Get("1")
	if !got.Bool("read") {
		mu.Unlock()
		t.Fatalf("expected patch applied before the remote answers")
	}
	if _, err := m.Apply(store, mutation, nil); !errors.Is(err, ErrBusy) {
		mu.Unlock()
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !m.Busy("1", "markRead") || m.Busy("1", "delete") || m.InFlight() != 1 {
		mu.Unlock()
		t.Fatalf("unexpected in-flight bookkeeping")
	}
	mu.Unlock()

	close(release)
	if err := first.Wait(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if m.InFlight() != 0 {
		t.Fatalf("expected in-flight entry cleared")
	}
}

func TestMutatorSettlesBeforeCompletion(t *testing.T) {
	var mu sync.Mutex
	m := NewOptimisticMutator(&mu)
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", nil), rec("2", nil)})
	sendErr := errors.New("offline")

	var order []string
	var settledWith *Record
	mu.Lock()
	completion, err := m.Apply(store, Mutation{
		ID:      "1",
		Command: "delete",
		Effect:  RemovalEffect(),
		Class:   Destructive,
		Send:    func() error { return sendErr },
	}, func(removed *Record, err error) func() {
		order = append(order, "settle")
		settledWith = removed
		return func() { order = append(order, "after") }
	})
	mu.Unlock()
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := completion.Wait(context.Background()); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if len(order) != 2 || order[0] != "settle" || order[1] != "after" {
		t.Fatalf("unexpected settle order %v", order)
	}
	if settledWith == nil || settledWith.ID != "1" || completion.Removed() == nil {
		t.Fatalf("expected removed record handed to settle and completion")
	}
	mu.Lock()
	defer mu.Unlock()
	if got := ids(store.Snapshot()); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected failed removal to stay removed locally, got %v", got)
	}
}

func TestMutatorOverlayKeepsPendingEffects(t *testing.T) {
	var mu sync.Mutex
	m := NewOptimisticMutator(&mu)
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", map[string]any{"read": false}), rec("2", nil), rec("3", nil)})

	release := make(chan struct{})
	defer close(release)
	block := func() error { <-release; return nil }
	mu.Lock()
	defer mu.Unlock()
	if _, err := m.Apply(store, Mutation{ID: "1", Command: "markRead", Effect: PatchEffect(map[string]any{"read": true}), Send: block}, nil); err != nil {
		t.Fatalf("patch apply failed: %v", err)
	}
	if _, err := m.Apply(store, Mutation{ID: "2", Command: "delete", Effect: RemovalEffect(), Send: block}, nil); err != nil {
		t.Fatalf("remove apply failed: %v", err)
	}

	fresh := []Record{rec("1", map[string]any{"read": false}), rec("2", nil), rec("3", nil)}
	out := m.Overlay(fresh)
	if got := ids(out); len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Fatalf("expected pending removal filtered, got %v", got)
	}
	if !out[0].Bool("read") {
		t.Fatalf("expected pending patch overlaid")
	}
	if fresh[0].Bool("read") {
		t.Fatalf("expected overlay to leave the input untouched")
	}
}
