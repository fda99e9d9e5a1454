package recordsync

import (
	"reflect"
	"testing"
)

func rec(id string, fields map[string]any) Record {
	return Record{ID: id, Fields: fields}
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.ID
	}
	return out
}

func TestRecordStoreRemoveIsIdempotent(t *testing.T) {
	once := NewRecordStore()
	once.ReplaceAll([]Record{rec("1", nil), rec("2", nil), rec("3", nil)})
	once.Remove("2")

	twice := NewRecordStore()
	twice.ReplaceAll([]Record{rec("1", nil), rec("2", nil), rec("3", nil)})
	twice.Remove("2")
	if _, ok := twice.Remove("2"); ok {
		t.Fatalf("expected second remove to report nothing removed")
	}

	if !reflect.DeepEqual(ids(once.Snapshot()), ids(twice.Snapshot())) {
		t.Fatalf("expected identical state, got %v and %v", ids(once.Snapshot()), ids(twice.Snapshot()))
	}
}

func TestRecordStoreNeverHoldsDuplicateIDs(t *testing.T) {
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", nil), rec("2", nil), rec("1", map[string]any{"dup": true})})
	store.UpsertFront(rec("2", nil))
	store.UpsertFront(rec("3", nil))
	MergeExternal(store, WireRecord{"id": "3"}, noteTestSchema, nil)
	MergeExternal(store, WireRecord{"id": float64(1)}, noteTestSchema, nil)

	seen := map[string]bool{}
	for _, record := range store.Snapshot() {
		if seen[record.ID] {
			t.Fatalf("duplicate id %q in %v", record.ID, ids(store.Snapshot()))
		}
		seen[record.ID] = true
	}
	if got := ids(store.Snapshot()); !reflect.DeepEqual(got, []string{"3", "1", "2"}) {
		t.Fatalf("unexpected order %v", got)
	}
	first, _ := store.Get("1")
	if first.Bool("dup") {
		t.Fatalf("expected first occurrence of a duplicated id to win")
	}
}

func TestRecordStoreUpsertFrontLeavesExistingUntouched(t *testing.T) {
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", map[string]any{"title": "a"}), rec("2", nil)})
	if store.UpsertFront(rec("2", map[string]any{"title": "b"})) {
		t.Fatalf("expected upsert of existing id to be rejected")
	}
	if got := ids(store.Snapshot()); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Fatalf("expected order unchanged, got %v", got)
	}
}

func TestRecordStorePatchMergesShallowly(t *testing.T) {
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", map[string]any{"title": "a", "read": false})})
	if !store.Patch("1", map[string]any{"read": true}) {
		t.Fatalf("expected patch to apply")
	}
	if store.Patch("missing", map[string]any{"read": true}) {
		t.Fatalf("expected patch of missing id to be a no-op")
	}
	got, _ := store.Get("1")
	if got.String("title") != "a" || !got.Bool("read") {
		t.Fatalf("unexpected fields after patch: %#v", got.Fields)
	}
}

func TestRecordStoreSnapshotIsDetached(t *testing.T) {
	store := NewRecordStore()
	store.ReplaceAll([]Record{rec("1", map[string]any{"read": false})})
	snap := store.Snapshot()
	snap[0].Fields["read"] = true
	snap[0] = rec("9", nil)

	got, ok := store.Get("1")
	if !ok || got.Bool("read") {
		t.Fatalf("expected store to be unaffected by snapshot edits, got %#v", got)
	}
}
