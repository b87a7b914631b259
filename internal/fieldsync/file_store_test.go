package fieldsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleEntry(id string, seq int64, entityID string) SyncQueueEntry {
	return SyncQueueEntry{
		ID:  id,
		Seq: seq,
		Mutation: MutationRequest{
			EntityID:    entityID,
			Desired:     DesiredState{Status: StatusCompleted, Notes: "checked"},
			ActorID:     "inspector-1",
			SubmittedAt: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
		},
		EnqueuedAt: time.Date(2026, 4, 2, 9, 30, 1, 0, time.UTC),
		Status:     EntryPending,
	}
}

func TestFileQueueStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	if err := store.Append(sampleEntry("a", 1, "item-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Append(sampleEntry("b", 2, "item-2")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	entries, err := reopened.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("expected both entries to survive reopen, got %+v", entries)
	}
	if entries[0].Mutation.Desired.Status != StatusCompleted {
		t.Fatalf("mutation payload lost on reload: %+v", entries[0].Mutation)
	}
}

func TestFileQueueStoreUpdateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	if err := store.Append(sampleEntry("a", 1, "item-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	updated := sampleEntry("a", 1, "item-1")
	updated.Status = EntryFailed
	updated.Attempts = 3
	updated.LastError = "backend exploded"
	if err := store.Update(updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Update(sampleEntry("ghost", 9, "item-9")); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	reopened, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	entries, _ := reopened.List()
	if len(entries) != 1 || entries[0].Status != EntryFailed || entries[0].Attempts != 3 {
		t.Fatalf("update not persisted: %+v", entries)
	}

	if err := reopened.Remove("a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := reopened.Remove("a"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound on double remove, got %v", err)
	}
	final, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("final reopen failed: %v", err)
	}
	if entries, _ := final.List(); len(entries) != 0 {
		t.Fatalf("remove not persisted: %+v", entries)
	}
}

func TestFileQueueStoreDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	raw := `{"entries":[
		{"id":"good","seq":1,"status":"pending","enqueuedAt":"2026-04-02T09:30:01Z","mutation":{"entityId":"item-1","submittedAt":"2026-04-02T09:30:00Z","desiredState":{"status":"completed","notes":""}}},
		{"id":"","seq":2,"status":"pending","enqueuedAt":"2026-04-02T09:30:02Z","mutation":{"entityId":"item-2","submittedAt":"2026-04-02T09:30:00Z","desiredState":{"status":"completed","notes":""}}},
		{"id":"bad-status","seq":3,"status":"exploded","enqueuedAt":"2026-04-02T09:30:03Z","mutation":{"entityId":"item-3","submittedAt":"2026-04-02T09:30:00Z","desiredState":{"status":"completed","notes":""}}}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}

	store, err := NewFileQueueStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	entries, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "good" {
		t.Fatalf("expected only the valid entry to load, got %+v", entries)
	}
	if store.DroppedInvalid() != 2 {
		t.Fatalf("expected 2 dropped entries, got %d", store.DroppedInvalid())
	}
}

func TestFileQueueStoreEmptyAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileQueueStore(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("open on missing file failed: %v", err)
	}
	if entries, _ := store.List(); len(entries) != 0 {
		t.Fatalf("expected empty queue, got %+v", entries)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := NewFileQueueStore(empty); err != nil {
		t.Fatalf("open on empty file failed: %v", err)
	}

	if _, err := NewFileQueueStore(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty path, got %v", err)
	}
}

func TestFileStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStateStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load on missing file failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil state before first save, got %+v", loaded)
	}

	state := newEngineState()
	state.Baselines["item-1"] = RemoteRecord{EntityID: "item-1", Status: StatusCompleted, Version: 4}
	state.Drafts["item-1"] = DesiredState{Status: StatusFailed, Notes: "cracked casing"}
	state.SavedAt = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	if err := store.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reopened, err := NewFileStateStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	restored, err := reopened.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if restored == nil {
		t.Fatalf("expected persisted state")
	}
	if restored.Baselines["item-1"].Version != 4 {
		t.Fatalf("baseline lost: %+v", restored.Baselines)
	}
	if restored.Drafts["item-1"].Notes != "cracked casing" {
		t.Fatalf("draft lost: %+v", restored.Drafts)
	}
}

func TestWriteFileAtomicCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	if err := writeFileAtomic(path, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("atomic write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected contents: %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
