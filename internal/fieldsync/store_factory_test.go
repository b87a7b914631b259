package fieldsync

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildQueueStoreFromDSN(t *testing.T) {
	dir := t.TempDir()

	store, err := BuildQueueStoreFromDSN("", 0)
	if err != nil || store != nil {
		t.Fatalf("empty DSN must build nothing, got %T err=%v", store, err)
	}

	store, err = BuildQueueStoreFromDSN("memory://", 0)
	if err != nil {
		t.Fatalf("memory DSN failed: %v", err)
	}
	if _, ok := store.(*MemoryQueueStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = BuildQueueStoreFromDSN(filepath.Join(dir, "queue.json"), 0)
	if err != nil {
		t.Fatalf("bare path DSN failed: %v", err)
	}
	if _, ok := store.(*FileQueueStore); !ok {
		t.Fatalf("expected file store for bare path, got %T", store)
	}
	store.Close()

	store, err = BuildQueueStoreFromDSN("bolt://"+filepath.Join(dir, "queue.db"), 0)
	if err != nil {
		t.Fatalf("bolt DSN failed: %v", err)
	}
	if _, ok := store.(*BoltStore); !ok {
		t.Fatalf("expected bolt store, got %T", store)
	}
	store.Close()

	if _, err := BuildQueueStoreFromDSN("sqlite://queue.db", 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for sqlite, got %v", err)
	}
	if _, err := BuildQueueStoreFromDSN("redis://localhost", 0); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestBuildStateStoreFromDSN(t *testing.T) {
	dir := t.TempDir()

	store, err := BuildStateStoreFromDSN("mem://")
	if err != nil {
		t.Fatalf("mem DSN failed: %v", err)
	}
	if _, ok := store.(*MemoryStateStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = BuildStateStoreFromDSN("file://" + filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("file DSN failed: %v", err)
	}
	if _, ok := store.(*FileStateStore); !ok {
		t.Fatalf("expected file store, got %T", store)
	}
	store.Close()
}

func TestBuildSharedBoltStore(t *testing.T) {
	dir := t.TempDir()

	store, err := BuildSharedBoltStore("bolt://" + filepath.Join(dir, "shared.db"))
	if err != nil {
		t.Fatalf("shared bolt build failed: %v", err)
	}
	defer store.Close()
	if err := store.Append(sampleEntry("a", 1, "item-1")); err != nil {
		t.Fatalf("queue role failed: %v", err)
	}
	if err := store.Save(newEngineState()); err != nil {
		t.Fatalf("state role failed: %v", err)
	}

	if _, err := BuildSharedBoltStore("memory://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-bolt DSN, got %v", err)
	}
}

func TestStoreFactoryRegistry(t *testing.T) {
	var gotDSN string
	var gotCapacity int
	RegisterQueueStoreFactory("TestScheme", func(dsn string, capacity int) (QueueStore, error) {
		gotDSN = dsn
		gotCapacity = capacity
		return NewMemoryQueueStore(), nil
	})
	RegisterStateStoreFactory("testscheme", func(dsn string) (StateStore, error) {
		return NewMemoryStateStore(), nil
	})

	store, err := BuildQueueStoreFromDSN("testscheme://anything", 7)
	if err != nil {
		t.Fatalf("registered factory not used: %v", err)
	}
	if _, ok := store.(*MemoryQueueStore); !ok {
		t.Fatalf("expected factory-built store, got %T", store)
	}
	if gotDSN != "testscheme://anything" || gotCapacity != 7 {
		t.Fatalf("factory saw dsn=%q capacity=%d", gotDSN, gotCapacity)
	}
	if _, err := BuildStateStoreFromDSN("TESTSCHEME://anything"); err != nil {
		t.Fatalf("scheme lookup must be case-insensitive: %v", err)
	}
}
