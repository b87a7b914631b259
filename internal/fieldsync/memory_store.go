package fieldsync

import (
	"encoding/json"
	"sync"
)

type MemoryQueueStore struct {
	mu      sync.Mutex
	entries []SyncQueueEntry
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Append(entry SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryQueueStore) Update(entry SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == entry.ID {
			s.entries[i] = entry
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *MemoryQueueStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *MemoryQueueStore) List() ([]SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncQueueEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryQueueStore) Close() error {
	return nil
}

type MemoryStateStore struct {
	mu       sync.Mutex
	snapshot *EngineState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) Load() (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	return cloneEngineState(s.snapshot)
}

func (s *MemoryStateStore) Save(state *EngineState) error {
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone, err := cloneEngineState(state)
	if err != nil {
		return err
	}
	s.snapshot = clone
	return nil
}

func (s *MemoryStateStore) Close() error {
	return nil
}

func cloneEngineState(state *EngineState) (*EngineState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone EngineState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
