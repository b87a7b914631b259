package fieldsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type persistedQueue struct {
	Entries []json.RawMessage `json:"entries"`
}

// FileQueueStore keeps the queue in a single JSON file, rewritten
// atomically on every mutation. Good enough for a single client; the
// Postgres store covers anything shared.
type FileQueueStore struct {
	mu      sync.Mutex
	path    string
	entries []SyncQueueEntry
	dropped int
}

func NewFileQueueStore(path string) (*FileQueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: queue store path is empty", ErrInvalidInput)
	}
	store := &FileQueueStore{path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileQueueStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var snapshot persistedQueue
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse queue file %s: %w", s.path, err)
	}
	entries := make([]SyncQueueEntry, 0, len(snapshot.Entries))
	for _, raw := range snapshot.Entries {
		if err := ValidateQueueEntryJSON(raw); err != nil {
			s.dropped++
			continue
		}
		var entry SyncQueueEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.dropped++
			continue
		}
		entries = append(entries, entry)
	}
	s.entries = entries
	return nil
}

func (s *FileQueueStore) Append(entry SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := len(s.entries)
	s.entries = append(s.entries, entry)
	if err := s.saveLocked(); err != nil {
		s.entries = s.entries[:prev]
		return err
	}
	return nil
}

func (s *FileQueueStore) Update(entry SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == entry.ID {
			old := s.entries[i]
			s.entries[i] = entry
			if err := s.saveLocked(); err != nil {
				s.entries[i] = old
				return err
			}
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *FileQueueStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			old := make([]SyncQueueEntry, len(s.entries))
			copy(old, s.entries)
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			if err := s.saveLocked(); err != nil {
				s.entries = old
				return err
			}
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *FileQueueStore) List() ([]SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncQueueEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// DroppedInvalid reports how many persisted entries failed schema
// validation at load and were discarded.
func (s *FileQueueStore) DroppedInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *FileQueueStore) Close() error {
	return nil
}

func (s *FileQueueStore) saveLocked() error {
	snapshot := persistedQueue{Entries: make([]json.RawMessage, 0, len(s.entries))}
	for _, entry := range s.entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		snapshot.Entries = append(snapshot.Entries, raw)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

type FileStateStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStateStore(path string) (*FileStateStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: state store path is empty", ErrInvalidInput)
	}
	return &FileStateStore{path: path}, nil
}

func (s *FileStateStore) Load() (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var state EngineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &state, nil
}

func (s *FileStateStore) Save(state *EngineState) error {
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func (s *FileStateStore) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
