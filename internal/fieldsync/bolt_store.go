package fieldsync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltQueueBucket = []byte("queue")
	boltIndexBucket = []byte("queue_ids")
	boltStateBucket = []byte("state")
	boltStateKey    = []byte("snapshot")
)

// BoltStore implements both QueueStore and StateStore on one bbolt
// file. Queue entries are keyed by big-endian sequence number so a
// cursor walk returns them in enqueue order; a second bucket maps entry
// IDs back to sequence keys.
type BoltStore struct {
	db      *bbolt.DB
	mu      sync.Mutex
	dropped int
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: bolt store path is empty", ErrInvalidInput)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	store := &BoltStore{db: db}
	if err := store.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{boltQueueBucket, boltIndexBucket, boltStateBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Append(entry SyncQueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := boltSeqKey(entry.Seq)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(boltQueueBucket).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(boltIndexBucket).Put([]byte(entry.ID), key)
	})
}

func (s *BoltStore) Update(entry SyncQueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(boltIndexBucket).Get([]byte(entry.ID))
		if key == nil {
			return ErrEntryNotFound
		}
		return tx.Bucket(boltQueueBucket).Put(key, data)
	})
}

func (s *BoltStore) Remove(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(boltIndexBucket)
		key := index.Get([]byte(id))
		if key == nil {
			return ErrEntryNotFound
		}
		if err := tx.Bucket(boltQueueBucket).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

func (s *BoltStore) List() ([]SyncQueueEntry, error) {
	var out []SyncQueueEntry
	dropped := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(boltQueueBucket).Cursor()
		for key, data := cursor.First(); key != nil; key, data = cursor.Next() {
			if err := ValidateQueueEntryJSON(data); err != nil {
				dropped++
				continue
			}
			var entry SyncQueueEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				dropped++
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.dropped += dropped
	s.mu.Unlock()
	return out, nil
}

func (s *BoltStore) DroppedInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *BoltStore) Load() (*EngineState, error) {
	var state *EngineState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(boltStateBucket).Get(boltStateKey)
		if data == nil {
			return nil
		}
		var decoded EngineState
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("parse bolt state snapshot: %w", err)
		}
		state = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) Save(state *EngineState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltStateBucket).Put(boltStateKey, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltSeqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
