package fieldsync

import "time"

// QueueStore is durable persistence for sync queue entries. Every
// mutation is written through before the queue acknowledges it; a crash
// after Append must not lose the entry. List returns entries in
// enqueue (Seq) order.
type QueueStore interface {
	Append(entry SyncQueueEntry) error
	Update(entry SyncQueueEntry) error
	Remove(id string) error
	List() ([]SyncQueueEntry, error)
	Close() error
}

// EngineState is the durable snapshot of per-entity baselines and
// drafts, reloaded on restart so queued mutations keep their optimistic
// concurrency context.
type EngineState struct {
	Baselines map[string]RemoteRecord `json:"baselines"`
	Drafts    map[string]DesiredState `json:"drafts"`
	SavedAt   time.Time               `json:"savedAt"`
}

// StateStore persists EngineState snapshots. Load returns nil with no
// error when nothing has been saved yet.
type StateStore interface {
	Load() (*EngineState, error)
	Save(state *EngineState) error
	Close() error
}

func newEngineState() *EngineState {
	return &EngineState{
		Baselines: make(map[string]RemoteRecord),
		Drafts:    make(map[string]DesiredState),
	}
}
