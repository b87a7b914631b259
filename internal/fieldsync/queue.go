package fieldsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

type QueueManagerOptions struct {
	// Store is the durable backend, defaulting to in-memory. Entries
	// are written through before Enqueue acknowledges.
	Store QueueStore
	// Submit replays one entry through the interactive save path,
	// including conflict detection. Required.
	Submit func(ctx context.Context, entry SyncQueueEntry) error
	// Online gates flushing; defaults to always online.
	Online func() bool
	// Notify receives queue_changed and entry_failed events.
	Notify func(Event)
	// Capacity bounds pending entries, 0 for unbounded. Stores may
	// enforce a tighter bound of their own.
	Capacity    int
	MaxAttempts int
	Clock       func() time.Time
	IDFunc      func() string
	Logger      *zap.Logger
}

// QueueManager owns the durable sync queue. Order is FIFO per entity;
// cross-entity reordering is allowed. Replayed entries pass through the
// same conflict detection as interactive saves, so a remote change that
// happened while the client was offline still surfaces as a conflict
// instead of being overwritten.
type QueueManager struct {
	mu          sync.Mutex
	store       QueueStore
	entries     []SyncQueueEntry
	nextSeq     int64
	capacity    int
	maxAttempts int
	flushing    bool

	submit func(ctx context.Context, entry SyncQueueEntry) error
	online func() bool
	notify func(Event)
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

func NewQueueManager(opts QueueManagerOptions) (*QueueManager, error) {
	if opts.Submit == nil {
		return nil, errors.New("queue: Submit callback is required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryQueueStore()
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.IDFunc
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := store.List()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	var nextSeq int64 = 1
	if n := len(entries); n > 0 {
		nextSeq = entries[n-1].Seq + 1
	}
	return &QueueManager{
		store:       store,
		entries:     entries,
		nextSeq:     nextSeq,
		capacity:    opts.Capacity,
		maxAttempts: maxAttempts,
		submit:      opts.Submit,
		online:      online,
		notify:      opts.Notify,
		now:         now,
		newID:       newID,
		logger:      logger,
	}, nil
}

// Enqueue persists the mutation durably before returning. A crash
// after Enqueue returns must not lose the entry.
func (q *QueueManager) Enqueue(mutation MutationRequest) (SyncQueueEntry, error) {
	if mutation.EntityID == "" {
		return SyncQueueEntry{}, ErrInvalidInput
	}
	q.mu.Lock()
	if q.capacity > 0 && q.pendingLenLocked() >= q.capacity {
		q.mu.Unlock()
		return SyncQueueEntry{}, ErrQueueFull
	}
	entry := SyncQueueEntry{
		ID:         q.newID(),
		Seq:        q.nextSeq,
		Mutation:   mutation,
		EnqueuedAt: q.now(),
		Status:     EntryPending,
	}
	if err := q.store.Append(entry); err != nil {
		q.mu.Unlock()
		return SyncQueueEntry{}, err
	}
	q.nextSeq++
	q.entries = append(q.entries, entry)
	length := q.pendingLenLocked()
	q.mu.Unlock()

	q.logger.Debug("mutation queued",
		zap.String("entityId", mutation.EntityID),
		zap.String("entryId", entry.ID))
	q.publishQueueChanged(length)
	return entry, nil
}

// Flush replays pending entries in enqueue order. Offline failures
// leave the entry queued for the next flush; other failures count
// against the retry bound, after which the entry is marked failed and
// skipped but stays visible. At most one flush runs at a time.
func (q *QueueManager) Flush(ctx context.Context) (FlushReport, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return FlushReport{}, ErrFlushInProgress
	}
	q.flushing = true
	snapshot := q.pendingLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	var report FlushReport
	for _, entry := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !q.online() {
			break
		}
		err := q.submit(ctx, entry)
		if err == nil {
			q.removeEntry(entry.ID)
			report.Succeeded++
			continue
		}
		if errors.Is(err, ErrVersionConflict) {
			// The conflict payload now carries the mutation; keeping
			// the entry would re-submit a stale write after resolution.
			q.removeEntry(entry.ID)
			report.Conflicted++
			continue
		}
		if errors.Is(err, ErrSaveInFlight) {
			// An interactive save owns this entity right now. Leave the
			// entry pending without burning an attempt.
			continue
		}
		kind := Classify(err, q.online())
		if kind == KindNetworkOffline {
			break
		}
		entry.Attempts++
		entry.LastError = err.Error()
		if entry.Attempts >= q.maxAttempts {
			entry.Status = EntryFailed
			report.Failed++
			q.logger.Warn("queue entry exhausted retries",
				zap.String("entryId", entry.ID),
				zap.String("entityId", entry.Mutation.EntityID),
				zap.String("kind", kind.String()),
				zap.Error(err))
		}
		q.updateEntry(entry)
		if entry.Status == EntryFailed && q.notify != nil {
			q.notify(Event{
				Type:        EventEntryFailed,
				EntityID:    entry.Mutation.EntityID,
				EntryID:     entry.ID,
				QueueLength: q.Len(),
				Timestamp:   q.now(),
			})
		}
	}
	report.Remaining = q.Len()
	q.publishQueueChanged(report.Remaining)
	return report, nil
}

// Peek returns the oldest pending entry for an entity.
func (q *QueueManager) Peek(entityID string) (*SyncQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].Status == EntryPending && q.entries[i].Mutation.EntityID == entityID {
			entry := q.entries[i]
			return &entry, true
		}
	}
	return nil, false
}

func (q *QueueManager) Entries() []SyncQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncQueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len counts pending entries; failed entries are excluded but remain
// listed by Entries.
func (q *QueueManager) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLenLocked()
}

// Requeue resets a failed entry for another round of flushes.
func (q *QueueManager) Requeue(id string) error {
	q.mu.Lock()
	var target *SyncQueueEntry
	for i := range q.entries {
		if q.entries[i].ID == id {
			target = &q.entries[i]
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return ErrEntryNotFound
	}
	if target.Status == EntryPending {
		q.mu.Unlock()
		return nil
	}
	updated := *target
	updated.Status = EntryPending
	updated.Attempts = 0
	updated.LastError = ""
	if err := q.store.Update(updated); err != nil {
		q.mu.Unlock()
		return err
	}
	*target = updated
	length := q.pendingLenLocked()
	q.mu.Unlock()

	q.publishQueueChanged(length)
	return nil
}

func (q *QueueManager) Remove(id string) error {
	if !q.removeEntry(id) {
		return ErrEntryNotFound
	}
	q.publishQueueChanged(q.Len())
	return nil
}

func (q *QueueManager) pendingLocked() []SyncQueueEntry {
	out := make([]SyncQueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		if entry.Status == EntryPending {
			out = append(out, entry)
		}
	}
	return out
}

func (q *QueueManager) pendingLenLocked() int {
	n := 0
	for _, entry := range q.entries {
		if entry.Status == EntryPending {
			n++
		}
	}
	return n
}

func (q *QueueManager) removeEntry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id {
			if err := q.store.Remove(id); err != nil && !errors.Is(err, ErrEntryNotFound) {
				q.logger.Warn("queue store remove failed", zap.String("entryId", id), zap.Error(err))
			}
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *QueueManager) updateEntry(entry SyncQueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == entry.ID {
			if err := q.store.Update(entry); err != nil {
				q.logger.Warn("queue store update failed", zap.String("entryId", entry.ID), zap.Error(err))
			}
			q.entries[i] = entry
			return
		}
	}
}

func (q *QueueManager) publishQueueChanged(length int) {
	if q.notify == nil {
		return
	}
	q.notify(Event{
		Type:        EventQueueChanged,
		QueueLength: length,
		Timestamp:   q.now(),
	})
}
