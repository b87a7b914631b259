package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultFlushBackoffBase = 500 * time.Millisecond
	defaultFlushBackoffMax  = 5 * time.Second
	defaultSaveTimeout      = 30 * time.Second
)

type EngineOptions struct {
	// Remote is the backend persistence collaborator. Required.
	Remote RemoteClient
	// Identity names the actor stamped on mutations. Optional.
	Identity TokenSource
	// QueueStore and StateStore default to in-memory backends.
	QueueStore QueueStore
	StateStore StateStore
	// Monitor defaults to one probing Remote.Health.
	Monitor *NetworkMonitor

	AutoSaveInterval time.Duration
	DisplayWindow    time.Duration
	QueueCapacity    int
	MaxQueueAttempts int
	FlushBackoffBase time.Duration
	FlushBackoffMax  time.Duration

	Clock  func() time.Time
	IDFunc func() string
	Logger *zap.Logger

	// DisableBackground skips starting the probe and autosave
	// goroutines so tests can drive ticks explicitly.
	DisableBackground bool
}

// Engine wires the save state machine, queue, scheduler, monitor and
// remote client into the offline-first save pipeline. Saves attempted
// while offline are parked in the durable queue and replayed on
// reconnect through the same conflict-detection path as interactive
// saves.
type Engine struct {
	remote     RemoteClient
	identity   TokenSource
	machine    *SaveStateMachine
	queue      *QueueManager
	scheduler  *AutoSaveScheduler
	monitor    *NetworkMonitor
	events     *dispatcher
	queueStore QueueStore
	stateStore StateStore
	logger     *zap.Logger
	now        func() time.Time

	mu            sync.Mutex
	baselines     map[string]RemoteRecord
	drafts        map[string]DesiredState
	flushFailures int
	flushTimer    *time.Timer

	flushBackoffBase time.Duration
	flushBackoffMax  time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngineWithOptions(opts EngineOptions) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("engine: Remote client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.IDFunc
	if newID == nil {
		newID = uuid.NewString
	}
	queueStore := opts.QueueStore
	if queueStore == nil {
		queueStore = NewMemoryQueueStore()
	}
	stateStore := opts.StateStore
	if stateStore == nil {
		stateStore = NewMemoryStateStore()
	}
	flushBase := opts.FlushBackoffBase
	if flushBase <= 0 {
		flushBase = defaultFlushBackoffBase
	}
	flushMax := opts.FlushBackoffMax
	if flushMax <= 0 {
		flushMax = defaultFlushBackoffMax
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	e := &Engine{
		remote:           opts.Remote,
		identity:         opts.Identity,
		events:           newDispatcher(0),
		queueStore:       queueStore,
		stateStore:       stateStore,
		logger:           logger,
		now:              now,
		baselines:        make(map[string]RemoteRecord),
		drafts:           make(map[string]DesiredState),
		flushBackoffBase: flushBase,
		flushBackoffMax:  flushMax,
		runCtx:           runCtx,
		runCancel:        runCancel,
		closed:           make(chan struct{}),
	}

	state, err := stateStore.Load()
	if err != nil {
		runCancel()
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	if state != nil {
		for id, record := range state.Baselines {
			e.baselines[id] = record
		}
		for id, draft := range state.Drafts {
			e.drafts[id] = draft
		}
	}

	e.machine = NewSaveStateMachine(SaveStateMachineOptions{
		DisplayWindow: opts.DisplayWindow,
		Clock:         now,
		Logger:        logger,
	})

	monitor := opts.Monitor
	if monitor == nil {
		monitor = NewNetworkMonitor(NetworkMonitorOptions{
			Probe:  opts.Remote.Health,
			Logger: logger,
		})
	}
	e.monitor = monitor

	queue, err := NewQueueManager(QueueManagerOptions{
		Store:       queueStore,
		Submit:      e.replayEntry,
		Online:      monitor.Online,
		Notify:      e.publish,
		Capacity:    opts.QueueCapacity,
		MaxAttempts: opts.MaxQueueAttempts,
		Clock:       now,
		IDFunc:      newID,
		Logger:      logger,
	})
	if err != nil {
		runCancel()
		e.machine.Close()
		return nil, err
	}
	e.queue = queue

	scheduler, err := NewAutoSaveScheduler(AutoSaveOptions{
		Interval: opts.AutoSaveInterval,
		Save:     e.autoSave,
		State:    func(entityID string) SaveState { return e.machine.Current(entityID).State },
		Logger:   logger,
	})
	if err != nil {
		runCancel()
		e.machine.Close()
		return nil, err
	}
	e.scheduler = scheduler

	machineEvents, cancelMachineEvents := e.machine.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelMachineEvents()
		for ev := range machineEvents {
			ev.QueueLength = e.queue.Len()
			e.publish(ev)
		}
	}()

	monitor.OnTransition(e.onNetworkTransition)
	if !opts.DisableBackground {
		monitor.Start()
		scheduler.Start()
	}
	return e, nil
}

// SubmitChange records the new desired state for an entity and saves it
// immediately. Offline, the mutation is parked in the durable queue
// instead of attempting a doomed network call.
func (e *Engine) SubmitChange(ctx context.Context, entityID string, status ItemStatus, notes string) error {
	if err := e.setDraft(entityID, status, notes); err != nil {
		return err
	}
	return e.saveInteractive(ctx, entityID, false)
}

// UpdateDraft records an edit without saving; the autosave tick flushes
// it once the entity sits dirty and idle.
func (e *Engine) UpdateDraft(entityID string, status ItemStatus, notes string) error {
	return e.setDraft(entityID, status, notes)
}

func (e *Engine) setDraft(entityID string, status ItemStatus, notes string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity id is empty", ErrInvalidInput)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	e.mu.Lock()
	e.drafts[entityID] = DesiredState{Status: status, Notes: notes}
	e.mu.Unlock()
	e.scheduler.SetEditing(entityID)
	e.scheduler.MarkDirty(entityID)
	return nil
}

// Retry re-drives the entity's current draft through the save path. A
// pending conflict must be resolved first.
func (e *Engine) Retry(ctx context.Context, entityID string) error {
	snap := e.machine.Current(entityID)
	if snap.State == StateConflict {
		return ErrConflictPending
	}
	if _, ok := e.Draft(entityID); !ok {
		return ErrStateNotFound
	}
	return e.saveInteractive(ctx, entityID, false)
}

// Resolve applies a resolution strategy to the entity's pending
// conflict. accept_remote rebases local state without a write;
// accept_local and merge re-submit with the version check bypassed. A
// failure of that forced write surfaces as ErrResolutionFailed, never
// as a fresh conflict.
func (e *Engine) Resolve(ctx context.Context, entityID string, strategy Strategy) error {
	snap := e.machine.Current(entityID)
	if snap.Conflict == nil {
		return ErrNoConflict
	}
	plan, err := PlanResolution(*snap.Conflict, strategy)
	if err != nil {
		return err
	}

	if !plan.Submit {
		remote := snap.Conflict.Remote
		e.mu.Lock()
		e.drafts[entityID] = plan.Desired
		e.baselines[entityID] = RemoteRecord{
			EntityID:   entityID,
			Status:     remote.Status,
			Notes:      remote.Notes,
			Version:    remote.Version,
			ModifiedBy: remote.ModifiedBy,
			ModifiedAt: remote.ModifiedAt,
		}
		e.mu.Unlock()
		if err := e.machine.Dispatch(SaveEvent{Kind: SaveEventResolve, EntityID: entityID}); err != nil {
			return err
		}
		e.scheduler.ClearDirty(entityID)
		e.persistState()
		return nil
	}

	e.mu.Lock()
	e.drafts[entityID] = plan.Desired
	e.mu.Unlock()
	if err := e.machine.Dispatch(SaveEvent{Kind: SaveEventResolve, EntityID: entityID}); err != nil {
		return err
	}
	if err := e.saveInteractive(ctx, entityID, true); err != nil {
		if errors.Is(err, ErrResolutionFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return nil
}

func (e *Engine) SetAutoSaveEnabled(enabled bool) {
	e.scheduler.SetEnabled(enabled)
}

func (e *Engine) AutoSaveEnabled() bool {
	return e.scheduler.Enabled()
}

func (e *Engine) SetEditing(entityID string) {
	e.scheduler.SetEditing(entityID)
}

func (e *Engine) Draft(entityID string) (DesiredState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	draft, ok := e.drafts[entityID]
	return draft, ok
}

func (e *Engine) Baseline(entityID string) (RemoteRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.baselines[entityID]
	return record, ok
}

func (e *Engine) State(entityID string) SaveSnapshot {
	return e.machine.Current(entityID)
}

func (e *Engine) States() []SaveSnapshot {
	return e.machine.States()
}

func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

func (e *Engine) Online() bool {
	return e.monitor.Online()
}

func (e *Engine) QueueLength() int {
	return e.queue.Len()
}

func (e *Engine) QueueEntries() []SyncQueueEntry {
	return e.queue.Entries()
}

func (e *Engine) PeekQueued(entityID string) (*SyncQueueEntry, bool) {
	return e.queue.Peek(entityID)
}

func (e *Engine) RequeueEntry(id string) error {
	return e.queue.Requeue(id)
}

// Flush replays the queue immediately; normally it runs on network
// transitions and background-sync wakes.
func (e *Engine) Flush(ctx context.Context) (FlushReport, error) {
	return e.queue.Flush(ctx)
}

func (e *Engine) saveInteractive(ctx context.Context, entityID string, force bool) error {
	draft, ok := e.Draft(entityID)
	if !ok {
		return ErrStateNotFound
	}
	req := MutationRequest{
		EntityID:    entityID,
		Desired:     draft,
		ActorID:     e.actorID(),
		Force:       force,
		SubmittedAt: e.now(),
	}
	if !e.monitor.Online() {
		if _, err := e.queue.Enqueue(req); err != nil {
			return err
		}
		e.scheduler.ClearDirty(entityID)
		e.persistState()
		return nil
	}
	return e.performSave(ctx, req)
}

func (e *Engine) replayEntry(ctx context.Context, entry SyncQueueEntry) error {
	return e.performSave(ctx, entry.Mutation)
}

// performSave drives one mutation through the state machine and the
// remote endpoint. This is the single path shared by interactive saves
// and queue replays, so replays get the same conflict detection.
func (e *Engine) performSave(ctx context.Context, req MutationRequest) error {
	if err := e.machine.Dispatch(SaveEvent{
		Kind:        SaveEventBegin,
		EntityID:    req.EntityID,
		SubmittedAt: req.SubmittedAt,
	}); err != nil {
		return err
	}

	var expectedVersion int64
	if !req.Force {
		if baseline, ok := e.Baseline(req.EntityID); ok {
			expectedVersion = baseline.Version
		}
	}
	record, err := e.remote.Save(ctx, WriteRequest{
		EntityID:        req.EntityID,
		Status:          req.Desired.Status,
		Notes:           req.Desired.Notes,
		ActorID:         req.ActorID,
		ExpectedVersion: expectedVersion,
		Force:           req.Force,
	})
	if err == nil {
		if dispatchErr := e.machine.Dispatch(SaveEvent{
			Kind:        SaveEventSucceed,
			EntityID:    req.EntityID,
			SubmittedAt: req.SubmittedAt,
		}); dispatchErr != nil && !errors.Is(dispatchErr, ErrStaleResponse) {
			e.logger.Warn("save completion dropped", zap.String("entityId", req.EntityID), zap.Error(dispatchErr))
		}
		e.mu.Lock()
		e.baselines[req.EntityID] = record
		e.mu.Unlock()
		e.scheduler.ClearDirty(req.EntityID)
		e.persistState()
		return nil
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) && !req.Force {
		payload := ConflictPayload{
			EntityID: req.EntityID,
			Local:    ConflictSide{Status: req.Desired.Status, Notes: req.Desired.Notes},
			Remote: RemoteSide{
				Status:     conflictErr.Remote.Status,
				Notes:      conflictErr.Remote.Notes,
				Version:    conflictErr.Remote.Version,
				ModifiedBy: conflictErr.Remote.ModifiedBy,
				ModifiedAt: conflictErr.Remote.ModifiedAt,
			},
		}
		if dispatchErr := e.machine.Dispatch(SaveEvent{
			Kind:        SaveEventConflict,
			EntityID:    req.EntityID,
			SubmittedAt: req.SubmittedAt,
			Conflict:    &payload,
		}); dispatchErr != nil && !errors.Is(dispatchErr, ErrStaleResponse) {
			e.logger.Warn("conflict dropped", zap.String("entityId", req.EntityID), zap.Error(dispatchErr))
		}
		return err
	}

	kind := Classify(err, e.monitor.Online())
	if dispatchErr := e.machine.Dispatch(SaveEvent{
		Kind:        SaveEventFail,
		EntityID:    req.EntityID,
		SubmittedAt: req.SubmittedAt,
		Err:         err,
		ErrorKind:   kind,
	}); dispatchErr != nil && !errors.Is(dispatchErr, ErrStaleResponse) {
		e.logger.Warn("failure dropped", zap.String("entityId", req.EntityID), zap.Error(dispatchErr))
	}
	if errors.As(err, &conflictErr) && req.Force {
		// A forced write bounced, most likely because the entity is
		// gone. Never loop back into the conflict state.
		return fmt.Errorf("%w: forced write rejected: %v", ErrResolutionFailed, err)
	}
	if kind == KindNetworkOffline {
		// The connection dropped mid-save; park the mutation so the
		// edit survives until connectivity returns.
		if _, enqueueErr := e.queue.Enqueue(req); enqueueErr != nil {
			e.logger.Error("failed to park mutation after offline failure",
				zap.String("entityId", req.EntityID), zap.Error(enqueueErr))
		} else {
			e.scheduler.ClearDirty(req.EntityID)
			e.persistState()
		}
	}
	return err
}

func (e *Engine) autoSave(entityID string) {
	ctx, cancel := context.WithTimeout(e.runCtx, defaultSaveTimeout)
	defer cancel()
	if err := e.saveInteractive(ctx, entityID, false); err != nil {
		e.logger.Debug("autosave attempt failed", zap.String("entityId", entityID), zap.Error(err))
	}
}

func (e *Engine) onNetworkTransition(online bool) {
	e.events.publish(Event{
		Type:        EventNetworkChanged,
		Online:      online,
		QueueLength: e.queue.Len(),
		Timestamp:   e.now(),
	})
	if online {
		e.mu.Lock()
		e.flushFailures = 0
		e.mu.Unlock()
		e.triggerFlush("reconnect")
	}
}

func (e *Engine) triggerFlush(reason string) {
	select {
	case <-e.closed:
		return
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		report, err := e.queue.Flush(e.runCtx)
		if err != nil {
			if !errors.Is(err, ErrFlushInProgress) {
				e.logger.Warn("queue flush failed", zap.String("reason", reason), zap.Error(err))
			}
			return
		}
		e.logger.Info("queue flush finished",
			zap.String("reason", reason),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("conflicted", report.Conflicted),
			zap.Int("remaining", report.Remaining))
		e.scheduleFollowUpFlush(report)
	}()
}

// scheduleFollowUpFlush re-arms a delayed flush while transient
// failures leave entries pending, backing off exponentially.
func (e *Engine) scheduleFollowUpFlush(report FlushReport) {
	if report.Remaining == 0 || !e.monitor.Online() {
		e.mu.Lock()
		e.flushFailures = 0
		e.mu.Unlock()
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}
	e.mu.Lock()
	e.flushFailures++
	delay := time.Duration(float64(e.flushBackoffBase) * math.Pow(2, float64(e.flushFailures-1)))
	if delay > e.flushBackoffMax {
		delay = e.flushBackoffMax
	}
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	e.flushTimer = time.AfterFunc(delay, func() {
		e.triggerFlush("backoff")
	})
	e.mu.Unlock()
}

func (e *Engine) actorID() string {
	if e.identity == nil {
		return ""
	}
	return e.identity.ActorID()
}

func (e *Engine) publish(ev Event) {
	if ev.Type != EventNetworkChanged {
		ev.Online = e.monitor.Online()
	}
	e.events.publish(ev)
}

func (e *Engine) persistState() {
	e.mu.Lock()
	state := newEngineState()
	for id, record := range e.baselines {
		state.Baselines[id] = record
	}
	for id, draft := range e.drafts {
		state.Drafts[id] = draft
	}
	state.SavedAt = e.now()
	e.mu.Unlock()
	if err := e.stateStore.Save(state); err != nil {
		e.logger.Warn("failed to persist engine state", zap.Error(err))
	}
}

func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.runCancel()
		e.scheduler.Close()
		e.monitor.Close()
		e.mu.Lock()
		if e.flushTimer != nil {
			e.flushTimer.Stop()
			e.flushTimer = nil
		}
		e.mu.Unlock()
		e.machine.Close()
		e.wg.Wait()
		e.persistState()
		e.events.close()

		closed := map[any]bool{}
		for _, closer := range []interface{ Close() error }{e.queueStore, e.stateStore} {
			if closer == nil || closed[closer] {
				continue
			}
			closed[closer] = true
			closeErr = multierr.Append(closeErr, closer.Close())
		}
	})
	return closeErr
}
