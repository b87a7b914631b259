package fieldsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDisplayWindow = 2 * time.Second

type SaveEventKind string

const (
	SaveEventBegin    SaveEventKind = "begin"
	SaveEventSucceed  SaveEventKind = "succeed"
	SaveEventFail     SaveEventKind = "fail"
	SaveEventConflict SaveEventKind = "conflict"
	SaveEventResolve  SaveEventKind = "resolve"
)

type SaveEvent struct {
	Kind        SaveEventKind
	EntityID    string
	SubmittedAt time.Time
	Err         error
	ErrorKind   ErrorKind
	Conflict    *ConflictPayload
}

type SaveStateMachineOptions struct {
	DisplayWindow time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

type trackedState struct {
	snap        SaveSnapshot
	inFlightAt  time.Time
	revertTimer *time.Timer
}

// SaveStateMachine tracks the save state of every entity the client has
// touched. Completion events are matched against the submission time of
// the attempt they belong to; a late or mismatched completion is dropped
// with ErrStaleResponse instead of being applied.
type SaveStateMachine struct {
	mu     sync.Mutex
	states map[string]*trackedState
	events *dispatcher
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
	closed bool
}

func NewSaveStateMachine(opts SaveStateMachineOptions) *SaveStateMachine {
	window := opts.DisplayWindow
	if window <= 0 {
		window = defaultDisplayWindow
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaveStateMachine{
		states: make(map[string]*trackedState),
		events: newDispatcher(0),
		window: window,
		now:    now,
		logger: logger,
	}
}

func (m *SaveStateMachine) Current(entityID string) SaveSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[entityID]
	if !ok {
		return SaveSnapshot{EntityID: entityID, State: StateIdle}
	}
	return cloneSnapshot(st.snap)
}

func (m *SaveStateMachine) States() []SaveSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SaveSnapshot, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, cloneSnapshot(st.snap))
	}
	return out
}

func (m *SaveStateMachine) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

func (m *SaveStateMachine) Dispatch(ev SaveEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ev.EntityID == "" {
		return ErrInvalidInput
	}
	switch ev.Kind {
	case SaveEventBegin:
		return m.beginLocked(ev)
	case SaveEventSucceed:
		return m.succeedLocked(ev)
	case SaveEventFail:
		return m.failLocked(ev)
	case SaveEventConflict:
		return m.conflictLocked(ev)
	case SaveEventResolve:
		return m.resolveLocked(ev)
	default:
		return ErrInvalidInput
	}
}

func (m *SaveStateMachine) beginLocked(ev SaveEvent) error {
	st := m.ensureLocked(ev.EntityID)
	if st.snap.State == StateSaving {
		return ErrSaveInFlight
	}
	m.stopRevertLocked(st)
	at := ev.SubmittedAt
	if at.IsZero() {
		at = m.now()
	}
	st.snap.State = StateSaving
	st.snap.ErrorMessage = ""
	st.snap.ErrorKind = ""
	st.snap.Conflict = nil
	st.snap.LastAttemptAt = at
	st.inFlightAt = at
	m.publishLocked(EventStateChanged, st)
	return nil
}

func (m *SaveStateMachine) succeedLocked(ev SaveEvent) error {
	st, err := m.inFlightLocked(ev)
	if err != nil {
		return err
	}
	st.snap.State = StateSaved
	st.snap.RetryCount = 0
	st.inFlightAt = time.Time{}
	m.publishLocked(EventStateChanged, st)
	m.scheduleRevertLocked(st)
	return nil
}

func (m *SaveStateMachine) failLocked(ev SaveEvent) error {
	st, err := m.inFlightLocked(ev)
	if err != nil {
		return err
	}
	st.snap.State = StateError
	st.snap.RetryCount++
	kind := ev.ErrorKind
	if kind == "" {
		kind = KindUnknown
	}
	st.snap.ErrorKind = kind
	if ev.Err != nil {
		st.snap.ErrorMessage = ev.Err.Error()
	} else {
		st.snap.ErrorMessage = kind.String()
	}
	st.inFlightAt = time.Time{}
	m.publishLocked(EventStateChanged, st)
	return nil
}

func (m *SaveStateMachine) conflictLocked(ev SaveEvent) error {
	st, err := m.inFlightLocked(ev)
	if err != nil {
		return err
	}
	if ev.Conflict == nil {
		return ErrInvalidInput
	}
	payload := *ev.Conflict
	st.snap.State = StateConflict
	st.snap.Conflict = &payload
	st.snap.ErrorMessage = ""
	st.snap.ErrorKind = ""
	st.inFlightAt = time.Time{}
	m.publishLocked(EventStateChanged, st)
	m.publishLocked(EventConflictDetected, st)
	return nil
}

func (m *SaveStateMachine) resolveLocked(ev SaveEvent) error {
	st, ok := m.states[ev.EntityID]
	if !ok || st.snap.State != StateConflict {
		return ErrNoConflict
	}
	st.snap.State = StateIdle
	st.snap.Conflict = nil
	m.publishLocked(EventStateChanged, st)
	return nil
}

// inFlightLocked resolves the tracked state a completion event belongs
// to, dropping completions for attempts that are no longer current.
func (m *SaveStateMachine) inFlightLocked(ev SaveEvent) (*trackedState, error) {
	st, ok := m.states[ev.EntityID]
	if !ok || st.snap.State != StateSaving {
		return nil, ErrStaleResponse
	}
	if !ev.SubmittedAt.IsZero() && !ev.SubmittedAt.Equal(st.inFlightAt) {
		return nil, ErrStaleResponse
	}
	return st, nil
}

func (m *SaveStateMachine) ensureLocked(entityID string) *trackedState {
	st, ok := m.states[entityID]
	if !ok {
		st = &trackedState{snap: SaveSnapshot{EntityID: entityID, State: StateIdle}}
		m.states[entityID] = st
	}
	return st
}

func (m *SaveStateMachine) scheduleRevertLocked(st *trackedState) {
	m.stopRevertLocked(st)
	entityID := st.snap.EntityID
	attemptAt := st.snap.LastAttemptAt
	st.revertTimer = time.AfterFunc(m.window, func() {
		m.revertSaved(entityID, attemptAt)
	})
}

func (m *SaveStateMachine) revertSaved(entityID string, attemptAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	st, ok := m.states[entityID]
	if !ok || st.snap.State != StateSaved || !st.snap.LastAttemptAt.Equal(attemptAt) {
		return
	}
	st.snap.State = StateIdle
	m.publishLocked(EventStateChanged, st)
}

func (m *SaveStateMachine) stopRevertLocked(st *trackedState) {
	if st.revertTimer != nil {
		st.revertTimer.Stop()
		st.revertTimer = nil
	}
}

func (m *SaveStateMachine) publishLocked(eventType EventType, st *trackedState) {
	snap := cloneSnapshot(st.snap)
	ev := Event{
		Type:      eventType,
		EntityID:  snap.EntityID,
		State:     snap.State,
		Snapshot:  &snap,
		Timestamp: m.now(),
	}
	if eventType == EventConflictDetected {
		ev.Conflict = snap.Conflict
	}
	m.logger.Debug("save state transition",
		zap.String("entityId", snap.EntityID),
		zap.String("state", string(snap.State)),
		zap.String("event", string(eventType)))
	m.events.publish(ev)
}

func (m *SaveStateMachine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, st := range m.states {
		m.stopRevertLocked(st)
	}
	m.mu.Unlock()
	m.events.close()
}

func cloneSnapshot(snap SaveSnapshot) SaveSnapshot {
	out := snap
	if snap.Conflict != nil {
		payload := *snap.Conflict
		out.Conflict = &payload
	}
	return out
}
