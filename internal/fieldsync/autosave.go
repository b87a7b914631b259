package fieldsync

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAutoSaveInterval = 30 * time.Second

type AutoSaveOptions struct {
	// Interval between ticks, 30s when zero.
	Interval time.Duration
	// Save is invoked for the edited entity when a tick finds it dirty
	// and idle.
	Save func(entityID string)
	// State reports the current save state of an entity.
	State  func(entityID string) SaveState
	Logger *zap.Logger
}

// AutoSaveScheduler periodically flushes dirty local edits. A tick only
// fires for the entity currently being edited, and only while its save
// state is idle: saving, error and conflict states suppress the tick so
// the scheduler never masks or compounds a failure.
type AutoSaveScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	save     func(string)
	state    func(string) SaveState
	logger   *zap.Logger
	enabled  bool
	editing  string
	dirty    map[string]bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

func NewAutoSaveScheduler(opts AutoSaveOptions) (*AutoSaveScheduler, error) {
	if opts.Save == nil {
		return nil, errors.New("autosave: Save callback is required")
	}
	if opts.State == nil {
		return nil, errors.New("autosave: State callback is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultAutoSaveInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoSaveScheduler{
		interval: interval,
		save:     opts.Save,
		state:    opts.State,
		logger:   logger,
		enabled:  true,
		dirty:    make(map[string]bool),
		stop:     make(chan struct{}),
	}, nil
}

func (s *AutoSaveScheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *AutoSaveScheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// SetEnabled toggles future ticks. Disabling does not cancel a save
// already in flight.
func (s *AutoSaveScheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *AutoSaveScheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *AutoSaveScheduler) SetEditing(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = entityID
}

func (s *AutoSaveScheduler) Editing() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editing
}

func (s *AutoSaveScheduler) MarkDirty(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[entityID] = true
}

func (s *AutoSaveScheduler) ClearDirty(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, entityID)
}

func (s *AutoSaveScheduler) Dirty(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[entityID]
}

func (s *AutoSaveScheduler) tick() {
	s.mu.Lock()
	if !s.enabled || s.editing == "" || !s.dirty[s.editing] {
		s.mu.Unlock()
		return
	}
	entityID := s.editing
	s.mu.Unlock()

	if s.state(entityID) != StateIdle {
		return
	}
	s.logger.Debug("autosave tick firing", zap.String("entityId", entityID))
	s.save(entityID)
}
