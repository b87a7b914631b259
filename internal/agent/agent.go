package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

// State is the manager's registration lifecycle.
type State string

const (
	StateUnregistered State = "unregistered"
	StateUnsupported  State = "unsupported"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// WorkerStatus tracks one worker through install, waiting and active.
type WorkerStatus string

const (
	WorkerInstalling WorkerStatus = "installing"
	WorkerWaiting    WorkerStatus = "waiting"
	WorkerActive     WorkerStatus = "active"
	WorkerStopped    WorkerStatus = "stopped"
)

const (
	defaultResponseTimeout = 10 * time.Second
	defaultFlushTimeout    = 60 * time.Second
	defaultWorkerVersion   = "1"
	workerInboxSize        = 16
	wakeBufferSize         = 8
)

// FlushFunc drains the pending sync queue.
type FlushFunc func(ctx context.Context) (fieldsync.FlushReport, error)

type Options struct {
	// Flush is invoked on flush messages and background sync wakes.
	// Required.
	Flush FlushFunc
	// CacheDir stores worker artifacts between runs. Optional.
	CacheDir string
	// SpoolDir is watched for sync markers. Empty disables background
	// sync; the agent still runs and RegisterBackgroundSync reports
	// false.
	SpoolDir string
	// Version identifies the initial worker.
	Version string
	// UpdateSource reports the version currently available, letting
	// CheckForUpdates stage a waiting worker. Optional.
	UpdateSource func(ctx context.Context) (string, error)
	// Disabled forces the unsupported path, as on platforms without a
	// background runtime.
	Disabled bool

	ResponseTimeout time.Duration
	FlushTimeout    time.Duration
	Clock           func() time.Time
	IDFunc          func() string
	Logger          *zap.Logger
}

// Manager owns the background worker that services sync requests when
// the application itself is idle. Registration may fail or be
// unsupported; the rest of the system keeps working without it and
// falls back to flush-on-reconnect.
type Manager struct {
	flush           FlushFunc
	cache           *Cache
	spoolDir        string
	version         string
	updateSource    func(ctx context.Context) (string, error)
	disabled        bool
	responseTimeout time.Duration
	flushTimeout    time.Duration
	now             func() time.Time
	newID           func() string
	logger          *zap.Logger

	mu          sync.Mutex
	state       State
	worker      *worker
	pending     *worker
	watcher     *fsnotify.Watcher
	syncTags    map[string]bool
	stats       Stats
	transitions []func(State)
	updateHooks []func(WorkerInfo)

	wake      chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type worker struct {
	version   string
	status    WorkerStatus
	startedAt time.Time
	inbox     chan envelope
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

type envelope struct {
	msg   Message
	reply chan Response
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	Version   string       `json:"version"`
	Status    WorkerStatus `json:"status"`
	StartedAt time.Time    `json:"startedAt,omitempty"`
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Flush == nil {
		return nil, errors.New("agent: Flush func is required")
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
	version := opts.Version
	if version == "" {
		version = defaultWorkerVersion
	}
	responseTimeout := opts.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Manager{
		flush:           opts.Flush,
		cache:           NewCache(opts.CacheDir),
		spoolDir:        opts.SpoolDir,
		version:         version,
		updateSource:    opts.UpdateSource,
		disabled:        opts.Disabled,
		responseTimeout: responseTimeout,
		flushTimeout:    flushTimeout,
		now:             now,
		newID:           newID,
		logger:          logger,
		state:           StateUnregistered,
		syncTags:        make(map[string]bool),
		wake:            make(chan string, wakeBufferSize),
		done:            make(chan struct{}),
	}, nil
}

// State returns the manager's registration state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers fn to run on every registration state change.
func (m *Manager) OnTransition(fn func(State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.transitions = append(m.transitions, fn)
	m.mu.Unlock()
}

// OnUpdateAvailable registers fn to run whenever CheckForUpdates stages
// a newer worker. The staged worker waits for SkipWaiting.
func (m *Manager) OnUpdateAvailable(fn func(WorkerInfo)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.updateHooks = append(m.updateHooks, fn)
	m.mu.Unlock()
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	hooks := append([]func(State){}, m.transitions...)
	m.mu.Unlock()
	m.logger.Info("agent state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	for _, fn := range hooks {
		fn(next)
	}
}

// Register installs and activates the initial worker. On unsupported
// platforms it parks in StateUnsupported and returns ErrUnsupported;
// callers are expected to carry on without background sync.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		m.setState(StateUnsupported)
		return ErrUnsupported
	}
	switch m.state {
	case StateUnregistered, StateError:
	case StateStopped:
		m.mu.Unlock()
		return ErrClosed
	default:
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.mu.Unlock()

	m.setState(StateRegistering)
	w := m.newWorker(m.version)
	if err := m.installWorker(w); err != nil {
		m.setState(StateError)
		return fmt.Errorf("install agent worker: %w", err)
	}
	m.activateWorker(w)
	m.setState(StateRegistered)
	m.scanSpool()
	return ctx.Err()
}

func (m *Manager) newWorker(version string) *worker {
	return &worker{
		version: version,
		status:  WorkerInstalling,
		inbox:   make(chan envelope, workerInboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (m *Manager) installWorker(w *worker) error {
	if err := m.cache.Prepare(w.version, m.now()); err != nil {
		return err
	}
	return nil
}

func (m *Manager) activateWorker(w *worker) {
	m.mu.Lock()
	w.status = WorkerActive
	w.startedAt = m.now()
	m.worker = w
	m.stats.Version = w.version
	m.stats.StartedAt = w.startedAt
	m.mu.Unlock()
	m.wg.Add(1)
	go m.runWorker(w)
}

func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case env := <-w.inbox:
			m.handleMessage(w, env)
		case tag := <-m.wake:
			m.handleSyncWake(tag)
		}
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// ActiveWorker describes the worker currently servicing messages.
func (m *Manager) ActiveWorker() (WorkerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker == nil {
		return WorkerInfo{}, false
	}
	return workerInfo(m.worker), true
}

// WaitingWorker describes an installed update that has not taken over.
func (m *Manager) WaitingWorker() (WorkerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return WorkerInfo{}, false
	}
	return workerInfo(m.pending), true
}

func workerInfo(w *worker) WorkerInfo {
	return WorkerInfo{Version: w.version, Status: w.status, StartedAt: w.startedAt}
}

// PostMessage sends a fire-and-forget message to the active worker.
func (m *Manager) PostMessage(ctx context.Context, msg Message) error {
	_, err := m.post(ctx, msg, false)
	return err
}

// PostMessageWithResponse sends a message and waits for the correlated
// response. The wait is bounded by the manager's response timeout; a
// worker that never answers yields ErrResponseTimeout rather than a
// hang.
func (m *Manager) PostMessageWithResponse(ctx context.Context, msg Message) (Response, error) {
	return m.post(ctx, msg, true)
}

func (m *Manager) post(ctx context.Context, msg Message, wantReply bool) (Response, error) {
	if err := msg.Validate(); err != nil {
		return Response{}, err
	}
	if msg.ID == "" {
		msg.ID = m.newID()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = m.now()
	}
	m.mu.Lock()
	w := m.worker
	m.mu.Unlock()
	if w == nil {
		return Response{}, ErrNotRegistered
	}

	env := envelope{msg: msg}
	if wantReply {
		env.reply = make(chan Response, 1)
	}
	timer := time.NewTimer(m.responseTimeout)
	defer timer.Stop()

	select {
	case w.inbox <- env:
	case <-w.done:
		return Response{}, ErrNotRegistered
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: inbox full after %s", ErrResponseTimeout, m.responseTimeout)
	}
	if !wantReply {
		return Response{}, nil
	}
	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: no response to %s within %s", ErrResponseTimeout, msg.Type, m.responseTimeout)
	}
}

func (m *Manager) handleMessage(w *worker, env envelope) {
	resp := Response{
		ID:         env.msg.ID,
		Type:       env.msg.Type,
		Version:    w.version,
		ReceivedAt: m.now(),
	}
	switch env.msg.Type {
	case MessagePing, MessageVersion:
		resp.OK = true
	case MessageStats:
		stats := m.statsSnapshot()
		resp.OK = true
		resp.Stats = &stats
	case MessageFlush:
		report, err := m.performFlush(env.msg.Tag)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Report = &report
		}
	default:
		resp.Error = fmt.Sprintf("unknown message type %q", env.msg.Type)
	}
	if env.reply != nil {
		env.reply <- resp
	}
}

func (m *Manager) handleSyncWake(tag string) {
	m.logger.Debug("background sync wake", zap.String("tag", tag))
	if _, err := m.performFlush(tag); err != nil && !errors.Is(err, fieldsync.ErrFlushInProgress) {
		m.logger.Warn("background sync flush failed", zap.String("tag", tag), zap.Error(err))
	}
}

func (m *Manager) performFlush(tag string) (fieldsync.FlushReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.flushTimeout)
	defer cancel()
	report, err := m.flush(ctx)

	m.mu.Lock()
	m.stats.Flushes++
	m.stats.LastFlushAt = m.now()
	if err != nil {
		m.stats.LastError = err.Error()
	} else {
		m.stats.LastError = ""
		stored := report
		m.stats.LastReport = &stored
	}
	m.mu.Unlock()

	if err != nil {
		return report, err
	}
	if werr := m.cache.WriteReport(report, m.now()); werr != nil {
		m.logger.Warn("failed to store flush report", zap.Error(werr))
	}
	if report.Remaining == 0 {
		m.clearMarkers(tag)
	}
	return report, nil
}

func (m *Manager) statsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	if m.stats.LastReport != nil {
		report := *m.stats.LastReport
		stats.LastReport = &report
	}
	stats.SyncTags = make([]string, 0, len(m.syncTags))
	for tag := range m.syncTags {
		stats.SyncTags = append(stats.SyncTags, tag)
	}
	sort.Strings(stats.SyncTags)
	return stats
}

// Stats reports the worker's activity counters.
func (m *Manager) Stats() Stats {
	return m.statsSnapshot()
}

// RegisterBackgroundSync asks for a queue flush to run once one is
// possible, surviving restarts via a spool marker. It is best-effort:
// false means background sync is unavailable and the caller should rely
// on flush-on-reconnect instead.
func (m *Manager) RegisterBackgroundSync(tag string) bool {
	if tag == "" {
		return false
	}
	m.mu.Lock()
	if m.state != StateRegistered || m.spoolDir == "" {
		m.mu.Unlock()
		return false
	}
	if err := m.armWatcherLocked(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("background sync unavailable", zap.Error(err))
		return false
	}
	m.syncTags[tag] = true
	spool := m.spoolDir
	m.mu.Unlock()

	marker := SyncMarker{Tag: tag, RequestedAt: m.now(), RequestedBy: "agent"}
	if err := writeSyncMarker(spool, marker); err != nil {
		m.logger.Warn("failed to write sync marker", zap.String("tag", tag), zap.Error(err))
		return false
	}
	return true
}

// armWatcherLocked starts the spool watcher once. The watcher wakes the
// worker whenever a marker file appears, including markers dropped by
// other processes.
func (m *Manager) armWatcherLocked() error {
	if m.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(m.spoolDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.spoolDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.watchSpool(watcher)
	return nil
}

func (m *Manager) watchSpool(watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			tag, err := readSyncMarker(ev.Name)
			if err != nil {
				m.logger.Warn("ignoring malformed sync marker",
					zap.String("path", ev.Name), zap.Error(err))
				continue
			}
			m.wakeWorker(tag)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) wakeWorker(tag string) {
	select {
	case m.wake <- tag:
	default:
		// A flush is already queued up; the marker stays on disk and
		// is retried on the next wake or scan.
	}
}

// scanSpool picks up markers left over from before this process
// started.
func (m *Manager) scanSpool() {
	m.mu.Lock()
	spool := m.spoolDir
	m.mu.Unlock()
	if spool == "" {
		return
	}
	entries, err := os.ReadDir(spool)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to scan sync spool", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		tag, err := readSyncMarker(filepath.Join(spool, entry.Name()))
		if err != nil {
			m.logger.Warn("ignoring malformed sync marker",
				zap.String("path", entry.Name()), zap.Error(err))
			continue
		}
		m.wakeWorker(tag)
	}
}

func (m *Manager) clearMarkers(tag string) {
	m.mu.Lock()
	spool := m.spoolDir
	m.mu.Unlock()
	if spool == "" {
		return
	}
	if tag != "" {
		m.removeMarkerFile(syncMarkerPath(spool, tag))
		return
	}
	// The queue drained, so every outstanding sync request is
	// satisfied.
	entries, err := os.ReadDir(spool)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		m.removeMarkerFile(filepath.Join(spool, entry.Name()))
	}
}

func (m *Manager) removeMarkerFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove sync marker", zap.String("path", path), zap.Error(err))
	}
}

// Unregister drains the active worker and returns the manager to
// unregistered, from where Register may run again. Waiting updates and
// background sync registrations are discarded with it.
func (m *Manager) Unregister() error {
	m.mu.Lock()
	switch m.state {
	case StateStopped:
		m.mu.Unlock()
		return ErrClosed
	case StateRegistered:
	default:
		m.mu.Unlock()
		return ErrNotRegistered
	}
	active := m.worker
	pending := m.pending
	watcher := m.watcher
	m.worker = nil
	m.pending = nil
	m.watcher = nil
	m.syncTags = make(map[string]bool)
	m.mu.Unlock()

	if active != nil {
		active.stop()
		<-active.stopped
		m.mu.Lock()
		active.status = WorkerStopped
		m.mu.Unlock()
	}
	if pending != nil {
		pending.stop()
	}
	var closeErr error
	if watcher != nil {
		closeErr = watcher.Close()
	}
	m.setState(StateUnregistered)
	return closeErr
}

// CheckForUpdates asks the update source for the available worker
// version and stages it as a waiting worker when it differs from the
// active one. The active worker keeps running; takeover happens only on
// SkipWaiting.
func (m *Manager) CheckForUpdates(ctx context.Context) (bool, error) {
	m.mu.Lock()
	state := m.state
	src := m.updateSource
	var current, staged string
	if m.worker != nil {
		current = m.worker.version
	}
	if m.pending != nil {
		staged = m.pending.version
	}
	m.mu.Unlock()

	if state != StateRegistered {
		return false, ErrNotRegistered
	}
	if src == nil {
		return false, nil
	}
	available, err := src(ctx)
	if err != nil {
		return false, fmt.Errorf("check agent updates: %w", err)
	}
	if available == "" || available == current || available == staged {
		return false, nil
	}

	w := m.newWorker(available)
	if err := m.installWorker(w); err != nil {
		m.logger.Warn("agent update install failed",
			zap.String("version", available), zap.Error(err))
		return false, err
	}
	m.mu.Lock()
	w.status = WorkerWaiting
	if m.pending != nil {
		m.pending.stop()
	}
	m.pending = w
	hooks := append([]func(WorkerInfo){}, m.updateHooks...)
	info := workerInfo(w)
	m.mu.Unlock()
	m.logger.Info("agent update waiting",
		zap.String("current", current),
		zap.String("available", available))
	for _, fn := range hooks {
		fn(info)
	}
	return true, nil
}

// SkipWaiting promotes the waiting worker. The old worker is drained
// before the new one takes over, so no message is serviced by both.
func (m *Manager) SkipWaiting() error {
	m.mu.Lock()
	pending := m.pending
	old := m.worker
	if pending == nil {
		m.mu.Unlock()
		return ErrNoPendingUpdate
	}
	m.pending = nil
	m.worker = nil
	m.mu.Unlock()

	if old != nil {
		old.stop()
		<-old.stopped
		m.mu.Lock()
		old.status = WorkerStopped
		m.mu.Unlock()
	}
	m.activateWorker(pending)
	m.logger.Info("agent update activated", zap.String("version", pending.version))
	m.scanSpool()
	return nil
}

func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.setState(StateStopped)
		close(m.done)
		m.mu.Lock()
		active := m.worker
		pending := m.pending
		watcher := m.watcher
		m.worker = nil
		m.pending = nil
		m.watcher = nil
		m.mu.Unlock()

		if active != nil {
			active.stop()
		}
		if pending != nil {
			pending.stop()
		}
		if watcher != nil {
			closeErr = multierr.Append(closeErr, watcher.Close())
		}
		m.wg.Wait()
	})
	return closeErr
}

func syncMarkerPath(spool, tag string) string {
	return filepath.Join(spool, tag+".json")
}

func writeSyncMarker(spool string, marker SyncMarker) error {
	data, err := marshalSyncMarker(marker)
	if err != nil {
		return err
	}
	return writeFileAtomic(syncMarkerPath(spool, marker.Tag), data)
}

func readSyncMarker(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := ValidateSyncMarkerJSON(data); err != nil {
		return "", err
	}
	marker, err := unmarshalSyncMarker(data)
	if err != nil {
		return "", err
	}
	return marker.Tag, nil
}
