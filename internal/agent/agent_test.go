package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

type flushRecorder struct {
	calls int32

	mu     sync.Mutex
	report fieldsync.FlushReport
	err    error
	block  chan struct{}
}

func (f *flushRecorder) set(report fieldsync.FlushReport, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = report
	f.err = err
}

func (f *flushRecorder) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *flushRecorder) flush(ctx context.Context) (fieldsync.FlushReport, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	report, err, block := f.report, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fieldsync.FlushReport{}, ctx.Err()
		}
	}
	return report, err
}

func (f *flushRecorder) count() int32 {
	return atomic.LoadInt32(&f.calls)
}

func newTestManager(t *testing.T, recorder *flushRecorder, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Flush:           recorder.flush,
		ResponseTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestManagerRegisterLifecycle(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)

	if got := m.State(); got != StateUnregistered {
		t.Fatalf("expected unregistered before Register, got %s", got)
	}
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if got := m.State(); got != StateRegistered {
		t.Fatalf("expected registered, got %s", got)
	}
	info, ok := m.ActiveWorker()
	if !ok || info.Version != "1" || info.Status != WorkerActive {
		t.Fatalf("unexpected active worker %+v ok=%v", info, ok)
	}
	if err := m.Register(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive on double register, got %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := m.State(); got != StateStopped {
		t.Fatalf("expected stopped after close, got %s", got)
	}
	if err := m.Register(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestManagerUnregisterAllowsReRegister(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)

	if err := m.Unregister(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered before register, got %v", err)
	}
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := m.Unregister(); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if got := m.State(); got != StateUnregistered {
		t.Fatalf("expected unregistered after unregister, got %s", got)
	}
	if _, ok := m.ActiveWorker(); ok {
		t.Fatal("no worker should remain after unregister")
	}
	if _, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessagePing}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered after unregister, got %v", err)
	}

	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	resp, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessagePing})
	if err != nil || !resp.OK {
		t.Fatalf("ping after re-register failed: resp=%+v err=%v", resp, err)
	}
}

func TestManagerDisabledReportsUnsupported(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, func(opts *Options) {
		opts.Disabled = true
	})
	if err := m.Register(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if got := m.State(); got != StateUnsupported {
		t.Fatalf("expected unsupported state, got %s", got)
	}
	if ok := m.RegisterBackgroundSync("inspection-1"); ok {
		t.Fatal("background sync must be unavailable when unsupported")
	}
}

func TestManagerTransitionHooks(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)

	var mu sync.Mutex
	var seen []State
	m.OnTransition(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	mu.Lock()
	got := append([]State{}, seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != StateRegistering || got[1] != StateRegistered {
		t.Fatalf("unexpected transition sequence %v", got)
	}
}

func TestManagerPingAndVersionCorrelation(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	resp, err := m.PostMessageWithResponse(context.Background(), Message{ID: "msg-1", Type: MessagePing})
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if !resp.OK || resp.ID != "msg-1" || resp.Type != MessagePing {
		t.Fatalf("response not correlated: %+v", resp)
	}

	// A message without an ID gets one assigned before dispatch.
	resp, err = m.PostMessageWithResponse(context.Background(), Message{Type: MessageVersion})
	if err != nil {
		t.Fatalf("version message failed: %v", err)
	}
	if !resp.OK || resp.ID == "" || resp.Version != "1" {
		t.Fatalf("unexpected version response %+v", resp)
	}
}

func TestManagerRejectsUnknownMessageType(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := m.PostMessage(context.Background(), Message{Type: "selfdestruct"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestManagerRequiresRegistration(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)
	_, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessagePing})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered before register, got %v", err)
	}
	if _, err := m.CheckForUpdates(context.Background()); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered for update check, got %v", err)
	}
}

func TestManagerFlushAndStatsMessages(t *testing.T) {
	recorder := &flushRecorder{}
	recorder.set(fieldsync.FlushReport{Succeeded: 2}, nil)
	m := newTestManager(t, recorder, nil)
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	resp, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessageFlush})
	if err != nil {
		t.Fatalf("flush message failed: %v", err)
	}
	if !resp.OK || resp.Report == nil || resp.Report.Succeeded != 2 {
		t.Fatalf("unexpected flush response %+v", resp)
	}

	recorder.set(fieldsync.FlushReport{}, errors.New("backend exploded"))
	resp, err = m.PostMessageWithResponse(context.Background(), Message{Type: MessageFlush})
	if err != nil {
		t.Fatalf("flush message failed: %v", err)
	}
	if resp.OK || resp.Error != "backend exploded" {
		t.Fatalf("flush failure not surfaced: %+v", resp)
	}

	resp, err = m.PostMessageWithResponse(context.Background(), Message{Type: MessageStats})
	if err != nil {
		t.Fatalf("stats message failed: %v", err)
	}
	if resp.Stats == nil || resp.Stats.Flushes != 2 {
		t.Fatalf("expected 2 flushes in stats, got %+v", resp.Stats)
	}
	if resp.Stats.LastError != "backend exploded" {
		t.Fatalf("expected last error retained, got %+v", resp.Stats)
	}
	if resp.Stats.LastReport == nil || resp.Stats.LastReport.Succeeded != 2 {
		t.Fatalf("expected last successful report retained, got %+v", resp.Stats)
	}
}

func TestManagerResponseTimeout(t *testing.T) {
	recorder := &flushRecorder{}
	release := make(chan struct{})
	recorder.setBlock(release)
	m := newTestManager(t, recorder, func(opts *Options) {
		opts.ResponseTimeout = 40 * time.Millisecond
	})
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessageFlush})
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}
	close(release)
}

func TestManagerBackgroundSyncMarkerFlow(t *testing.T) {
	spool := t.TempDir()
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, func(opts *Options) {
		opts.SpoolDir = spool
	})
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if ok := m.RegisterBackgroundSync("inspection-42"); !ok {
		t.Fatal("expected background sync registration to succeed")
	}
	markerPath := filepath.Join(spool, "inspection-42.json")
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("marker file not written: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return recorder.count() >= 1
	}, "marker wake to flush the queue")
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(markerPath)
		return os.IsNotExist(err)
	}, "marker to be cleared after the queue drained")

	stats := m.Stats()
	if len(stats.SyncTags) != 1 || stats.SyncTags[0] != "inspection-42" {
		t.Fatalf("sync tag not recorded: %+v", stats.SyncTags)
	}
}

func TestManagerBackgroundSyncUnavailable(t *testing.T) {
	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, nil)
	if ok := m.RegisterBackgroundSync("inspection-1"); ok {
		t.Fatal("must refuse before registration")
	}
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if ok := m.RegisterBackgroundSync(""); ok {
		t.Fatal("must refuse an empty tag")
	}
	// No spool dir configured.
	if ok := m.RegisterBackgroundSync("inspection-1"); ok {
		t.Fatal("must refuse without a spool dir")
	}
}

func TestManagerReplaysSpoolMarkersAcrossRestart(t *testing.T) {
	spool := t.TempDir()
	valid := SyncMarker{Tag: "inspection-7", RequestedAt: time.Now().UTC(), RequestedBy: "agent"}
	if err := writeSyncMarker(spool, valid); err != nil {
		t.Fatalf("seed marker failed: %v", err)
	}
	malformed := filepath.Join(spool, "broken.json")
	if err := os.WriteFile(malformed, []byte(`{"requestedAt": "2026-08-25T10:00:00Z"}`), 0o600); err != nil {
		t.Fatalf("seed malformed marker failed: %v", err)
	}
	unrelated := filepath.Join(spool, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("not a marker"), 0o600); err != nil {
		t.Fatalf("seed unrelated file failed: %v", err)
	}

	recorder := &flushRecorder{}
	m := newTestManager(t, recorder, func(opts *Options) {
		opts.SpoolDir = spool
	})
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return recorder.count() >= 1
	}, "restart scan to replay the marker")
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(spool, "inspection-7.json"))
		return os.IsNotExist(err)
	}, "replayed marker to be cleared")

	if _, err := os.Stat(malformed); err != nil {
		t.Fatalf("malformed marker must be left alone: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("unrelated file must be left alone: %v", err)
	}
}

func TestManagerUpdateStagingAndSkipWaiting(t *testing.T) {
	recorder := &flushRecorder{}
	available := "1"
	var mu sync.Mutex
	m := newTestManager(t, recorder, func(opts *Options) {
		opts.CacheDir = filepath.Join(t.TempDir(), "cache")
		opts.UpdateSource = func(ctx context.Context) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			return available, nil
		}
	})
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	var notified []WorkerInfo
	m.OnUpdateAvailable(func(info WorkerInfo) {
		mu.Lock()
		notified = append(notified, info)
		mu.Unlock()
	})

	staged, err := m.CheckForUpdates(context.Background())
	if err != nil || staged {
		t.Fatalf("same version must stage nothing, staged=%v err=%v", staged, err)
	}

	mu.Lock()
	available = "2"
	mu.Unlock()
	staged, err = m.CheckForUpdates(context.Background())
	if err != nil || !staged {
		t.Fatalf("expected update staged, staged=%v err=%v", staged, err)
	}
	mu.Lock()
	if len(notified) != 1 || notified[0].Version != "2" || notified[0].Status != WorkerWaiting {
		mu.Unlock()
		t.Fatalf("expected one update notification for the staged worker, got %+v", notified)
	}
	mu.Unlock()
	waiting, ok := m.WaitingWorker()
	if !ok || waiting.Version != "2" || waiting.Status != WorkerWaiting {
		t.Fatalf("unexpected waiting worker %+v ok=%v", waiting, ok)
	}
	active, _ := m.ActiveWorker()
	if active.Version != "1" {
		t.Fatalf("active worker must keep running, got %+v", active)
	}

	// The staged version is already installed; do not stage it twice.
	staged, err = m.CheckForUpdates(context.Background())
	if err != nil || staged {
		t.Fatalf("staged version must not re-stage, staged=%v err=%v", staged, err)
	}

	if err := m.SkipWaiting(); err != nil {
		t.Fatalf("skip waiting failed: %v", err)
	}
	if _, ok := m.WaitingWorker(); ok {
		t.Fatal("no worker should be waiting after takeover")
	}
	resp, err := m.PostMessageWithResponse(context.Background(), Message{Type: MessageVersion})
	if err != nil {
		t.Fatalf("version message failed: %v", err)
	}
	if resp.Version != "2" {
		t.Fatalf("messages must be serviced by the new worker, got %+v", resp)
	}

	if err := m.SkipWaiting(); !errors.Is(err, ErrNoPendingUpdate) {
		t.Fatalf("expected ErrNoPendingUpdate, got %v", err)
	}
}
