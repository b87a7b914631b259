package fieldsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type transitionRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *transitionRecorder) record(online bool) {
	r.mu.Lock()
	r.states = append(r.states, online)
	r.mu.Unlock()
}

func (r *transitionRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.states))
	copy(out, r.states)
	return out
}

func TestNetworkMonitorStartsOnline(t *testing.T) {
	monitor := NewNetworkMonitor(NetworkMonitorOptions{})
	defer monitor.Close()
	if !monitor.Online() {
		t.Fatalf("expected monitor to start online")
	}
}

func TestNetworkMonitorPlatformSignal(t *testing.T) {
	monitor := NewNetworkMonitor(NetworkMonitorOptions{})
	defer monitor.Close()
	rec := &transitionRecorder{}
	monitor.OnTransition(rec.record)

	monitor.SetPlatformOnline(false)
	if monitor.Online() {
		t.Fatalf("expected offline after platform signal")
	}
	monitor.SetPlatformOnline(false)
	monitor.SetPlatformOnline(true)
	if !monitor.Online() {
		t.Fatalf("expected online after platform recovery")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Fatalf("expected exactly one transition per effective change, got %v", got)
	}
}

func TestNetworkMonitorSubscribe(t *testing.T) {
	monitor := NewNetworkMonitor(NetworkMonitorOptions{})
	defer monitor.Close()
	ch, cancel := monitor.Subscribe()

	monitor.SetPlatformOnline(false)
	monitor.SetPlatformOnline(true)
	for _, want := range []bool{false, true} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("expected transition %v, got %v", want, got)
			}
		default:
			t.Fatalf("expected buffered transition %v", want)
		}
	}

	cancel()
	monitor.SetPlatformOnline(false)
	select {
	case got := <-ch:
		t.Fatalf("cancelled subscription must not receive, got %v", got)
	default:
	}
}

func TestNetworkMonitorRequiresProbeAgreement(t *testing.T) {
	var probeErr error
	var mu sync.Mutex
	probe := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return probeErr
	}
	monitor := NewNetworkMonitor(NetworkMonitorOptions{Probe: probe})
	defer monitor.Close()
	rec := &transitionRecorder{}
	monitor.OnTransition(rec.record)

	mu.Lock()
	probeErr = errors.New("backend unreachable")
	mu.Unlock()
	if err := monitor.CheckNow(context.Background()); err == nil {
		t.Fatalf("expected probe error to propagate")
	}
	if monitor.Online() {
		t.Fatalf("platform up but probe down must report offline")
	}

	mu.Lock()
	probeErr = nil
	mu.Unlock()
	if err := monitor.CheckNow(context.Background()); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !monitor.Online() {
		t.Fatalf("expected online once both signals agree")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Fatalf("expected offline then online transitions, got %v", got)
	}
}

func TestNetworkMonitorSkipsProbeWhilePlatformDown(t *testing.T) {
	probed := false
	monitor := NewNetworkMonitor(NetworkMonitorOptions{Probe: func(ctx context.Context) error {
		probed = true
		return nil
	}})
	defer monitor.Close()

	monitor.SetPlatformOnline(false)
	if err := monitor.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow failed: %v", err)
	}
	if probed {
		t.Fatalf("probe must not run while the platform reports offline")
	}
}

func TestNetworkMonitorProbeLoopRecovers(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	monitor := NewNetworkMonitor(NetworkMonitorOptions{
		Probe: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if healthy {
				return nil
			}
			return errors.New("still down")
		},
		ProbeInterval: 10 * time.Millisecond,
	})
	monitor.Start()
	defer monitor.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && monitor.Online() {
		time.Sleep(5 * time.Millisecond)
	}
	if monitor.Online() {
		t.Fatalf("expected failing probe to take the monitor offline")
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !monitor.Online() {
		time.Sleep(5 * time.Millisecond)
	}
	if !monitor.Online() {
		t.Fatalf("expected recovering probe to bring the monitor back online")
	}
}

func TestNetworkMonitorProbeTimeout(t *testing.T) {
	monitor := NewNetworkMonitor(NetworkMonitorOptions{
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		ProbeTimeout: 10 * time.Millisecond,
	})
	defer monitor.Close()

	start := time.Now()
	err := monitor.CheckNow(context.Background())
	if err == nil {
		t.Fatalf("expected hung probe to time out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe timeout took too long: %s", elapsed)
	}
	if monitor.Online() {
		t.Fatalf("expected timed out probe to report offline")
	}
}
