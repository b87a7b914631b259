package fieldsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

type NetworkMonitorOptions struct {
	// Probe actively checks backend reachability. When nil the monitor
	// follows the platform signal alone.
	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Logger        *zap.Logger
}

// NetworkMonitor derives an effective online state from the platform
// connectivity signal and an active reachability probe. The platform
// flag is necessary but not sufficient: a device can claim to be online
// while the backend is unreachable, so both must agree before the
// monitor reports online. It starts online and corrects on the first
// probe or platform signal.
type NetworkMonitor struct {
	mu         sync.Mutex
	platformUp bool
	probeUp    bool
	online     bool
	callbacks  []func(bool)
	subs       map[int]chan bool
	nextSubID  int

	probe         func(ctx context.Context) error
	probeInterval time.Duration
	probeTimeout  time.Duration
	logger        *zap.Logger

	probeNow chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

func NewNetworkMonitor(opts NetworkMonitorOptions) *NetworkMonitor {
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkMonitor{
		platformUp:    true,
		probeUp:       true,
		online:        true,
		subs:          make(map[int]chan bool),
		probe:         opts.Probe,
		probeInterval: interval,
		probeTimeout:  timeout,
		logger:        logger,
		probeNow:      make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers a callback fired on every effective
// online/offline change. Callbacks run synchronously on the goroutine
// that caused the transition.
func (m *NetworkMonitor) OnTransition(cb func(online bool)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Subscribe returns a channel receiving each effective online/offline
// transition and a cancel func releasing it. A slow receiver misses
// transitions instead of blocking the monitor; poll Online for the
// current state.
func (m *NetworkMonitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 4)
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
	return ch, cancel
}

// SetPlatformOnline feeds the platform connectivity signal. Going
// offline takes effect immediately; going online additionally kicks an
// immediate probe to confirm the backend is actually reachable.
func (m *NetworkMonitor) SetPlatformOnline(up bool) {
	m.mu.Lock()
	m.platformUp = up
	changed, online, cbs, chs := m.recomputeLocked()
	m.mu.Unlock()
	if changed {
		m.fire(cbs, chs, online)
	}
	if up {
		select {
		case m.probeNow <- struct{}{}:
		default:
		}
	}
}

// CheckNow runs a single probe cycle synchronously and returns the
// probe error, if any. The effective state is updated as a side effect.
func (m *NetworkMonitor) CheckNow(ctx context.Context) error {
	if m.probe == nil {
		return nil
	}
	m.mu.Lock()
	platformUp := m.platformUp
	m.mu.Unlock()
	if !platformUp {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.probe(probeCtx)
	m.setProbeResult(err == nil)
	return err
}

func (m *NetworkMonitor) setProbeResult(ok bool) {
	m.mu.Lock()
	m.probeUp = ok
	changed, online, cbs, chs := m.recomputeLocked()
	m.mu.Unlock()
	if changed {
		m.fire(cbs, chs, online)
	}
}

func (m *NetworkMonitor) recomputeLocked() (bool, bool, []func(bool), []chan bool) {
	online := m.platformUp && m.probeUp
	if online == m.online {
		return false, online, nil, nil
	}
	m.online = online
	cbs := make([]func(bool), len(m.callbacks))
	copy(cbs, m.callbacks)
	chs := make([]chan bool, 0, len(m.subs))
	for _, ch := range m.subs {
		chs = append(chs, ch)
	}
	return true, online, cbs, chs
}

func (m *NetworkMonitor) fire(cbs []func(bool), chs []chan bool, online bool) {
	m.logger.Info("network transition", zap.Bool("online", online))
	for _, ch := range chs {
		select {
		case ch <- online:
		default:
		}
	}
	for _, cb := range cbs {
		cb(online)
	}
}

func (m *NetworkMonitor) Start() {
	m.mu.Lock()
	if m.started || m.probe == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeOnce()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeOnce()
			case <-m.probeNow:
				m.probeOnce()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *NetworkMonitor) probeOnce() {
	if err := m.CheckNow(context.Background()); err != nil {
		m.logger.Debug("reachability probe failed", zap.Error(err))
	}
}

func (m *NetworkMonitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}
