package fieldsync

import "sync"

const defaultEventBuffer = 64

// dispatcher fans events out to subscribers. Sends never block: a
// subscriber that stops draining loses events rather than stalling the
// save path.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	nextID int64
	buffer int
	closed bool
}

func newDispatcher(buffer int) *dispatcher {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &dispatcher{
		subs:   make(map[int64]chan Event),
		buffer: buffer,
	}
}

func (d *dispatcher) subscribe() (<-chan Event, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	d.nextID++
	id := d.nextID
	ch := make(chan Event, d.buffer)
	d.subs[id] = ch
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if sub, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(sub)
		}
	}
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub)
	}
}
