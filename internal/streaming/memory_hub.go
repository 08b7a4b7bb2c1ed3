package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/dagflow/internal/store"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan *store.Event
	filter EventFilter
	once   sync.Once
}

// MemoryHub is an in-process EventHub backed by buffered channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
	done    chan struct{}
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
		done: make(chan struct{}),
	}
}

// Publish sends a copy of event to every matching subscriber.
// If a subscriber's channel is full the event is dropped for it.
func (h *MemoryHub) Publish(ctx context.Context, event *store.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		c := *event
		select {
		case sub.ch <- &c:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan *store.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan *store.Event, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, context.Canceled
	}
	h.subs[id] = sub
	h.mu.Unlock()

	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() { close(stop) })
		h.remove(id)
	}
	go func() {
		select {
		case <-ctx.Done():
			h.remove(id)
		case <-stop:
		case <-h.done:
		}
	}()

	return sub.ch, cancel, nil
}

func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Dropped returns how many deliveries were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later Subscribe calls fail.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

var _ EventHub = (*MemoryHub)(nil)
