// Package notify moves routing work signals around: an in-process hub
// wakes the scheduler when a channel has new captured events, and a NATS
// publisher announces sealed batches to external transports.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size per subscriber. Subscribers
// that cannot keep up have signals dropped (non-blocking send); a dropped
// wakeup only delays routing until the next scheduler tick.
const defaultSignalBufferSize = 16

// Signal says a channel has new captured events up to DataID.
type Signal struct {
	ChannelID string
	DataID    int64
}

// Filter restricts a subscription to certain channels. Empty means all.
type Filter struct {
	Channels []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(channelID string) bool {
	if len(s.filter.Channels) == 0 {
		return true
	}
	for _, c := range s.filter.Channels {
		if c == channelID {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe wakeup hub. The capture side signals it after
// committing change rows; the scheduler subscribes to trigger on-demand
// passes between ticks.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates the hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies all matching subscribers without blocking.
func (h *Hub) Signal(channelID string, dataID int64) {
	signal := Signal{ChannelID: channelID, DataID: dataID}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(channelID) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
			// Buffer full, the next tick covers it.
		}
	}
}

// Subscribe registers a subscriber and returns its signal channel and an
// idempotent cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}
	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
