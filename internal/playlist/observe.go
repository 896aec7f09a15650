package playlist

import (
	"context"
	"strconv"
	"sync"
)

const observeBufferSize = 16

// changeHub fans committed playlist states out to ObserveChanges subscribers.
// Delivery is version-monotonic per subscriber: a state older than the last
// one offered to a subscriber is discarded. Under backpressure the oldest
// buffered state is dropped so the newest always gets through.
type changeHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	closed      bool
}

type changeSubscriber struct {
	id          int64
	stream      chan Playlist
	lastVersion int64
}

func newChangeHub() *changeHub {
	return &changeHub{
		subscribers: make(map[string]map[int64]*changeSubscriber),
	}
}

// subscribe registers interest in committed states for one playlist id. The
// subscriber's channel stays open until the subscription is cancelled or the
// hub closes. Cancelling the context has the same effect as the cancel func.
func (h *changeHub) subscribe(ctx context.Context, playlistID string) (*changeSubscriber, func()) {
	h.mu.Lock()
	if h.closed || playlistID == "" {
		h.mu.Unlock()
		subscriber := &changeSubscriber{stream: make(chan Playlist)}
		close(subscriber.stream)
		return subscriber, func() {}
	}
	h.nextID++
	subscriber := &changeSubscriber{
		id:          h.nextID,
		stream:      make(chan Playlist, observeBufferSize),
		lastVersion: -1,
	}
	if _, ok := h.subscribers[playlistID]; !ok {
		h.subscribers[playlistID] = make(map[int64]*changeSubscriber)
	}
	h.subscribers[playlistID][subscriber.id] = subscriber
	h.mu.Unlock()

	cleanup := func() {
		h.unsubscribe(playlistID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber, cleanup
}

// offer delivers a state to a single subscriber, subject to the same
// monotonic-version guard as Publish. Used to seed new subscriptions with
// the current committed state.
func (h *changeHub) offer(subscriber *changeSubscriber, state Playlist) {
	version, err := strconv.ParseInt(state.SnapshotID, 10, 64)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if subscribers, ok := h.subscribers[state.ID]; !ok || subscribers[subscriber.id] == nil {
		return
	}
	if version < subscriber.lastVersion {
		return
	}
	subscriber.lastVersion = version
	select {
	case subscriber.stream <- state:
	default:
	}
}

// Publish offers a committed state to every subscriber of its playlist.
func (h *changeHub) Publish(state Playlist) {
	if state.ID == "" {
		return
	}
	version, err := strconv.ParseInt(state.SnapshotID, 10, 64)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, subscriber := range h.subscribers[state.ID] {
		if version < subscriber.lastVersion {
			continue
		}
		subscriber.lastVersion = version
		select {
		case subscriber.stream <- state:
		default:
			select {
			case <-subscriber.stream:
			default:
			}
			select {
			case subscriber.stream <- state:
			default:
			}
		}
	}
}

// Close terminates every subscription; their channels are closed so ranging
// consumers finish.
func (h *changeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for playlistID, subscribers := range h.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(h.subscribers, playlistID)
	}
}

func (h *changeHub) unsubscribe(playlistID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	subscribers := h.subscribers[playlistID]
	if subscribers == nil {
		return
	}
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
	}
	if len(subscribers) == 0 {
		delete(h.subscribers, playlistID)
	}
}
