// Package hub fans out document deltas to pattern-subscribed clients
// through a bounded per-client outbound queue, following
// internal/network.NetworkManager's handler-registration-and-broadcast
// pattern in the teacher repo (handlers map[MessageType][]MessageHandler,
// OnMessage/BroadcastMessage), repurposed here from peer message types to
// glob-matched document-id patterns. The bounded-queue-with-oldest-drop
// has no teacher analogue (the P2P layer never bounds its outbound
// queues); it's a plain mutex-guarded slice, matching the teacher's
// general preference for hand-rolled maps/slices over a queue library.
package hub

import (
	"context"
	"sync"
)

// FrameKind distinguishes the three push frame shapes a subscriber can
// receive, per spec §4.4/§6.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameSnapshot
	FrameTombstone
)

// Frame is one pushed item destined for a subscriber's connection. The
// wire-level "#"/"!" encoding lives in internal/protocol; the hub only
// deals in this structured form.
type Frame struct {
	DocID   string
	Kind    FrameKind
	Version uint64
	Payload []byte // delta or snapshot bytes; nil for FrameTombstone
}

const defaultQueueCapacity = 1024

// SnapshotFunc resolves the current full snapshot for docID, used to
// fulfil a coalesced resync after a subscriber's queue has overflowed.
// It returns ok=false if the document no longer exists.
type SnapshotFunc func(docID string) (version uint64, snapshot []byte, ok bool)

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Frame
	resync map[string]bool // docID -> a delta was dropped, next send must be a snapshot
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{resync: make(map[string]bool)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Hub maps patterns to subscribers and fans out published deltas.
type Hub struct {
	mu          sync.RWMutex
	patterns    map[string]map[string]struct{} // client -> set of patterns
	subscribers map[string]*subscriber         // client -> outbound queue
	queueCap    int
	snapshotFn  SnapshotFunc
	onQueueDrop func(client, docID string)
}

// New builds a Hub whose subscriber queues hold up to queueCapacity
// frames (0 uses the spec default of 1024), resolving resync snapshots
// via snapshotFn. onQueueDrop, if non-nil, is called once per dropped
// frame (wired to a metrics counter by the caller); it must not block.
func New(queueCapacity int, snapshotFn SnapshotFunc, onQueueDrop func(client, docID string)) *Hub {
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	return &Hub{
		patterns:    make(map[string]map[string]struct{}),
		subscribers: make(map[string]*subscriber),
		queueCap:    queueCapacity,
		snapshotFn:  snapshotFn,
		onQueueDrop: onQueueDrop,
	}
}

func (h *Hub) ensureSubscriber(client string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[client]
	if !ok {
		sub = newSubscriber()
		h.subscribers[client] = sub
		h.patterns[client] = make(map[string]struct{})
	}
	return sub
}

// Subscribe registers pattern for client, deduplicated per client.
// Returns true if this added a new pattern, false if client was already
// subscribed to it.
func (h *Hub) Subscribe(client, pattern string) bool {
	h.ensureSubscriber(client)
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.patterns[client]
	if _, exists := set[pattern]; exists {
		return false
	}
	set[pattern] = struct{}{}
	return true
}

// Unsubscribe is idempotent: removing a pattern not held is a no-op.
func (h *Hub) Unsubscribe(client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.patterns[client]; ok {
		delete(set, pattern)
	}
}

// Patterns returns the client's current pattern set, for KEYS-style
// introspection and tests.
func (h *Hub) Patterns(client string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.patterns[client]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Disconnect drops all of client's patterns and its outbound queue.
func (h *Hub) Disconnect(client string) {
	h.mu.Lock()
	sub := h.subscribers[client]
	delete(h.subscribers, client)
	delete(h.patterns, client)
	h.mu.Unlock()

	if sub != nil {
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
}

// MatchingClients returns the clients whose pattern set matches docID,
// under the hub's read lock. Exported so the manager can reuse it for
// RESTORE's resync-to-matching-subscribers step (§9, restore open
// question) without the hub needing any document-registry knowledge.
func (h *Hub) MatchingClients(docID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for client, set := range h.patterns {
		for pattern := range set {
			if MatchPattern(pattern, docID) {
				out = append(out, client)
				break
			}
		}
	}
	return out
}

// Publish enqueues a delta frame to every subscriber whose pattern
// matches docID. Delivery is non-blocking: an overflowing queue drops
// the oldest queued frame for that client+doc (or, failing that, the
// overall oldest frame). If the dropped frame was a delta, the client is
// flagged for a resync on the dropped frame's document, and the next
// Publish for that document enqueues a full snapshot instead of a delta.
func (h *Hub) Publish(docID string, version uint64, delta []byte) {
	for _, client := range h.MatchingClients(docID) {
		h.deliver(client, docID, version, delta)
	}
}

// Tombstone enqueues a tombstone frame (no payload) to every subscriber
// matching docID, signaling the document's destruction.
func (h *Hub) Tombstone(docID string, version uint64) {
	for _, client := range h.MatchingClients(docID) {
		h.enqueue(client, Frame{DocID: docID, Kind: FrameTombstone, Version: version})
	}
}

// DeliverSnapshot enqueues a full-snapshot frame directly to client,
// independent of pattern matching — used for the initial full-state
// frame a fresh SUB must receive (spec §5 "subscribe establishes a
// happens-before edge").
func (h *Hub) DeliverSnapshot(client, docID string, version uint64, snapshot []byte) {
	h.enqueue(client, Frame{DocID: docID, Kind: FrameSnapshot, Version: version, Payload: snapshot})
}

func (h *Hub) deliver(client, docID string, version uint64, delta []byte) {
	h.mu.RLock()
	sub := h.subscribers[client]
	h.mu.RUnlock()
	if sub == nil {
		return
	}

	sub.mu.Lock()
	if sub.resync[docID] {
		delete(sub.resync, docID)
		sub.mu.Unlock()
		if h.snapshotFn != nil {
			if snapVersion, snap, ok := h.snapshotFn(docID); ok {
				h.enqueue(client, Frame{DocID: docID, Kind: FrameSnapshot, Version: snapVersion, Payload: snap})
				return
			}
		}
		sub.mu.Lock()
	}
	h.enqueueLocked(sub, client, Frame{DocID: docID, Kind: FrameDelta, Version: version, Payload: delta})
	sub.mu.Unlock()
}

func (h *Hub) enqueue(client string, frame Frame) {
	h.mu.RLock()
	sub := h.subscribers[client]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	sub.mu.Lock()
	h.enqueueLocked(sub, client, frame)
	sub.mu.Unlock()
}

// enqueueLocked appends frame to sub's queue, evicting on overflow per
// the client+doc rule above. Must be called with sub.mu held.
func (h *Hub) enqueueLocked(sub *subscriber, client string, frame Frame) {
	if len(sub.queue) >= h.queueCap {
		victim := -1
		for i, f := range sub.queue {
			if f.DocID == frame.DocID {
				victim = i
				break
			}
		}
		if victim == -1 {
			victim = 0
		}
		dropped := sub.queue[victim]
		sub.queue = append(sub.queue[:victim], sub.queue[victim+1:]...)
		if dropped.Kind == FrameDelta {
			sub.resync[dropped.DocID] = true
		}
		if h.onQueueDrop != nil {
			h.onQueueDrop(client, dropped.DocID)
		}
	}
	sub.queue = append(sub.queue, frame)
	sub.cond.Signal()
}

// Next blocks until a frame is available for client, the context is
// done, or the client has been disconnected. ok is false in the latter
// two cases.
func (h *Hub) Next(ctx context.Context, client string) (Frame, bool) {
	h.mu.RLock()
	sub := h.subscribers[client]
	h.mu.RUnlock()
	if sub == nil {
		return Frame{}, false
	}

	done := make(chan struct{})
	stopped := false
	go func() {
		select {
		case <-ctx.Done():
			sub.mu.Lock()
			if !stopped {
				sub.cond.Broadcast()
			}
			sub.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for len(sub.queue) == 0 && !sub.closed {
		if ctx.Err() != nil {
			stopped = true
			return Frame{}, false
		}
		sub.cond.Wait()
	}
	stopped = true
	if len(sub.queue) == 0 {
		return Frame{}, false
	}
	frame := sub.queue[0]
	sub.queue = sub.queue[1:]
	return frame, true
}

// ActiveSubscriberCount reports the number of distinct subscribed
// clients, for the ActiveSubscribers gauge.
func (h *Hub) ActiveSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// MatchPattern reports whether pattern matches id, using the spec's glob
// dialect: '*' matches any run of characters other than ':', '?' matches
// exactly one character (including ':').
func MatchPattern(pattern, id string) bool {
	p := []rune(pattern)
	s := []rune(id)

	sp, pp := 0, 0
	starIdx, starMatch := -1, 0

	for sp < len(s) {
		switch {
		case pp < len(p) && p[pp] == '?':
			sp++
			pp++
		case pp < len(p) && p[pp] == s[sp]:
			sp++
			pp++
		case pp < len(p) && p[pp] == '*':
			starIdx = pp
			starMatch = sp
			pp++
		case starIdx != -1 && starMatch < len(s) && s[starMatch] != ':':
			starMatch++
			sp = starMatch
			pp = starIdx + 1
		default:
			return false
		}
	}
	for pp < len(p) && p[pp] == '*' {
		pp++
	}
	return pp == len(p)
}
