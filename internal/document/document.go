// Package document owns a single document's strategy state, version and
// compaction counters, TTL deadline, and presence set, adapting
// internal/collection.LocalCollection/DistributedCollection's bookkeeping
// (version/op-log counters) in the teacher repo down to single-document
// scope, with the P2P broadcast it used replaced by a plain delta return
// value the caller (internal/manager) hands to the subscription hub.
package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/ussldb/ussl/internal/strategy"
	"github.com/ussldb/ussl/internal/value"
)

const (
	autoCompactUpdateCount  = 1000
	autoCompactSnapshotSize = 1 << 20 // 1 MiB
	presenceTTL             = 30 * time.Second
)

// PresenceEntry is one client's last-announced presence data.
type PresenceEntry struct {
	Data      value.Value
	TouchedAt time.Time
}

// PresencePair is a (client, data) tuple returned by Presence.
type PresencePair struct {
	ClientID string
	Data     value.Value
}

// Stats is the read-only snapshot returned by Document.Stats.
type Stats struct {
	ID              string
	Strategy        strategy.Tag
	Version         uint64
	UpdateCount     uint64
	CompactionCount uint64
	StateSizeBytes  int
	CreatedAt       time.Time
	ExpiresAt       time.Time // zero if no TTL
	PresenceCount   int
}

// Document owns one id's strategy state and metadata. All methods that
// read or mutate state take the document's lane lock, satisfying the
// single-writer-per-document invariant; callers (internal/manager) must
// not hold any other document's lane while calling in, to avoid
// cross-document lock ordering issues.
type Document struct {
	mu sync.Mutex

	id          string
	strategyTag strategy.Tag
	state       strategy.State
	clock       *strategy.Clock

	version         uint64
	updateCount     uint64
	compactionCount uint64
	stateSizeBytes  int
	createdAt       time.Time
	expiresAt       time.Time

	needsCompaction bool

	presence map[string]PresenceEntry
}

// New creates an empty document with the given id and strategy, created
// at now.
func New(id string, tag strategy.Tag, now time.Time) (*Document, error) {
	state, err := strategy.New(tag)
	if err != nil {
		return nil, err
	}
	return &Document{
		id:          id,
		strategyTag: tag,
		state:       state,
		clock:       strategy.NewClock(),
		createdAt:   now,
		presence:    make(map[string]PresenceEntry),
	}, nil
}

func (d *Document) ID() string              { return d.id }
func (d *Document) Strategy() strategy.Tag  { return d.strategyTag }

// IsExpired reports whether the document's TTL deadline has passed as of
// now. A document with no deadline is never expired.
func (d *Document) IsExpired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isExpiredLocked(now)
}

func (d *Document) isExpiredLocked(now time.Time) bool {
	return !d.expiresAt.IsZero() && !now.Before(d.expiresAt)
}

// Apply assigns op a fresh Lamport timestamp from this document's clock,
// applies it through the strategy, and updates version/update_count/
// state_size_bytes bookkeeping. Returns the encoded delta and the new
// version.
func (d *Document) Apply(op strategy.Op, now time.Time) ([]byte, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op.Ts = d.clock.Next(now)
	delta, err := d.state.Apply(op)
	if err != nil {
		return nil, d.version, err
	}

	d.version++
	d.updateCount++
	d.refreshSizeLocked()
	if d.updateCount >= autoCompactUpdateCount || d.stateSizeBytes >= autoCompactSnapshotSize {
		d.needsCompaction = true
	}
	return delta, d.version, nil
}

// Merge absorbs a remote delta (e.g. during restore/replication testing)
// without minting a new local timestamp, bumping version the same way a
// local Apply would.
func (d *Document) Merge(remoteDelta []byte, now time.Time) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.state.Merge(remoteDelta); err != nil {
		return d.version, err
	}
	d.version++
	d.updateCount++
	d.refreshSizeLocked()
	if d.updateCount >= autoCompactUpdateCount || d.stateSizeBytes >= autoCompactSnapshotSize {
		d.needsCompaction = true
	}
	return d.version, nil
}

func (d *Document) refreshSizeLocked() {
	snap, err := d.state.Snapshot()
	if err != nil {
		return
	}
	d.stateSizeBytes = len(snap)
}

// Get returns the materialized value at path, or the whole document
// value if path is empty. The second result is false if path resolves
// to nothing.
func (d *Document) Get(path string) (value.Value, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	root := d.state.Materialize()
	if path == "" {
		return root, true, nil
	}
	return value.Read(root, path)
}

// DeletePath removes the leaf at path, using the delete operation kind
// that fits this document's strategy (a tombstone for lww, a key
// removal for crdt-map). Other strategies reject it with
// *strategy.MismatchError, since they have no single-path delete op.
func (d *Document) DeletePath(path, writer string, now time.Time) ([]byte, uint64, error) {
	kind := strategy.OpDeleteLeaf
	if d.strategyTag == strategy.Map {
		kind = strategy.OpRemoveKey
	}
	return d.Apply(strategy.Op{Kind: kind, Path: path, Writer: writer}, now)
}

// SetPath writes value at path, using the write op kind that fits this
// document's strategy (a leaf set for lww, a key put for crdt-map).
// Other strategies reject it with *strategy.MismatchError.
func (d *Document) SetPath(path string, v value.Value, writer string, now time.Time) ([]byte, uint64, error) {
	kind := strategy.OpSet
	if d.strategyTag == strategy.Map {
		kind = strategy.OpPut
	}
	return d.Apply(strategy.Op{Kind: kind, Path: path, Value: v, Writer: writer}, now)
}

// PushPath appends elem to the sequence at path and returns the sequence's
// new length alongside the mutation's delta and version. For lww and
// crdt-map, the existing leaf at path (or an empty sequence if absent) is
// read, appended to, and written back whole, since both strategies store
// an arbitrary JSON value per leaf path. For crdt-set, path is ignored and
// elem is folded in through the strategy's own add op, with the returned
// length being the set's current cardinality. Counter and text reject
// PUSH with *strategy.MismatchError: neither has a leaf shape PUSH can
// address.
func (d *Document) PushPath(path string, elem value.Value, writer string, now time.Time) (int, []byte, uint64, error) {
	switch d.strategyTag {
	case strategy.LWW, strategy.Map:
		current, ok, err := d.Get(path)
		if err != nil {
			return 0, nil, 0, err
		}
		if !ok {
			current = nil
		}
		newVal, length, err := value.Push(current, "", elem)
		if err != nil {
			return 0, nil, 0, err
		}
		delta, version, err := d.SetPath(path, newVal, writer, now)
		return length, delta, version, err
	case strategy.Set:
		delta, version, err := d.Apply(strategy.Op{Kind: strategy.OpAdd, Elem: elem, Writer: writer}, now)
		if err != nil {
			return 0, nil, 0, err
		}
		root, _, _ := d.Get("")
		arr, _ := root.([]value.Value)
		return len(arr), delta, version, nil
	default:
		return 0, nil, 0, &strategy.MismatchError{Strategy: d.strategyTag, Op: strategy.OpAdd}
	}
}

// SetTTL sets the expiry deadline to now+ms, or clears it if ms is 0.
func (d *Document) SetTTL(ms int64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ms == 0 {
		d.expiresAt = time.Time{}
		return
	}
	d.expiresAt = now.Add(time.Duration(ms) * time.Millisecond)
}

// TTLRemaining reports the milliseconds remaining until expiry: -1 if
// there is no deadline, -2 if the deadline has already passed, else the
// non-negative remaining duration.
func (d *Document) TTLRemaining(now time.Time) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expiresAt.IsZero() {
		return -1
	}
	remaining := d.expiresAt.Sub(now)
	if remaining <= 0 {
		return -2
	}
	return remaining.Milliseconds()
}

// Compact rewrites the strategy state to drop history while preserving
// materialize's output, resets update_count, and increments
// compaction_count.
func (d *Document) Compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Compact()
	d.updateCount = 0
	d.compactionCount++
	d.needsCompaction = false
	d.refreshSizeLocked()
}

// PeekCompactionFlag reports the auto-compaction flag without clearing
// it, so a caller can decide whether to enqueue this document for
// compaction without racing the actual pop.
func (d *Document) PeekCompactionFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.needsCompaction
}

// PopCompactionFlag atomically reads and clears the auto-compaction
// flag, so the manager's compactor loop only ever picks up a flagged
// document once per flagging.
func (d *Document) PopCompactionFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	flagged := d.needsCompaction
	d.needsCompaction = false
	return flagged
}

// Snapshot returns the strategy-level encoded state (not the document's
// metadata envelope; internal/snapshot wraps that separately).
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Snapshot()
}

// Restore replaces the strategy state from previously captured bytes,
// without touching version/update_count (used during startup rehydration,
// before the document is visible to clients).
func (d *Document) Restore(snapshot []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Restore(snapshot)
}

// SetCreatedAt and SetExpiresAt allow internal/snapshot to rehydrate
// metadata that New wouldn't otherwise set for a restored document.
func (d *Document) SetCreatedAt(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createdAt = t
}

func (d *Document) SetExpiresAt(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expiresAt = t
}

func (d *Document) SetVersion(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// Stats returns a point-in-time copy of the document's metadata.
func (d *Document) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		ID:              d.id,
		Strategy:        d.strategyTag,
		Version:         d.version,
		UpdateCount:     d.updateCount,
		CompactionCount: d.compactionCount,
		StateSizeBytes:  d.stateSizeBytes,
		CreatedAt:       d.createdAt,
		ExpiresAt:       d.expiresAt,
		PresenceCount:   len(d.presence),
	}
}

// SetPresence records client's presence data, touched at now.
func (d *Document) SetPresence(client string, data value.Value, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence[client] = PresenceEntry{Data: data, TouchedAt: now}
}

// Presence returns the live (not purged by inactivity) presence pairs,
// purging any entries touched more than 30s before now as a side effect.
func (d *Document) Presence(now time.Time) []PresencePair {
	d.mu.Lock()
	defer d.mu.Unlock()
	for client, entry := range d.presence {
		if now.Sub(entry.TouchedAt) > presenceTTL {
			delete(d.presence, client)
		}
	}
	pairs := make([]PresencePair, 0, len(d.presence))
	for client, entry := range d.presence {
		pairs = append(pairs, PresencePair{ClientID: client, Data: entry.Data})
	}
	return pairs
}

// ClearPresence drops every presence entry, used on document destruction.
func (d *Document) ClearPresence() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence = make(map[string]PresenceEntry)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document{id=%s strategy=%s version=%d}", d.id, d.strategyTag, d.version)
}
