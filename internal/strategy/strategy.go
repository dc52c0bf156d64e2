// Package strategy implements the five pluggable CRDT/LWW merge rules a
// document can be created with. Each is a commutative, associative merge
// over its own state shape; the document (internal/document) only ever
// talks to the State interface, never a concrete type, mirroring how
// internal/resolver/crdt_resolver.go in the teacher repo keeps
// vector-clock comparison and payload merge behind free functions rather
// than a type switch scattered through callers.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/ussldb/ussl/internal/value"
)

// Tag names one of the five strategies.
type Tag string

const (
	LWW     Tag = "lww"
	Counter Tag = "crdt-counter"
	Set     Tag = "crdt-set"
	Map     Tag = "crdt-map"
	Text    Tag = "crdt-text"
)

// Valid reports whether t names a known strategy.
func (t Tag) Valid() bool {
	switch t {
	case LWW, Counter, Set, Map, Text:
		return true
	}
	return false
}

// MismatchError is returned when an operation kind is submitted to a
// document whose strategy does not support it.
type MismatchError struct {
	Strategy Tag
	Op       OpKind
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("strategy %s does not support operation %s", e.Strategy, e.Op)
}

// Timestamp is a Lamport timestamp: wall-clock milliseconds plus a
// monotonic tiebreaker, per spec §4.2 ("(wall-clock-ms,
// monotonic-tiebreaker)").
type Timestamp struct {
	WallMS     int64
	Tiebreaker uint64
}

// Less reports whether t sorts strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.WallMS != o.WallMS {
		return t.WallMS < o.WallMS
	}
	return t.Tiebreaker < o.Tiebreaker
}

// Equal reports whether t and o are the same instant.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.WallMS == o.WallMS && t.Tiebreaker == o.Tiebreaker
}

// Clock hands out strictly increasing Timestamps for one document:
// next_ts = max(wall_now, last_ts+1), per spec §4.2.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	seq  uint64
}

// NewClock returns a zeroed monotonic clock.
func NewClock() *Clock { return &Clock{} }

// Next returns the next Timestamp, given the current wall-clock time.
func (c *Clock) Next(now time.Time) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := now.UnixMilli()
	c.seq++
	next := Timestamp{WallMS: wall, Tiebreaker: c.seq}
	if !c.last.Less(next) {
		next = Timestamp{WallMS: c.last.WallMS, Tiebreaker: c.last.Tiebreaker + 1}
	}
	c.last = next
	return next
}

// Observe folds a remote timestamp into the clock so that subsequently
// minted local timestamps remain strictly after anything already seen,
// mirroring the teacher's clock.Merge (component-wise max) adapted to a
// single scalar Lamport clock instead of a vector.
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Less(remote) {
		c.last = remote
	}
}

// OpKind enumerates the mutation verbs across all five strategies. Only a
// subset is legal for any given strategy; State.Apply rejects the rest
// with MismatchError.
type OpKind string

const (
	OpSet        OpKind = "set"
	OpDeleteLeaf OpKind = "delete"
	OpInc        OpKind = "inc"
	OpAdd        OpKind = "add"
	OpRemove     OpKind = "remove"
	OpPut        OpKind = "put"
	OpRemoveKey  OpKind = "remove_key"
	OpInsertText OpKind = "insert_text"
	OpDeleteText OpKind = "delete_text"
)

// Op is a generic mutation envelope. Only the fields relevant to Kind are
// read by a given strategy's Apply.
type Op struct {
	Kind   OpKind
	Path   string
	Value  value.Value
	Writer string
	Ts     Timestamp
	Delta  int64

	Elem value.Value // Set: add/remove

	// Text strategy addressing.
	After  TextNodeID
	NodeID TextNodeID
	Char   rune
}

// State is the capability set every strategy exposes, per spec §4.2.
type State interface {
	Tag() Tag
	Apply(op Op) (delta []byte, err error)
	Merge(remoteDelta []byte) error
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
	Materialize() value.Value
	Compact()
}

// New constructs a zero-valued state for tag.
func New(tag Tag) (State, error) {
	switch tag {
	case LWW:
		return newLWWState(), nil
	case Counter:
		return newCounterState(), nil
	case Set:
		return newSetState(), nil
	case Map:
		return newMapState(), nil
	case Text:
		return newTextState(), nil
	default:
		return nil, fmt.Errorf("strategy: unknown tag %q", tag)
	}
}
