// Package snapshot encodes a document's persistent record and bridges it
// to an external key-value store, grounded on internal/storage.Storage
// (the Insert/Update/Delete/Find/FindAll interface shape, narrowed here
// to put/remove/load_all) and internal/storage.FileStorage's one-file-
// per-id-under-a-base-dir persistence, minus the PQC field-level
// encryption and secondary indexing that file also carries — this spec
// has no at-rest encryption or index surface, just a byte-exact
// snapshot/restore round trip.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ussldb/ussl/internal/strategy"
)

// Record is one document's persistent form: the spec's
// {strategy-tag, flags, created_at, expires_at, state_bytes} layout.
type Record struct {
	ID         string
	Strategy   strategy.Tag
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no TTL
	StateBytes []byte
}

const flagHasExpiry byte = 1 << 0

var tagToByte = map[strategy.Tag]byte{
	strategy.LWW:     1,
	strategy.Counter: 2,
	strategy.Set:     3,
	strategy.Map:     4,
	strategy.Text:    5,
}

var byteToTag = func() map[byte]strategy.Tag {
	m := make(map[byte]strategy.Tag, len(tagToByte))
	for tag, b := range tagToByte {
		m[b] = tag
	}
	return m
}()

// Encode serializes r's non-ID fields into the wire record layout (the id
// itself is the store key, not part of the encoded value).
func Encode(r Record) ([]byte, error) {
	tagByte, ok := tagToByte[r.Strategy]
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown strategy tag %q", r.Strategy)
	}

	var flags byte
	var expiresMS uint64
	if !r.ExpiresAt.IsZero() {
		flags |= flagHasExpiry
		expiresMS = uint64(r.ExpiresAt.UnixMilli())
	}

	buf := make([]byte, 0, 1+1+8+8+4+len(r.StateBytes))
	buf = append(buf, tagByte, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.CreatedAt.UnixMilli()))
	buf = binary.BigEndian.AppendUint64(buf, expiresMS)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.StateBytes)))
	buf = append(buf, r.StateBytes...)
	return buf, nil
}

// Decode parses the wire record layout back into a Record, attaching id
// (the store key, since it isn't encoded in the value itself).
func Decode(id string, data []byte) (Record, error) {
	if len(data) < 1+1+8+8+4 {
		return Record{}, fmt.Errorf("snapshot: record for %q too short (%d bytes)", id, len(data))
	}
	tagByte := data[0]
	flags := data[1]
	tag, ok := byteToTag[tagByte]
	if !ok {
		return Record{}, fmt.Errorf("snapshot: unknown strategy byte %d for %q", tagByte, id)
	}

	createdMS := binary.BigEndian.Uint64(data[2:10])
	expiresMS := binary.BigEndian.Uint64(data[10:18])
	stateLen := binary.BigEndian.Uint32(data[18:22])

	rest := data[22:]
	if uint64(len(rest)) < uint64(stateLen) {
		return Record{}, fmt.Errorf("snapshot: record for %q truncated state (want %d, have %d)", id, stateLen, len(rest))
	}
	stateBytes := make([]byte, stateLen)
	copy(stateBytes, rest[:stateLen])

	rec := Record{
		ID:         id,
		Strategy:   tag,
		CreatedAt:  time.UnixMilli(int64(createdMS)),
		StateBytes: stateBytes,
	}
	if flags&flagHasExpiry != 0 {
		rec.ExpiresAt = time.UnixMilli(int64(expiresMS))
	}
	return rec, nil
}

// Store is the persistence contract the manager consumes: load_all on
// startup, put after every successful mutation (write-through), remove
// on destruction. Implementations must treat every call as best-effort
// from the caller's perspective — a failing Store degrades durability,
// never correctness of the in-memory state.
type Store interface {
	LoadAll() ([]Record, error)
	Put(rec Record) error
	Remove(id string) error
}
