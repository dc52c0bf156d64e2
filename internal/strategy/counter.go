package strategy

import (
	"encoding/json"
	"sync"

	"github.com/ussldb/ussl/internal/value"
)

// counterState holds, per dotted path, a per-writer running total. This
// is the PN-counter shape from the pack's crdtcollab sketch
// (_examples/Polqt-golang-journey/projects/03-crdt-collab-backend/crdt/crdt.go,
// PNCounter.positive/negative) collapsed into a single signed map since
// this spec's inc op already carries a signed delta (spec §4.2: "Negative
// deltas are permitted").
type counterState struct {
	mu   sync.RWMutex
	byPath map[string]map[string]int64
}

func newCounterState() *counterState {
	return &counterState{byPath: make(map[string]map[string]int64)}
}

func (s *counterState) Tag() Tag { return Counter }

func (s *counterState) Apply(op Op) ([]byte, error) {
	if op.Kind != OpInc {
		return nil, &MismatchError{Strategy: Counter, Op: op.Kind}
	}
	s.mu.Lock()
	writers, ok := s.byPath[op.Path]
	if !ok {
		writers = make(map[string]int64)
		s.byPath[op.Path] = writers
	}
	writers[op.Writer] += op.Delta
	s.mu.Unlock()
	return encodeDelta(op)
}

func (s *counterState) Merge(remoteDelta []byte) error {
	op, err := decodeDelta(remoteDelta)
	if err != nil {
		return err
	}
	_, err = s.Apply(*op)
	return err
}

func (s *counterState) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.byPath)
}

func (s *counterState) Restore(snap []byte) error {
	m := make(map[string]map[string]int64)
	if err := json.Unmarshal(snap, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath = m
	return nil
}

func (s *counterState) Materialize() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out value.Value
	for path, writers := range s.byPath {
		var total int64
		for _, v := range writers {
			total += v
		}
		out, _ = value.Write(out, path, total)
	}
	return out
}

// Compact replaces each per-writer map with a single synthetic writer
// entry carrying the summed total, dropping per-writer history while
// preserving Materialize's output exactly (spec Invariant 5). The
// synthetic writer id is unreachable from any real writer ("") so a
// post-compaction Inc from a real writer never collides with it.
func (s *counterState) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, writers := range s.byPath {
		var total int64
		for _, v := range writers {
			total += v
		}
		s.byPath[path] = map[string]int64{"": total}
	}
}
