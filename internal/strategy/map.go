package strategy

import (
	"encoding/json"
	"sync"

	"github.com/ussldb/ussl/internal/value"
)

// mapLeaf mirrors lwwLeaf but is a distinct type so the map strategy's
// snapshot/delta shapes are independent of the lww strategy's, even
// though the precedence rule (spec §4.2, "per-key LWW") is identical.
type mapLeaf struct {
	Value   value.Value `json:"value,omitempty"`
	Ts      Timestamp   `json:"ts"`
	Writer  string      `json:"writer"`
	Deleted bool        `json:"deleted,omitempty"`
}

func (l mapLeaf) wins(ts Timestamp, writer string) bool {
	if l.Ts.Less(ts) {
		return true
	}
	if ts.Less(l.Ts) {
		return false
	}
	return writer > l.Writer
}

// mapState holds one LWW-register per key; keys are dotted paths (spec
// §4.2: "nested structure is flattened by dotted path"), grounded on the
// same per-field precedence the teacher's crdt_resolver.go applies to
// whole documents, narrowed here to individual map keys.
type mapState struct {
	mu   sync.RWMutex
	keys map[string]mapLeaf
}

func newMapState() *mapState {
	return &mapState{keys: make(map[string]mapLeaf)}
}

func (s *mapState) Tag() Tag { return Map }

func (s *mapState) Apply(op Op) ([]byte, error) {
	switch op.Kind {
	case OpPut:
		s.applyLeaf(op.Path, mapLeaf{Value: op.Value, Ts: op.Ts, Writer: op.Writer})
	case OpRemoveKey:
		s.applyLeaf(op.Path, mapLeaf{Ts: op.Ts, Writer: op.Writer, Deleted: true})
	default:
		return nil, &MismatchError{Strategy: Map, Op: op.Kind}
	}
	return encodeDelta(op)
}

func (s *mapState) applyLeaf(path string, candidate mapLeaf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[path]
	if !ok || existing.wins(candidate.Ts, candidate.Writer) {
		s.keys[path] = candidate
	}
}

func (s *mapState) Merge(remoteDelta []byte) error {
	op, err := decodeDelta(remoteDelta)
	if err != nil {
		return err
	}
	_, err = s.Apply(*op)
	return err
}

func (s *mapState) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.keys)
}

func (s *mapState) Restore(snap []byte) error {
	m := make(map[string]mapLeaf)
	if err := json.Unmarshal(snap, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = m
	return nil
}

func (s *mapState) Materialize() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out value.Value
	for path, leaf := range s.keys {
		if leaf.Deleted {
			continue
		}
		out, _ = value.Write(out, path, value.Clone(leaf.Value))
	}
	return out
}

func (s *mapState) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, leaf := range s.keys {
		if leaf.Deleted {
			delete(s.keys, path)
		}
	}
}
