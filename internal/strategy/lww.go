package strategy

import (
	"encoding/json"
	"sync"

	"github.com/ussldb/ussl/internal/value"
)

// lwwLeaf is one path's last-writer-wins record. Deleted tombstones the
// path: the leaf is excluded from Materialize but its (ts, writer) still
// participates in precedence so a late-arriving set cannot resurrect it.
type lwwLeaf struct {
	Value   value.Value `json:"value,omitempty"`
	Ts      Timestamp   `json:"ts"`
	Writer  string      `json:"writer"`
	Deleted bool        `json:"deleted,omitempty"`
}

// wins reports whether a write stamped (ts, writer) should replace this
// leaf: strictly newer timestamp, or a tie broken by the greater writer
// id (spec §3/§4.2 pin the rule to "latest timestamp wins, ties broken by
// lexicographic comparison of a stable writer id" without naming a
// direction; greater-wins is picked here and held consistently across
// apply and merge so any interleaving converges, per Invariant 1).
func (l lwwLeaf) wins(ts Timestamp, writer string) bool {
	if l.Ts.Less(ts) {
		return true
	}
	if ts.Less(l.Ts) {
		return false
	}
	return writer > l.Writer
}

type lwwState struct {
	mu     sync.RWMutex
	leaves map[string]lwwLeaf
}

func newLWWState() *lwwState {
	return &lwwState{leaves: make(map[string]lwwLeaf)}
}

func (s *lwwState) Tag() Tag { return LWW }

func (s *lwwState) Apply(op Op) ([]byte, error) {
	switch op.Kind {
	case OpSet:
		s.applyLeaf(op.Path, lwwLeaf{Value: op.Value, Ts: op.Ts, Writer: op.Writer})
	case OpDeleteLeaf:
		s.applyLeaf(op.Path, lwwLeaf{Ts: op.Ts, Writer: op.Writer, Deleted: true})
	default:
		return nil, &MismatchError{Strategy: LWW, Op: op.Kind}
	}
	return encodeDelta(op)
}

func (s *lwwState) applyLeaf(path string, candidate lwwLeaf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leaves[path]
	if !ok || existing.wins(candidate.Ts, candidate.Writer) {
		s.leaves[path] = candidate
	}
}

func (s *lwwState) Merge(remoteDelta []byte) error {
	op, err := decodeDelta(remoteDelta)
	if err != nil {
		return err
	}
	_, err = s.Apply(*op)
	return err
}

type lwwSnapshot struct {
	Leaves map[string]lwwLeaf `json:"leaves"`
}

func (s *lwwState) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(lwwSnapshot{Leaves: s.leaves})
}

func (s *lwwState) Restore(snap []byte) error {
	var ss lwwSnapshot
	if err := json.Unmarshal(snap, &ss); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.Leaves == nil {
		ss.Leaves = make(map[string]lwwLeaf)
	}
	s.leaves = ss.Leaves
	return nil
}

func (s *lwwState) Materialize() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out value.Value
	for path, leaf := range s.leaves {
		if leaf.Deleted {
			continue
		}
		out, _ = value.Write(out, path, value.Clone(leaf.Value))
	}
	return out
}

// Compact drops tombstones and collapses history to the current leaf set;
// Materialize output is unchanged (spec Invariant 5).
func (s *lwwState) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, leaf := range s.leaves {
		if leaf.Deleted {
			delete(s.leaves, path)
		}
	}
}

func encodeDelta(op Op) ([]byte, error) { return json.Marshal(op) }

func decodeDelta(b []byte) (*Op, error) {
	var op Op
	if err := json.Unmarshal(b, &op); err != nil {
		return nil, err
	}
	return &op, nil
}
