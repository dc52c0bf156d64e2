package strategy

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ussldb/ussl/internal/value"
)

// setEntry tracks one element's most recent add and remove stamps. An
// element is present iff it has been added and AddTs > RemoveTs (spec
// §3); on an equal timestamp the remove wins (spec §4.2, "observed-remove
// variant").
type setEntry struct {
	Elem      value.Value `json:"elem"`
	HasAdd    bool        `json:"has_add,omitempty"`
	AddTs     Timestamp   `json:"add_ts"`
	AddWriter string      `json:"add_writer"`
	HasRemove bool        `json:"has_remove,omitempty"`
	RemTs     Timestamp   `json:"rem_ts"`
	RemWriter string      `json:"rem_writer"`
}

func (e setEntry) present() bool {
	if !e.HasAdd {
		return false
	}
	if !e.HasRemove {
		return true
	}
	return e.RemTs.Less(e.AddTs)
}

// setState maps an element's canonical encoding to its entry, grounded on
// the OR-Set sketch in the pack's crdtcollab CRDT file (ORSet.elements:
// value -> set of add-tags), here narrowed to the spec's single
// (add-ts, remove-ts) pair per element rather than a tag set, since this
// strategy's ops are add/remove rather than concurrent multi-add union.
type setState struct {
	mu      sync.RWMutex
	entries map[string]setEntry
}

func newSetState() *setState {
	return &setState{entries: make(map[string]setEntry)}
}

func (s *setState) Tag() Tag { return Set }

func (s *setState) Apply(op Op) ([]byte, error) {
	key := value.CanonicalKey(op.Elem)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		entry = setEntry{Elem: op.Elem}
	}
	switch op.Kind {
	case OpAdd:
		if !entry.HasAdd || entry.AddTs.Less(op.Ts) || (entry.AddTs.Equal(op.Ts) && op.Writer > entry.AddWriter) {
			entry.HasAdd = true
			entry.AddTs = op.Ts
			entry.AddWriter = op.Writer
		}
	case OpRemove:
		if !entry.HasRemove || entry.RemTs.Less(op.Ts) || (entry.RemTs.Equal(op.Ts) && op.Writer > entry.RemWriter) {
			entry.HasRemove = true
			entry.RemTs = op.Ts
			entry.RemWriter = op.Writer
		}
	default:
		return nil, &MismatchError{Strategy: Set, Op: op.Kind}
	}
	s.entries[key] = entry
	return encodeDelta(op)
}

func (s *setState) Merge(remoteDelta []byte) error {
	op, err := decodeDelta(remoteDelta)
	if err != nil {
		return err
	}
	_, err = s.Apply(*op)
	return err
}

func (s *setState) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.entries)
}

func (s *setState) Restore(snap []byte) error {
	m := make(map[string]setEntry)
	if err := json.Unmarshal(snap, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = m
	return nil
}

func (s *setState) Materialize() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.present() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]value.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, value.Clone(s.entries[k].Elem))
	}
	return out
}

// Compact drops entries that are absent and can never again become
// present under a monotonically increasing clock (the remove strictly
// postdates the add).
func (s *setState) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.HasAdd && e.HasRemove && !e.present() {
			delete(s.entries, k)
		}
	}
}
