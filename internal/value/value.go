// Package value implements the JSON-shaped value model and dotted-path
// resolver shared by every merge strategy.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is the JSON-shaped tagged variant documents are built from. The
// concrete Go type held is one of: nil, bool, int64, float64, string,
// []Value, map[string]Value.
type Value = interface{}

// BadPathError is returned when a path traverses through a non-container
// leaf or is otherwise malformed.
type BadPathError struct {
	Path string
	Msg  string
}

func (e *BadPathError) Error() string {
	return fmt.Sprintf("bad path %q: %s", e.Path, e.Msg)
}

// Segments splits a dotted path into its components. An empty path yields
// no segments (addresses the value itself).
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func isIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Read walks v following path, returning the addressed value. A missing
// segment or an out-of-range index yields (nil, false) rather than an
// error. Traversing through a non-container leaf yields BadPathError.
func Read(v Value, path string) (Value, bool, error) {
	segs := Segments(path)
	cur := v
	for i, seg := range segs {
		switch c := cur.(type) {
		case nil:
			return nil, false, nil
		case map[string]Value:
			nv, ok := c[seg]
			if !ok {
				return nil, false, nil
			}
			cur = nv
		case []Value:
			idx, ok := isIndex(seg)
			if !ok {
				return nil, false, &BadPathError{Path: path, Msg: "expected array index at segment " + strconv.Itoa(i)}
			}
			if idx < 0 || idx >= len(c) {
				return nil, false, nil
			}
			cur = c[idx]
		default:
			return nil, false, &BadPathError{Path: path, Msg: "segment " + strconv.Itoa(i) + " traverses a non-container leaf"}
		}
	}
	return cur, true, nil
}

// Write returns v with the leaf at path replaced by newLeaf. Existing maps
// and arrays along the path are modified in place, not copied.
// Intermediate maps are auto-created for missing string segments; arrays
// are extended with nil for missing numeric segments up to the index.
func Write(v Value, path string, newLeaf Value) (Value, error) {
	segs := Segments(path)
	if len(segs) == 0 {
		return newLeaf, nil
	}
	return writeAt(v, segs, newLeaf, path)
}

func writeAt(v Value, segs []string, newLeaf Value, fullPath string) (Value, error) {
	seg := segs[0]
	rest := segs[1:]

	if idx, ok := isIndex(seg); ok {
		arr, err := asArray(v, fullPath)
		if err != nil {
			return nil, err
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(rest) == 0 {
			arr[idx] = newLeaf
			return arr, nil
		}
		child, err := writeAt(arr[idx], rest, newLeaf, fullPath)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, err := asMap(v, fullPath)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		m[seg] = newLeaf
		return m, nil
	}
	child, err := writeAt(m[seg], rest, newLeaf, fullPath)
	if err != nil {
		return nil, err
	}
	m[seg] = child
	return m, nil
}

func asMap(v Value, fullPath string) (map[string]Value, error) {
	switch c := v.(type) {
	case nil:
		return make(map[string]Value), nil
	case map[string]Value:
		return c, nil
	default:
		return nil, &BadPathError{Path: fullPath, Msg: "expected a map at this point"}
	}
}

func asArray(v Value, fullPath string) ([]Value, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []Value:
		return c, nil
	default:
		return nil, &BadPathError{Path: fullPath, Msg: "expected an array at this point"}
	}
}

// Delete returns v with the leaf at path removed. A removed map key is
// deleted from the existing map in place; a removed array element yields
// a new slice. Intermediate containers are preserved even if they become
// empty.
func Delete(v Value, path string) (Value, error) {
	segs := Segments(path)
	if len(segs) == 0 {
		return nil, nil
	}
	return deleteAt(v, segs, path)
}

func deleteAt(v Value, segs []string, fullPath string) (Value, error) {
	seg := segs[0]
	rest := segs[1:]

	if idx, ok := isIndex(seg); ok {
		arr, ok := v.([]Value)
		if !ok {
			if v == nil {
				return v, nil
			}
			return nil, &BadPathError{Path: fullPath, Msg: "expected an array at this point"}
		}
		if idx < 0 || idx >= len(arr) {
			return arr, nil
		}
		if len(rest) == 0 {
			out := make([]Value, 0, len(arr)-1)
			out = append(out, arr[:idx]...)
			out = append(out, arr[idx+1:]...)
			return out, nil
		}
		child, err := deleteAt(arr[idx], rest, fullPath)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, ok := v.(map[string]Value)
	if !ok {
		if v == nil {
			return v, nil
		}
		return nil, &BadPathError{Path: fullPath, Msg: "expected a map at this point"}
	}
	if len(rest) == 0 {
		delete(m, seg)
		return m, nil
	}
	child, exists := m[seg]
	if !exists {
		return m, nil
	}
	newChild, err := deleteAt(child, rest, fullPath)
	if err != nil {
		return nil, err
	}
	m[seg] = newChild
	return m, nil
}

// Push appends element to the sequence at path. The value at path must be
// absent (treated as an empty sequence) or a sequence.
func Push(v Value, path string, element Value) (Value, int, error) {
	cur, found, err := Read(v, path)
	if err != nil {
		return nil, 0, err
	}
	var arr []Value
	if found && cur != nil {
		a, ok := cur.([]Value)
		if !ok {
			return nil, 0, &BadPathError{Path: path, Msg: "value at path is not a sequence"}
		}
		arr = a
	}
	arr = append(arr, element)
	out, err := Write(v, path, arr)
	if err != nil {
		return nil, 0, err
	}
	return out, len(arr), nil
}

// Encode produces the canonical JSON encoding of v: sorted map keys, no
// insignificant whitespace, UTF-8.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, v Value) error {
	switch c := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]Value:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeInto(buf, c[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []Value:
		buf.WriteByte('[')
		for i, e := range c {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeInto(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Decode parses canonical or arbitrary JSON bytes into a Value tree using
// map[string]Value/[]Value rather than the json package's default
// map[string]interface{}/[]interface{} (which are structurally identical
// but named differently; Decode renormalizes the tree).
func Decode(b []byte) (Value, error) {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return normalize(raw)
}

func normalize(raw interface{}) (Value, error) {
	switch c := raw.(type) {
	case nil, bool, string:
		return c, nil
	case json.Number:
		if i, err := c.Int64(); err == nil {
			return i, nil
		}
		f, err := c.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case map[string]interface{}:
		out := make(map[string]Value, len(c))
		for k, v := range c {
			nv, err := normalize(v)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]Value, 0, len(c))
		for _, v := range c {
			nv, err := normalize(v)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value: unexpected decoded type %T", raw)
	}
}

// CanonicalKey reduces a Value to a string suitable for set-element
// identity: its canonical encoding.
func CanonicalKey(v Value) string {
	b, err := Encode(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Clone deep-copies a Value tree, mirroring the teacher's cloneMap/
// cloneSlice walk in internal/collection/distributed_collection.go.
func Clone(v Value) Value {
	switch c := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(c))
		for k, e := range c {
			out[k] = Clone(e)
		}
		return out
	case []Value:
		out := make([]Value, len(c))
		for i, e := range c {
			out[i] = Clone(e)
		}
		return out
	default:
		return c
	}
}
