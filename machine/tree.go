package machine

import "strings"

// Tree is a nested JSON-like document: values are scalars, []any or Tree/map[string]any.
type Tree map[string]any

// Get walks a dotted path ("position.x") and returns the value found there.
func (t Tree) Get(path string) (any, bool) {
	var cur any = t
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns v at a dotted path, creating intermediate maps as needed.
func (t Tree) Set(path string, v any) {
	parts := strings.Split(path, ".")
	m := map[string]any(t)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(m[part])
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// Clone returns a deep copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return Tree{}
	}
	return Tree(cloneMap(t))
}

// Merge deep-merges patch into t. Nested maps present on both sides are merged
// recursively, any other patch value replaces the existing one. Keys missing from
// patch, and nil patch values, leave t untouched.
func (t Tree) Merge(patch Tree) {
	mergeInto(t, patch)
}

func mergeInto(dst, patch map[string]any) {
	for k, pv := range patch {
		if pv == nil {
			continue
		}
		if pm, ok := asMap(pv); ok {
			if dm, ok := asMap(dst[k]); ok {
				mergeInto(dm, pm)
				continue
			}
		}
		dst[k] = cloneValue(pv)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Tree:
		return m, m != nil
	case map[string]any:
		return m, m != nil
	}
	return nil, false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Tree:
		return cloneMap(val)
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	}
	return v
}
