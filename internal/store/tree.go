package store

import (
	"encoding/json"
	"fmt"
)

// normalize converts an arbitrary Go value into the tree representation, resolving
// ServerTimestamp placeholders to nowMillis and pruning nulls and empty objects.
func normalize(v any, nowMillis int64) (any, error) {
	out, err := toTree(v)
	if err != nil {
		return nil, err
	}
	return finalize(out, nowMillis), nil
}

// toTree converts v to its generic JSON form without resolving placeholders.
func toTree(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: value is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func finalize(v any, nowMillis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if sv, ok := t[".sv"].(string); ok && sv == "timestamp" {
				return float64(nowMillis)
			}
		}
		for k, c := range t {
			c = finalize(c, nowMillis)
			if c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i := range t {
			t[i] = finalize(t[i], nowMillis)
		}
		return t
	}
	return v
}

func getAt(root any, segs []string) any {
	cur := root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

// setAt writes v (already normalized) at segs and returns the new root.
// Parents are created as needed; removing the last child prunes empty parents.
func setAt(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		if v == nil {
			return root
		}
		m = map[string]any{}
	}
	child := setAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	}
	return v
}

// mergeFields applies an Update payload relative to base and returns the written sub-paths.
func mergeFields(root any, base []string, fields map[string]any, nowMillis int64) (any, [][]string, error) {
	written := make([][]string, 0, len(fields))
	for k, raw := range fields {
		rel, err := Split(k)
		if err != nil {
			return root, nil, err
		}
		if len(rel) == 0 {
			return root, nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		v, err := normalize(raw, nowMillis)
		if err != nil {
			return root, nil, err
		}
		segs := append(append([]string{}, base...), rel...)
		root = setAt(root, segs, v)
		written = append(written, segs)
	}
	return root, written, nil
}
