// Package normalize converts entities into canonical, order-independent
// value trees and fingerprints them. Two entities that differ only in
// serialization artifacts (field order, "1" vs true, default component
// inputs, volatile timestamps) normalize to the same tree and hash to
// the same digest.
package normalize

import (
	"fmt"
	"math"
	"sort"
)

// Tree is the canonical value sum type: Map, List, or Scalar.
type Tree interface {
	isTree()
}

// Map is an unordered object; serialization always emits keys sorted.
type Map map[string]Tree

// List is an ordered sequence.
type List []Tree

// Scalar holds nil, bool, int64, float64, or string.
type Scalar struct {
	V any
}

func (Map) isTree()    {}
func (List) isTree()   {}
func (Scalar) isTree() {}

// FromValue converts a JSON-decoded value into a Tree, canonicalizing
// numbers as it goes: integral floats become int64 so a client payload
// (where JSON numbers decode as float64) and a server-side
// reconstruction (which may carry int64) produce identical trees.
func FromValue(v any) (Tree, error) {
	switch val := v.(type) {
	case nil:
		return Scalar{V: nil}, nil
	case bool, string:
		return Scalar{V: val}, nil
	case int64:
		return Scalar{V: val}, nil
	case int:
		return Scalar{V: int64(val)}, nil
	case float64:
		return Scalar{V: canonicalNumber(val)}, nil
	case float32:
		return Scalar{V: canonicalNumber(float64(val))}, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, item := range val {
			t, err := FromValue(item)
			if err != nil {
				return nil, err
			}
			m[k] = t
		}
		return m, nil
	case []any:
		l := make(List, 0, len(val))
		for _, item := range val {
			t, err := FromValue(item)
			if err != nil {
				return nil, err
			}
			l = append(l, t)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func canonicalNumber(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// SortedKeys returns the map's keys in lexical order. Serialization and
// comparison both rely on this so key order never affects a digest.
func SortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
