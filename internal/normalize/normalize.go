package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"mosaic/api/internal/entity"
)

// Normalize converts an entity into its canonical tree: volatile fields
// stripped at every depth, leaves cast to their declared primitive
// kind, component trees optimized, reference fields reduced to their
// target identity. The entity is never mutated; all work happens on
// converted copies.
func Normalize(def entity.Definition, e entity.Entity) (Tree, error) {
	volatile := make(map[string]bool, len(def.VolatileFields))
	for _, name := range def.VolatileFields {
		volatile[name] = true
	}

	out := Map{}
	for name, fv := range e.Fields() {
		if volatile[name] {
			continue
		}
		t, err := normalizeField(def, name, fv, volatile)
		if err != nil {
			return nil, fmt.Errorf("normalize %s field %q: %w", def.Type, name, err)
		}
		out[name] = t
	}
	return out, nil
}

// NormalizeRaw normalizes a raw field map (a draft record's data or a
// canonical row) by reconstructing the typed entity first, so both
// sides of a comparison go through the identical pipeline.
func NormalizeRaw(def entity.Definition, id, language string, raw map[string]any) (Tree, error) {
	e, err := entity.FromRaw(def, id, language, raw)
	if err != nil {
		return nil, err
	}
	return Normalize(def, e)
}

func normalizeField(def entity.Definition, name string, fv entity.FieldValue, volatile map[string]bool) (Tree, error) {
	switch v := fv.(type) {
	case entity.Scalar:
		return normalizeScalar(def.FieldKinds[name], v.Value, volatile)
	case entity.List:
		l := make(List, 0, len(v.Items))
		for _, item := range v.Items {
			t, err := normalizeField(def, name, item, volatile)
			if err != nil {
				return nil, err
			}
			l = append(l, t)
		}
		return l, nil
	case entity.ComponentTree:
		return componentTree(OptimizeWithDefaults(v.Root, def.ComponentDefaults), volatile)
	case entity.Reference:
		return Map{
			"type": Scalar{V: v.TargetType},
			"id":   Scalar{V: v.TargetID},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported field variant %T", fv)
	}
}

func normalizeScalar(kind entity.Kind, value any, volatile map[string]bool) (Tree, error) {
	switch kind {
	case entity.KindBool:
		return Scalar{V: toBool(value)}, nil
	case entity.KindInt:
		n, err := toInt(value)
		if err != nil {
			return nil, err
		}
		return Scalar{V: n}, nil
	case entity.KindFloat:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return Scalar{V: f}, nil
	case entity.KindString:
		return Scalar{V: toString(value)}, nil
	default:
		// Free-form values: convert structurally and strip volatile
		// keys at any depth.
		t, err := FromValue(value)
		if err != nil {
			return nil, err
		}
		return stripVolatile(t, volatile), nil
	}
}

func stripVolatile(t Tree, volatile map[string]bool) Tree {
	switch v := t.(type) {
	case Map:
		out := make(Map, len(v))
		for k, item := range v {
			if volatile[k] {
				continue
			}
			out[k] = stripVolatile(item, volatile)
		}
		return out
	case List:
		out := make(List, 0, len(v))
		for _, item := range v {
			out = append(out, stripVolatile(item, volatile))
		}
		return out
	default:
		return t
	}
}

func componentTree(node entity.ComponentNode, volatile map[string]bool) (Tree, error) {
	m := Map{"component": Scalar{V: node.Component}}
	if len(node.Inputs) > 0 {
		inputs := make(Map, len(node.Inputs))
		for k, v := range node.Inputs {
			if volatile[k] {
				continue
			}
			t, err := FromValue(v)
			if err != nil {
				return nil, err
			}
			inputs[k] = stripVolatile(t, volatile)
		}
		if len(inputs) > 0 {
			m["inputs"] = inputs
		}
	}
	if len(node.Children) > 0 {
		children := make(List, 0, len(node.Children))
		for _, child := range node.Children {
			t, err := componentTree(child, volatile)
			if err != nil {
				return nil, err
			}
			children = append(children, t)
		}
		m["children"] = children
	}
	return m, nil
}

func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "1" || s == "true" || s == "yes" || s == "on"
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	default:
		return false
	}
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cast %q to int: %w", v, err)
		}
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cast %T to int", value)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cast %q to float: %w", v, err)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cast %T to float", value)
	}
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
