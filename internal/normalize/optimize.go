package normalize

import (
	"reflect"

	"mosaic/api/internal/entity"
)

// Optimize removes redundant entries from a component tree: inputs that
// are empty or equal to the component's declared default, and empty
// child lists. Idempotent: optimizing an optimized tree is a no-op.
func Optimize(node entity.ComponentNode) entity.ComponentNode {
	return OptimizeWithDefaults(node, nil)
}

// OptimizeWithDefaults is Optimize with per-component default inputs,
// as declared on an entity definition.
func OptimizeWithDefaults(node entity.ComponentNode, defaults map[string]map[string]any) entity.ComponentNode {
	out := entity.ComponentNode{Component: node.Component}

	componentDefaults := defaults[node.Component]
	if len(node.Inputs) > 0 {
		inputs := make(map[string]any, len(node.Inputs))
		for name, value := range node.Inputs {
			if isEmptyInput(value) {
				continue
			}
			if def, ok := componentDefaults[name]; ok && inputEqualsDefault(value, def) {
				continue
			}
			inputs[name] = value
		}
		if len(inputs) > 0 {
			out.Inputs = inputs
		}
	}

	for _, child := range node.Children {
		out.Children = append(out.Children, OptimizeWithDefaults(child, defaults))
	}
	return out
}

func isEmptyInput(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// inputEqualsDefault compares through the canonical tree form so that
// 12 and 12.0 count as the same default.
func inputEqualsDefault(value, def any) bool {
	vt, err := FromValue(value)
	if err != nil {
		return false
	}
	dt, err := FromValue(def)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(vt, dt)
}
