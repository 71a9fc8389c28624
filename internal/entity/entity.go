// Package entity models the heterogeneous content entities the editing
// layer stages: pages, component trees, code assets, and configuration
// objects. Entities expose their state as a field map so normalization
// and fingerprinting stay generic over the concrete shape.
package entity

import (
	"fmt"
)

// Kind is the canonical primitive type of a field. Values arriving from
// different serialization boundaries (client JSON vs. server
// reconstruction) are cast to their declared kind before hashing.
type Kind string

const (
	KindString     Kind = "string"
	KindBool       Kind = "bool"
	KindInt        Kind = "int"
	KindFloat      Kind = "float"
	KindMap        Kind = "map"
	KindList       Kind = "list"
	KindComponents Kind = "components"
	KindReference  Kind = "reference"
)

// FieldValue is the tagged variant a field can hold.
type FieldValue interface {
	isFieldValue()
}

// Scalar holds a primitive value: string, bool, int64, float64, nil,
// or a free-form map/slice that has no richer interpretation.
type Scalar struct {
	Value any
}

// List holds an ordered collection of field values.
type List struct {
	Items []FieldValue
}

// ComponentTree holds a tree of renderable components with inputs.
type ComponentTree struct {
	Root ComponentNode
}

// Reference points at another entity.
type Reference struct {
	TargetType string
	TargetID   string
}

func (Scalar) isFieldValue()        {}
func (List) isFieldValue()          {}
func (ComponentTree) isFieldValue() {}
func (Reference) isFieldValue()     {}

// ComponentNode is one node in a component tree: a component name, its
// input values, and nested children.
type ComponentNode struct {
	Component string          `json:"component"`
	Inputs    map[string]any  `json:"inputs,omitempty"`
	Children  []ComponentNode `json:"children,omitempty"`
}

// Entity is the capability surface the draft layer needs from any
// editable object.
type Entity interface {
	Type() string
	ID() string
	Language() string
	Label() string
	Fields() map[string]FieldValue
}

// Generic is the concrete entity used when reconstructing from a draft
// record or a canonical row: a typed identity plus a field map.
type Generic struct {
	entityType string
	entityID   string
	language   string
	fields     map[string]FieldValue
	isNew      bool
	labelField string
}

// NewGeneric builds an entity that is considered newly created until
// MarkExisting is called.
func NewGeneric(def Definition, id, language string, fields map[string]FieldValue) *Generic {
	if !def.Translatable {
		language = ""
	}
	if fields == nil {
		fields = map[string]FieldValue{}
	}
	return &Generic{
		entityType: def.Type,
		entityID:   id,
		language:   language,
		fields:     fields,
		isNew:      true,
		labelField: def.LabelField,
	}
}

func (g *Generic) Type() string     { return g.entityType }
func (g *Generic) ID() string       { return g.entityID }
func (g *Generic) Language() string { return g.language }

func (g *Generic) Fields() map[string]FieldValue { return g.fields }

// Label returns the display name, read from the definition's label field.
func (g *Generic) Label() string {
	fv, ok := g.fields[g.labelField]
	if !ok {
		return g.entityID
	}
	if s, ok := fv.(Scalar); ok {
		if str, ok := s.Value.(string); ok && str != "" {
			return str
		}
	}
	return g.entityID
}

// IsNew reports whether the entity would trigger creation side effects
// if saved through a lifecycle-aware store.
func (g *Generic) IsNew() bool { return g.isNew }

// MarkExisting suppresses creation semantics. Draft reconstruction
// always calls this so reading a draft never fires creation hooks.
func (g *Generic) MarkExisting() { g.isNew = false }

// SetField replaces one field value.
func (g *Generic) SetField(name string, v FieldValue) {
	g.fields[name] = v
}

// FromRaw reconstructs a typed entity from the raw field map stored in
// a draft record or canonical row. Field variants are chosen from the
// definition's declared kinds; undeclared fields become scalars.
func FromRaw(def Definition, id, language string, raw map[string]any) (*Generic, error) {
	fields := make(map[string]FieldValue, len(raw))
	for name, value := range raw {
		fv, err := fieldFromRaw(def.FieldKinds[name], value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = fv
	}
	return NewGeneric(def, id, language, fields), nil
}

func fieldFromRaw(kind Kind, value any) (FieldValue, error) {
	switch kind {
	case KindComponents:
		node, err := componentFromRaw(value)
		if err != nil {
			return nil, err
		}
		return ComponentTree{Root: node}, nil
	case KindReference:
		ref, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reference field is %T, want object", value)
		}
		targetType, _ := ref["type"].(string)
		targetID, _ := ref["id"].(string)
		if targetType == "" || targetID == "" {
			return nil, fmt.Errorf("reference field missing type or id")
		}
		return Reference{TargetType: targetType, TargetID: targetID}, nil
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("list field is %T, want array", value)
		}
		list := List{Items: make([]FieldValue, 0, len(items))}
		for _, item := range items {
			list.Items = append(list.Items, Scalar{Value: item})
		}
		return list, nil
	default:
		return Scalar{Value: value}, nil
	}
}

func componentFromRaw(value any) (ComponentNode, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return ComponentNode{}, fmt.Errorf("component node is %T, want object", value)
	}
	name, _ := raw["component"].(string)
	if name == "" {
		return ComponentNode{}, fmt.Errorf("component node missing component name")
	}
	node := ComponentNode{Component: name}
	if inputs, ok := raw["inputs"].(map[string]any); ok {
		node.Inputs = inputs
	}
	if children, ok := raw["children"].([]any); ok {
		for _, child := range children {
			childNode, err := componentFromRaw(child)
			if err != nil {
				return ComponentNode{}, err
			}
			node.Children = append(node.Children, childNode)
		}
	}
	return node, nil
}

// ToRaw flattens an entity's fields back into the JSON-compatible map
// persisted in draft records and canonical rows.
func ToRaw(e Entity) map[string]any {
	fields := e.Fields()
	raw := make(map[string]any, len(fields))
	for name, fv := range fields {
		raw[name] = fieldToRaw(fv)
	}
	return raw
}

func fieldToRaw(fv FieldValue) any {
	switch v := fv.(type) {
	case Scalar:
		return v.Value
	case List:
		items := make([]any, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, fieldToRaw(item))
		}
		return items
	case ComponentTree:
		return componentToRaw(v.Root)
	case Reference:
		return map[string]any{"type": v.TargetType, "id": v.TargetID}
	default:
		return nil
	}
}

func componentToRaw(node ComponentNode) map[string]any {
	raw := map[string]any{"component": node.Component}
	if len(node.Inputs) > 0 {
		raw["inputs"] = node.Inputs
	}
	if len(node.Children) > 0 {
		children := make([]any, 0, len(node.Children))
		for _, child := range node.Children {
			children = append(children, componentToRaw(child))
		}
		raw["children"] = children
	}
	return raw
}
