package entity

import (
	"fmt"
	"strings"
)

// Key identifies one editing context: an entity plus, for translatable
// types, the language being edited. Its string form is the draft store
// row key.
type Key struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Language   string `json:"language,omitempty"`
}

// KeyFor builds the key for an entity, dropping the language when the
// type is not translatable.
func KeyFor(def Definition, e Entity) Key {
	k := Key{EntityType: e.Type(), EntityID: e.ID()}
	if def.Translatable {
		k.Language = e.Language()
	}
	return k
}

// String serializes the key as "type/id" or "type/id/lang".
func (k Key) String() string {
	if k.Language == "" {
		return k.EntityType + "/" + k.EntityID
	}
	return k.EntityType + "/" + k.EntityID + "/" + k.Language
}

// ParseKey is the inverse of String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed draft key %q", s)
	}
	k := Key{EntityType: parts[0], EntityID: parts[1]}
	if len(parts) == 3 {
		k.Language = parts[2]
	}
	return k, nil
}
