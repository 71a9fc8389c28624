package entity

// Definition declares how one entity type behaves inside the draft
// layer: translatability, which fields are volatile (stripped before
// hashing), the canonical kind of each field, cache tagging, and the
// dependency used for cascade deletion of derived drafts.
type Definition struct {
	Type         string
	Translatable bool

	// CacheTag is the stable tag the invalidator is called with when
	// any entity of this type changes.
	CacheTag string

	// LabelField names the field holding the display name.
	LabelField string

	// VolatileFields are stripped during normalization at any depth:
	// timestamps, client-side tracking fields, derived values.
	VolatileFields []string

	// FieldKinds maps field names to their canonical primitive kind.
	FieldKinds map[string]Kind

	// Required fields must be present and non-empty at publish time.
	Required []string

	// ComponentDefaults lists the default input values per component
	// name; inputs equal to their default are redundant and removed by
	// the optimize pass.
	ComponentDefaults map[string]map[string]any

	// DependsOn names an entity type this type's drafts derive from.
	// When the target canonical entity is deleted, drafts of this type
	// pointing at it (via TargetTypeField/TargetIDField) are deleted.
	DependsOn       string
	TargetTypeField string
	TargetIDField   string
}

// Registry holds the entity definitions the draft layer manages.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) {
	r.defs[def.Type] = def
}

func (r *Registry) Get(entityType string) (Definition, bool) {
	def, ok := r.defs[entityType]
	return def, ok
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}

// DependentsOf returns the definitions whose drafts derive from the
// given entity type.
func (r *Registry) DependentsOf(entityType string) []Definition {
	var deps []Definition
	for _, def := range r.defs {
		if def.DependsOn == entityType {
			deps = append(deps, def)
		}
	}
	return deps
}

// Builtin returns the registry of entity types the editor manages out
// of the box.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(Definition{
		Type:           "page",
		Translatable:   true,
		CacheTag:       "mosaic:page",
		LabelField:     "title",
		VolatileFields: []string{"changed", "revision_timestamp", "preview_token"},
		FieldKinds: map[string]Kind{
			"title":      KindString,
			"alias":      KindString,
			"published":  KindBool,
			"weight":     KindInt,
			"layout":     KindComponents,
			"author_ref": KindReference,
		},
		Required: []string{"title"},
		ComponentDefaults: map[string]map[string]any{
			"text":   {"tag": "p", "classes": ""},
			"image":  {"lazy": true, "alt": ""},
			"column": {"span": int64(12)},
		},
	})
	r.Register(Definition{
		Type:           "component",
		Translatable:   false,
		CacheTag:       "mosaic:component",
		LabelField:     "label",
		VolatileFields: []string{"changed"},
		FieldKinds: map[string]Kind{
			"label":    KindString,
			"enabled":  KindBool,
			"machine":  KindString,
			"schema":   KindMap,
			"template": KindString,
		},
		Required: []string{"label", "machine"},
	})
	r.Register(Definition{
		Type:           "asset",
		Translatable:   false,
		CacheTag:       "mosaic:asset",
		LabelField:     "label",
		VolatileFields: []string{"changed", "compiled_at"},
		FieldKinds: map[string]Kind{
			"label":  KindString,
			"mime":   KindString,
			"source": KindString,
		},
		Required: []string{"label", "source"},
	})
	r.Register(Definition{
		Type:           "config",
		Translatable:   false,
		CacheTag:       "mosaic:config",
		LabelField:     "label",
		VolatileFields: []string{"changed", "_core"},
		FieldKinds: map[string]Kind{
			"label":    KindString,
			"enabled":  KindBool,
			"settings": KindMap,
		},
		Required: []string{"label"},
	})
	r.Register(Definition{
		Type:           "config_update",
		Translatable:   false,
		CacheTag:       "mosaic:config",
		LabelField:     "label",
		VolatileFields: []string{"changed"},
		FieldKinds: map[string]Kind{
			"label":       KindString,
			"target_type": KindString,
			"target_id":   KindString,
			"changes":     KindMap,
		},
		Required:        []string{"target_type", "target_id"},
		DependsOn:       "config",
		TargetTypeField: "target_type",
		TargetIDField:   "target_id",
	})
	return r
}
