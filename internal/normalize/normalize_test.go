package normalize

import (
	"reflect"
	"testing"

	"mosaic/api/internal/entity"
)

func pageDef() entity.Definition {
	return entity.Definition{
		Type:           "page",
		Translatable:   true,
		LabelField:     "title",
		VolatileFields: []string{"changed", "preview_token"},
		FieldKinds: map[string]entity.Kind{
			"title":      entity.KindString,
			"published":  entity.KindBool,
			"weight":     entity.KindInt,
			"layout":     entity.KindComponents,
			"author_ref": entity.KindReference,
		},
		ComponentDefaults: map[string]map[string]any{
			"text": {"tag": "p"},
		},
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := Map{
		"title": Scalar{V: "Home"},
		"meta":  Map{"x": Scalar{V: int64(1)}, "y": Scalar{V: int64(2)}},
	}
	b := Map{
		"meta":  Map{"y": Scalar{V: int64(2)}, "x": Scalar{V: int64(1)}},
		"title": Scalar{V: "Home"},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("fingerprint depends on key order: %s vs %s", Fingerprint(a), Fingerprint(b))
	}
}

func TestFingerprintDistinguishesValues(t *testing.T) {
	a := Map{"title": Scalar{V: "Home"}}
	b := Map{"title": Scalar{V: "About"}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("different trees produced the same fingerprint")
	}
}

func TestFingerprintStringBoundaries(t *testing.T) {
	a := List{Scalar{V: "ab"}, Scalar{V: "c"}}
	b := List{Scalar{V: "a"}, Scalar{V: "bc"}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("string concatenation boundary collision")
	}
}

func TestNormalizeCastsEquivalentScalars(t *testing.T) {
	def := pageDef()

	server, err := entity.FromRaw(def, "p1", "en", map[string]any{
		"title":     "Home",
		"published": true,
		"weight":    int64(3),
	})
	if err != nil {
		t.Fatalf("FromRaw server: %v", err)
	}

	// A client payload carries the same state with looser typing.
	client, err := entity.FromRaw(def, "p1", "en", map[string]any{
		"title":     "Home",
		"published": "1",
		"weight":    float64(3),
	})
	if err != nil {
		t.Fatalf("FromRaw client: %v", err)
	}

	st, err := Normalize(def, server)
	if err != nil {
		t.Fatalf("Normalize server: %v", err)
	}
	ct, err := Normalize(def, client)
	if err != nil {
		t.Fatalf("Normalize client: %v", err)
	}
	if Fingerprint(st) != Fingerprint(ct) {
		t.Errorf("server and client representations diverged: %s vs %s", Fingerprint(st), Fingerprint(ct))
	}
}

func TestNormalizeStripsVolatileFieldsAtAnyDepth(t *testing.T) {
	def := pageDef()

	touched, err := entity.FromRaw(def, "p1", "en", map[string]any{
		"title":   "Home",
		"changed": float64(1756300000),
		"meta":    map[string]any{"preview_token": "tok-1", "keep": "x"},
	})
	if err != nil {
		t.Fatalf("FromRaw: %v", err)
	}
	clean, err := entity.FromRaw(def, "p1", "en", map[string]any{
		"title": "Home",
		"meta":  map[string]any{"keep": "x"},
	})
	if err != nil {
		t.Fatalf("FromRaw: %v", err)
	}

	tt, err := Normalize(def, touched)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	ct, err := Normalize(def, clean)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if Fingerprint(tt) != Fingerprint(ct) {
		t.Error("volatile fields leaked into the fingerprint")
	}
}

func TestOptimizeRemovesDefaultInputs(t *testing.T) {
	defaults := map[string]map[string]any{"text": {"tag": "p"}}

	verbose := entity.ComponentNode{
		Component: "section",
		Children: []entity.ComponentNode{
			{Component: "text", Inputs: map[string]any{"tag": "p", "body": "hello", "classes": ""}},
		},
	}
	terse := entity.ComponentNode{
		Component: "section",
		Children: []entity.ComponentNode{
			{Component: "text", Inputs: map[string]any{"body": "hello"}},
		},
	}

	got := OptimizeWithDefaults(verbose, defaults)
	want := OptimizeWithDefaults(terse, defaults)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("optimize left redundant inputs: %#v vs %#v", got, want)
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	defaults := map[string]map[string]any{"column": {"span": int64(12)}}
	node := entity.ComponentNode{
		Component: "row",
		Inputs:    map[string]any{"gap": "", "align": "center"},
		Children: []entity.ComponentNode{
			{Component: "column", Inputs: map[string]any{"span": float64(12), "order": int64(1)}},
		},
	}

	once := OptimizeWithDefaults(node, defaults)
	twice := OptimizeWithDefaults(once, defaults)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("optimize not idempotent: %#v vs %#v", once, twice)
	}
}

func TestNormalizeComponentTreeEquivalence(t *testing.T) {
	def := pageDef()

	verbose := map[string]any{
		"title": "Home",
		"layout": map[string]any{
			"component": "section",
			"children": []any{
				map[string]any{"component": "text", "inputs": map[string]any{"tag": "p", "body": "hi"}},
			},
		},
	}
	terse := map[string]any{
		"title": "Home",
		"layout": map[string]any{
			"component": "section",
			"children": []any{
				map[string]any{"component": "text", "inputs": map[string]any{"body": "hi"}},
			},
		},
	}

	vt, err := NormalizeRaw(def, "p1", "en", verbose)
	if err != nil {
		t.Fatalf("NormalizeRaw verbose: %v", err)
	}
	tt, err := NormalizeRaw(def, "p1", "en", terse)
	if err != nil {
		t.Fatalf("NormalizeRaw terse: %v", err)
	}
	if Fingerprint(vt) != Fingerprint(tt) {
		t.Error("identically rendering component trees fingerprinted differently")
	}
}

func TestNormalizeReference(t *testing.T) {
	def := pageDef()
	raw := map[string]any{
		"title":      "Home",
		"author_ref": map[string]any{"type": "user", "id": "u1"},
	}
	tree, err := NormalizeRaw(def, "p1", "en", raw)
	if err != nil {
		t.Fatalf("NormalizeRaw: %v", err)
	}
	m, ok := tree.(Map)
	if !ok {
		t.Fatalf("normalized tree is %T, want Map", tree)
	}
	ref, ok := m["author_ref"].(Map)
	if !ok {
		t.Fatalf("author_ref is %T, want Map", m["author_ref"])
	}
	if ref["id"] != (Scalar{V: "u1"}) || ref["type"] != (Scalar{V: "user"}) {
		t.Errorf("reference lost its target: %#v", ref)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	def := pageDef()
	raw := map[string]any{
		"title":     "Home",
		"published": "1",
		"weight":    "4",
		"layout": map[string]any{
			"component": "section",
			"children": []any{
				map[string]any{"component": "text", "inputs": map[string]any{"tag": "p", "body": "hi"}},
			},
		},
	}

	once, err := NormalizeRaw(def, "p1", "en", raw)
	if err != nil {
		t.Fatalf("NormalizeRaw: %v", err)
	}
	// Feed the normalized form back through the pipeline.
	again, err := NormalizeRaw(def, "p1", "en", treeToRaw(once).(map[string]any))
	if err != nil {
		t.Fatalf("NormalizeRaw second pass: %v", err)
	}
	if Fingerprint(once) != Fingerprint(again) {
		t.Errorf("normalization not idempotent: %s vs %s", Fingerprint(once), Fingerprint(again))
	}
}

func treeToRaw(t Tree) any {
	switch v := t.(type) {
	case Map:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = treeToRaw(item)
		}
		return out
	case List:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, treeToRaw(item))
		}
		return out
	case Scalar:
		return v.V
	default:
		return nil
	}
}
