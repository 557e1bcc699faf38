package template

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"
)

func renderJSON(t *testing.T, body any, bindings map[string]any) map[string]any {
	t.Helper()
	b, err := ParseBody(body)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := b.Render(bindings)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("body is not valid JSON: %v\n%s", err, raw)
	}
	return out
}

func TestBodySoleReferenceKeepsType(t *testing.T) {
	body := map[string]any{
		"count":  "{{n}}",
		"flag":   "{{enabled}}",
		"nested": "{{obj}}",
		"static": 3,
	}
	got := renderJSON(t, body, map[string]any{
		"n":       7,
		"enabled": true,
		"obj":     map[string]any{"k": "v"},
	})

	if got["count"] != float64(7) {
		t.Errorf("count = %v (%T), want number 7", got["count"], got["count"])
	}
	if got["flag"] != true {
		t.Errorf("flag = %v, want true", got["flag"])
	}
	if !reflect.DeepEqual(got["nested"], map[string]any{"k": "v"}) {
		t.Errorf("nested = %v, want substituted object", got["nested"])
	}
	if got["static"] != float64(3) {
		t.Errorf("static = %v, want 3", got["static"])
	}
}

func TestBodyEmbeddedReferenceStringifies(t *testing.T) {
	body := map[string]any{"msg": "count is {{n}}"}
	got := renderJSON(t, body, map[string]any{"n": 7})
	if got["msg"] != "count is 7" {
		t.Errorf("msg = %v, want interpolated string", got["msg"])
	}
}

func TestBodyStringTemplate(t *testing.T) {
	b, err := ParseBody("id={{id}}&mode=fast")
	if err != nil {
		t.Fatal(err)
	}
	if b.IsJSON() {
		t.Error("string body reported as JSON")
	}
	raw, err := b.Render(map[string]any{"id": "x9"})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "id=x9&mode=fast" {
		t.Errorf("Render() = %q", raw)
	}
}

func TestBodyNil(t *testing.T) {
	b, err := ParseBody(nil)
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Errorf("ParseBody(nil) = %v, want nil body", b)
	}
	raw, err := b.Render(nil)
	if err != nil || raw != nil {
		t.Errorf("nil body Render() = %v, %v", raw, err)
	}
}

func TestBodyRefs(t *testing.T) {
	body := map[string]any{
		"a":    "{{p1}}",
		"list": []any{"{{p2.x}}", "literal", "{{p1}}"},
	}
	b, err := ParseBody(body)
	if err != nil {
		t.Fatal(err)
	}
	refs := b.Refs()
	sort.Strings(refs)
	if !reflect.DeepEqual(refs, []string{"p1", "p2"}) {
		t.Errorf("Refs() = %v, want [p1 p2]", refs)
	}
}

func TestBodyArrays(t *testing.T) {
	body := map[string]any{"ids": []any{"{{a}}", "{{b}}"}}
	got := renderJSON(t, body, map[string]any{"a": 1, "b": 2})
	if !reflect.DeepEqual(got["ids"], []any{float64(1), float64(2)}) {
		t.Errorf("ids = %v", got["ids"])
	}
}
