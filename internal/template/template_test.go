package template

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseAndRender(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		bindings map[string]any
		want     string
	}{
		{
			"no references",
			"https://api.example.com/health",
			nil,
			"https://api.example.com/health",
		},
		{
			"single reference",
			"https://api.example.com/users/{{userId}}",
			map[string]any{"userId": "u-1"},
			"https://api.example.com/users/u-1",
		},
		{
			"numeric value stringified",
			"/items/{{id}}",
			map[string]any{"id": 42},
			"/items/42",
		},
		{
			"multiple references",
			"{{scheme}}://{{host}}/v1",
			map[string]any{"scheme": "https", "host": "api.test"},
			"https://api.test/v1",
		},
		{
			"path into object",
			"Bearer {{session.token}}",
			map[string]any{"session": map[string]any{"token": "abc"}},
			"Bearer abc",
		},
		{
			"nested path",
			"{{user.profile.name}}",
			map[string]any{"user": map[string]any{"profile": map[string]any{"name": "alice"}}},
			"alice",
		},
		{
			"non-string leaf renders as json",
			"{{payload}}",
			map[string]any{"payload": map[string]any{"a": 1}},
			`{"a":1}`,
		},
		{
			"whitespace inside markers",
			"/u/{{ userId }}",
			map[string]any{"userId": "x"},
			"/u/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := Parse(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			got, err := tpl.Render(tt.bindings)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unterminated", "/users/{{id"},
		{"empty reference", "/users/{{}}"},
		{"blank reference", "/users/{{   }}"},
		{"nested open", "/users/{{a{{b}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			var malformed *MalformedTemplateError
			if !errors.As(err, &malformed) {
				t.Errorf("Parse(%q) error = %v, want MalformedTemplateError", tt.raw, err)
			}
		})
	}
}

func TestRenderUnresolvedReference(t *testing.T) {
	tpl := MustParse("/users/{{userId}}")
	_, err := tpl.Render(map[string]any{"other": 1})
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("error = %v, want UnresolvedReferenceError", err)
	}
	if unresolved.Ref != "userId" {
		t.Errorf("Ref = %q, want userId", unresolved.Ref)
	}

	// A bound provider whose value lacks the path is also unresolved.
	tpl = MustParse("{{user.missing}}")
	_, err = tpl.Render(map[string]any{"user": map[string]any{"name": "x"}})
	if !errors.As(err, &unresolved) {
		t.Errorf("missing path error = %v, want UnresolvedReferenceError", err)
	}
}

func TestRefs(t *testing.T) {
	tpl := MustParse("{{a}}/{{b.x}}/{{a.y}}")
	got := tpl.Refs()
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Refs() = %v, want %v", got, want)
	}
}

func TestRenderValuePreservesTypes(t *testing.T) {
	tpl := MustParse("{{n}}")
	v, err := tpl.RenderValue(map[string]any{"n": 42})
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("sole-reference RenderValue = %v (%T), want int 42", v, v)
	}

	// Mixed text falls back to string rendering.
	tpl = MustParse("n={{n}}")
	v, err = tpl.RenderValue(map[string]any{"n": 42})
	if err != nil {
		t.Fatal(err)
	}
	if v != "n=42" {
		t.Errorf("mixed RenderValue = %v, want n=42", v)
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{42, "42"},
		{3.5, "3.5"},
		{true, "true"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{[]any{1, "a"}, `[1,"a"]`},
		{nil, "null"},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
