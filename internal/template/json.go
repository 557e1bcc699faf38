package template

import (
	"encoding/json"
	"fmt"
)

// Body is a parsed request body: either a single string template or a JSON
// tree whose string leaves have been compiled to templates. Non-string
// leaves pass through rendering untouched.
type Body struct {
	str  *Template
	tree any // map[string]any | []any | *Template | literal
}

// ParseBody compiles a body value from configuration. A string compiles as
// one template; maps and slices compile recursively.
func ParseBody(v any) (*Body, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		t, err := Parse(val)
		if err != nil {
			return nil, err
		}
		return &Body{str: t}, nil
	default:
		tree, err := compileTree(v)
		if err != nil {
			return nil, err
		}
		return &Body{tree: tree}, nil
	}
}

func compileTree(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return Parse(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			c, err := compileTree(child)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			c, err := compileTree(child)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		// Numbers, bools, null: literal JSON leaves.
		return val, nil
	}
}

// IsJSON reports whether the body renders to a JSON document rather than a
// plain string.
func (b *Body) IsJSON() bool { return b != nil && b.tree != nil }

// Refs returns all provider names referenced anywhere in the body.
func (b *Body) Refs() []string {
	if b == nil {
		return nil
	}
	if b.str != nil {
		return b.str.Refs()
	}
	seen := make(map[string]bool)
	var names []string
	collectRefs(b.tree, seen, &names)
	return names
}

func collectRefs(v any, seen map[string]bool, names *[]string) {
	switch val := v.(type) {
	case *Template:
		for _, r := range val.Refs() {
			if !seen[r] {
				seen[r] = true
				*names = append(*names, r)
			}
		}
	case map[string]any:
		for _, child := range val {
			collectRefs(child, seen, names)
		}
	case []any:
		for _, child := range val {
			collectRefs(child, seen, names)
		}
	}
}

// Render produces the request body bytes. JSON-tree bodies substitute
// sole-reference leaves in place, so `{"a": "{{p}}", "b": 3}` with p bound
// to the number 7 yields `{"a":7,"b":3}` when p's value is 7, or
// `{"a":"x","b":3}` when it is the string "x". String bodies render as
// strings.
func (b *Body) Render(bindings map[string]any) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if b.str != nil {
		s, err := b.str.Render(bindings)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	v, err := renderTree(b.tree, bindings)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding rendered body: %w", err)
	}
	return raw, nil
}

func renderTree(v any, bindings map[string]any) (any, error) {
	switch val := v.(type) {
	case *Template:
		return val.RenderValue(bindings)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			c, err := renderTree(child, bindings)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			c, err := renderTree(child, bindings)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return val, nil
	}
}
