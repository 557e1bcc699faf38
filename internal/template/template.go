// Package template renders endpoint URL, header, and body templates
// against provider-supplied values.
//
// Templates are plain strings with embedded references:
//
//	https://api.example.com/users/{{userId}}/orders
//	{"name": "{{profile.name}}", "count": 3}
//
// A reference names a provider, optionally followed by a dot-path into the
// provider's current value (resolved with gjson path syntax). Rendering is
// a pure function over the supplied bindings: the same template and
// bindings always produce the same output, and failures are typed errors,
// never silent defaults.
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// MalformedTemplateError reports a syntax error found while parsing a
// template. It is a configuration error: callers should surface it before
// any traffic is generated.
type MalformedTemplateError struct {
	Template string
	Pos      int
	Reason   string
}

func (e *MalformedTemplateError) Error() string {
	return fmt.Sprintf("malformed template at offset %d: %s", e.Pos, e.Reason)
}

// UnresolvedReferenceError reports a reference whose provider has no
// binding at render time, or whose path does not exist in the bound value.
type UnresolvedReferenceError struct {
	Ref string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved template reference %q", e.Ref)
}

// segment is either a literal run of text or a provider reference.
type segment struct {
	literal string
	ref     string // provider name
	path    string // optional gjson path into the provider value
	isRef   bool
}

// Template is a parsed template ready for repeated rendering.
type Template struct {
	raw      string
	segments []segment
}

// Parse compiles a template string. Syntax errors (an unterminated or empty
// reference) return a MalformedTemplateError.
func Parse(raw string) (*Template, error) {
	var segs []segment
	rest := raw
	offset := 0
	for {
		open := strings.Index(rest, openMarker)
		if open < 0 {
			if rest != "" {
				segs = append(segs, segment{literal: rest})
			}
			break
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		tail := rest[open+len(openMarker):]
		closeIdx := strings.Index(tail, closeMarker)
		if closeIdx < 0 {
			return nil, &MalformedTemplateError{
				Template: raw,
				Pos:      offset + open,
				Reason:   "unterminated reference",
			}
		}
		ref := strings.TrimSpace(tail[:closeIdx])
		if ref == "" {
			return nil, &MalformedTemplateError{
				Template: raw,
				Pos:      offset + open,
				Reason:   "empty reference",
			}
		}
		if strings.Contains(ref, openMarker) {
			return nil, &MalformedTemplateError{
				Template: raw,
				Pos:      offset + open,
				Reason:   "nested reference",
			}
		}
		name, path := splitRef(ref)
		segs = append(segs, segment{ref: name, path: path, isRef: true})
		consumed := open + len(openMarker) + closeIdx + len(closeMarker)
		offset += consumed
		rest = rest[consumed:]
	}
	return &Template{raw: raw, segments: segs}, nil
}

// MustParse is Parse for templates known valid at compile time (tests,
// defaults). It panics on error.
func MustParse(raw string) *Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func splitRef(ref string) (name, path string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// Raw returns the original template text.
func (t *Template) Raw() string { return t.raw }

// Refs returns the names of all providers the template references, in
// order of first appearance, without duplicates. Used by configuration
// validation to detect unresolved references before a run starts.
func (t *Template) Refs() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range t.segments {
		if s.isRef && !seen[s.ref] {
			seen[s.ref] = true
			names = append(names, s.ref)
		}
	}
	return names
}

// soleRef reports whether the template consists of exactly one reference
// and nothing else, in which case the bound value may be substituted in
// place rather than stringified.
func (t *Template) soleRef() (segment, bool) {
	if len(t.segments) == 1 && t.segments[0].isRef {
		return t.segments[0], true
	}
	return segment{}, false
}

// Render evaluates the template to a string. Referenced values that are
// not strings render as their compact JSON encoding; strings render
// verbatim.
func (t *Template) Render(bindings map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, s := range t.segments {
		if !s.isRef {
			b.WriteString(s.literal)
			continue
		}
		v, err := resolve(s, bindings)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

// RenderValue evaluates the template preserving JSON types where possible:
// a template that is exactly one reference yields the bound value itself;
// anything else falls back to string rendering.
func (t *Template) RenderValue(bindings map[string]any) (any, error) {
	if s, ok := t.soleRef(); ok {
		return resolve(s, bindings)
	}
	return t.Render(bindings)
}

func resolve(s segment, bindings map[string]any) (any, error) {
	v, ok := bindings[s.ref]
	if !ok {
		return nil, &UnresolvedReferenceError{Ref: refString(s)}
	}
	if s.path == "" {
		return v, nil
	}
	// Path lookups go through gjson against the value's JSON encoding so
	// that nested objects, arrays, and mixed numeric types all behave the
	// same way regardless of how the provider produced them.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &UnresolvedReferenceError{Ref: refString(s)}
	}
	res := gjson.GetBytes(raw, s.path)
	if !res.Exists() {
		return nil, &UnresolvedReferenceError{Ref: refString(s)}
	}
	return res.Value(), nil
}

func refString(s segment) string {
	if s.path == "" {
		return s.ref
	}
	return s.ref + "." + s.path
}

// Stringify converts a provider value to its template string form:
// strings verbatim, everything else as compact JSON.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
