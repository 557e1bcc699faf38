// Package extract pulls named fields out of completed responses and feeds
// them into response-derived providers. It is the external field-puller
// surface the executor exposes: an endpoint declares which provider each
// extracted field populates, and the executor runs the rules after every
// completed response.
package extract

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/volleyhq/volley/internal/transport"
)

// Source names where a rule reads from.
type Source string

const (
	// SourceBody extracts from the response body with a gjson path.
	SourceBody Source = "body"
	// SourceHeader extracts a response header value.
	SourceHeader Source = "header"
	// SourceStatus extracts the numeric status code.
	SourceStatus Source = "status"
)

// Rule maps one response field to a provider.
type Rule struct {
	// Provider is the response-derived provider to push into.
	Provider string
	// Source selects body, header, or status.
	Source Source
	// Path is a gjson path (body) or a header name (header).
	Path string
	// OnFailure only: when set, failed outcomes are extracted too.
	// Default is success-only, so error pages never poison providers.
	OnFailure bool
}

// Validate rejects malformed rules at configuration time.
func (r Rule) Validate() error {
	switch r.Source {
	case SourceBody:
		if r.Path == "" {
			return fmt.Errorf("extract into %q: body extraction requires a path", r.Provider)
		}
	case SourceHeader:
		if r.Path == "" {
			return fmt.Errorf("extract into %q: header extraction requires a header name", r.Provider)
		}
	case SourceStatus:
	default:
		return fmt.Errorf("extract into %q: unknown source %q", r.Provider, r.Source)
	}
	if r.Provider == "" {
		return fmt.Errorf("extract rule missing a target provider")
	}
	return nil
}

// Apply evaluates the rule against an outcome. ok is false when the field
// is absent or the outcome is excluded by the failure policy; absence is
// not an error, it simply pushes nothing.
func (r Rule) Apply(o *transport.Outcome) (any, bool) {
	if o.Failed() && !r.OnFailure {
		return nil, false
	}
	switch r.Source {
	case SourceBody:
		if len(o.Body) == 0 {
			return nil, false
		}
		res := gjson.GetBytes(o.Body, r.Path)
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true
	case SourceHeader:
		vals, ok := headerLookup(o.Header, r.Path)
		if !ok {
			return nil, false
		}
		return vals, true
	case SourceStatus:
		return o.StatusCode, true
	}
	return nil, false
}

func headerLookup(h map[string][]string, name string) (string, bool) {
	for k, vals := range h {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}
