package config

import (
	"fmt"
	"os"

	"github.com/volleyhq/volley/internal/extract"
	"github.com/volleyhq/volley/internal/rate"
	"github.com/volleyhq/volley/internal/template"
)

// Validate applies the semantic rules the JSON schema cannot express:
// every reference resolves, every template parses, every pattern composes
// into a valid rate curve. A Config that passes Validate cannot fail at
// run start for configuration reasons.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints declared")
	}
	if len(c.Patterns) == 0 {
		return fmt.Errorf("no load patterns declared")
	}

	for name, p := range c.Providers {
		if err := p.validate(name); err != nil {
			return err
		}
	}

	for name := range c.Patterns {
		segments, err := c.BuildSegments(name)
		if err != nil {
			return err
		}
		if err := rate.Validate(segments); err != nil {
			return fmt.Errorf("pattern %q: %w", name, err)
		}
	}

	seen := make(map[string]bool)
	for _, ep := range c.Endpoints {
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = true
		if err := c.validateEndpoint(ep); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) validate(name string) error {
	switch p.Kind {
	case KindStatic:
		if len(p.Values) == 0 {
			return fmt.Errorf("provider %q: static provider needs values", name)
		}
	case KindFile:
		if p.Path == "" {
			return fmt.Errorf("provider %q: file provider needs a path", name)
		}
		// A bad path is a configuration error; catch it here rather than
		// as an endless stream of misses once traffic starts.
		info, err := os.Stat(p.Path)
		if err != nil {
			return fmt.Errorf("provider %q: backing file: %w", name, err)
		}
		if info.IsDir() {
			return fmt.Errorf("provider %q: backing file %s is a directory", name, p.Path)
		}
	case KindResponse:
		if p.OnFull == "" {
			// The full-buffer policy is part of the contract; there
			// is no silent default.
			return fmt.Errorf("provider %q: response provider needs an explicit onFull policy", name)
		}
	case KindRange:
		if p.End < p.Start {
			return fmt.Errorf("provider %q: range end %d below start %d", name, p.End, p.Start)
		}
	default:
		return fmt.Errorf("provider %q: unknown kind %q", name, p.Kind)
	}
	return nil
}

func (c *Config) validateEndpoint(ep *Endpoint) error {
	if _, ok := c.Patterns[ep.Pattern]; !ok {
		return fmt.Errorf("endpoint %q: unknown load pattern %q", ep.Name, ep.Pattern)
	}

	var refs []string
	urlTmpl, err := template.Parse(ep.URL)
	if err != nil {
		return fmt.Errorf("endpoint %q url: %w", ep.Name, err)
	}
	refs = append(refs, urlTmpl.Refs()...)

	for key, raw := range ep.Headers {
		t, err := template.Parse(raw)
		if err != nil {
			return fmt.Errorf("endpoint %q header %q: %w", ep.Name, key, err)
		}
		refs = append(refs, t.Refs()...)
	}

	body, err := template.ParseBody(ep.Body)
	if err != nil {
		return fmt.Errorf("endpoint %q body: %w", ep.Name, err)
	}
	refs = append(refs, body.Refs()...)

	for _, ref := range refs {
		if _, ok := c.Providers[ref]; !ok {
			return fmt.Errorf("endpoint %q references undeclared provider %q", ep.Name, ref)
		}
	}
	for _, name := range ep.Peek {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("endpoint %q peeks undeclared provider %q", ep.Name, name)
		}
	}

	for _, ex := range ep.Provides {
		rule := extract.Rule{
			Provider:  ex.Provider,
			Source:    extract.Source(ex.Source),
			Path:      ex.Path,
			OnFailure: ex.OnFailure,
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
		target, ok := c.Providers[ex.Provider]
		if !ok {
			return fmt.Errorf("endpoint %q extracts into undeclared provider %q", ep.Name, ex.Provider)
		}
		if target.Kind != KindResponse {
			return fmt.Errorf("endpoint %q extracts into %q, which is %s, not response-derived",
				ep.Name, ex.Provider, target.Kind)
		}
	}
	return nil
}

// BuildSegments converts a declared pattern into rate segments.
func (c *Config) BuildSegments(name string) ([]rate.Segment, error) {
	decls, ok := c.Patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown load pattern %q", name)
	}
	segments := make([]rate.Segment, 0, len(decls))
	for i, s := range decls {
		seg, err := s.build()
		if err != nil {
			return nil, fmt.Errorf("pattern %q segment %d: %w", name, i, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (s *Segment) build() (rate.Segment, error) {
	switch {
	case s.From != nil && s.To != nil:
		if s.Rate != nil {
			return nil, fmt.Errorf("segment mixes rate with from/to")
		}
		return rate.Linear{From: *s.From, To: *s.To, Dur: s.Duration.Std()}, nil
	case s.Rate != nil:
		if s.From != nil || s.To != nil {
			return nil, fmt.Errorf("segment mixes rate with from/to")
		}
		return rate.Constant{Rate: *s.Rate, Dur: s.Duration.Std()}, nil
	default:
		return nil, fmt.Errorf("segment needs either rate or from/to")
	}
}
