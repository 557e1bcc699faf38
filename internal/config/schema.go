// Package config parses and validates test declarations. The engine core
// treats the resulting Config as an already-validated in-memory structure:
// every failure mode here is reported before traffic generation starts.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from either a duration string ("30s", "2m") or a
// bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	dur, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root test declaration.
type Config struct {
	Name      string                `yaml:"name"`
	Settings  Settings              `yaml:"settings"`
	Providers map[string]*Provider  `yaml:"providers"`
	Patterns  map[string][]*Segment `yaml:"patterns"`
	Endpoints []*Endpoint           `yaml:"endpoints"`
}

// Settings holds run-wide knobs.
type Settings struct {
	Timeout             Duration `yaml:"timeout"`
	WindowInterval      Duration `yaml:"windowInterval"`
	CatchUpHorizon      Duration `yaml:"catchUpHorizon"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int      `yaml:"maxConnsPerHost"`
	InsecureSkipVerify  bool     `yaml:"insecureSkipVerify"`
	Headers             map[string]string `yaml:"headers"`
}

// ProviderKind names the provider implementations.
type ProviderKind string

const (
	KindStatic   ProviderKind = "static"
	KindFile     ProviderKind = "file"
	KindResponse ProviderKind = "response"
	KindRange    ProviderKind = "range"
)

// Provider declares one named value source.
type Provider struct {
	Kind       ProviderKind `yaml:"kind"`
	AutoReturn bool         `yaml:"autoReturn"`

	// static
	Values []any `yaml:"values"`
	Repeat bool  `yaml:"repeat"`

	// file
	Path    string `yaml:"path"`
	Format  string `yaml:"format"` // line | json | csv
	Order   string `yaml:"order"`  // sequential | random
	Headers bool   `yaml:"headers"`
	Buffer  int    `yaml:"buffer"`

	// response
	OnFull string `yaml:"onFull"` // drop-oldest | reject

	// range
	Start int64 `yaml:"start"`
	End   int64 `yaml:"end"`
	Step  int64 `yaml:"step"`
}

// Segment declares one load-pattern piece. A segment with both From and To
// is a linear ramp; one with Rate is constant. A constant segment with no
// duration holds its rate forever and must come last.
type Segment struct {
	Rate     *float64 `yaml:"rate"`
	From     *float64 `yaml:"from"`
	To       *float64 `yaml:"to"`
	Duration Duration `yaml:"duration"`
}

// Endpoint declares one templated request target.
type Endpoint struct {
	Name        string            `yaml:"name"`
	Method      string            `yaml:"method"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Body        any               `yaml:"body"`
	Pattern     string            `yaml:"pattern"`
	Timeout     Duration          `yaml:"timeout"`
	MaxParallel int               `yaml:"maxParallel"`
	Peek        []string          `yaml:"peek"` // providers read without consuming
	Provides    []*Extract        `yaml:"provides"`
}

// Extract maps a response field into a response-derived provider.
type Extract struct {
	Provider  string `yaml:"provider"`
	Source    string `yaml:"source"` // body | header | status
	Path      string `yaml:"path"`
	OnFailure bool   `yaml:"onFailure"`
}
