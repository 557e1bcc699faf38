package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
name: checkout-soak
settings:
  timeout: 10s
  windowInterval: 1m
providers:
  userIds:
    kind: static
    values: ["u1", "u2", "u3"]
    repeat: true
  sessionTokens:
    kind: response
    onFull: drop-oldest
    buffer: 50
patterns:
  warmup:
    - from: 0
      to: 50
      duration: 30s
    - rate: 50
      duration: 5m
endpoints:
  - name: login
    method: post
    url: https://api.example.com/login
    body:
      user: "{{userIds}}"
    pattern: warmup
    provides:
      - provider: sessionTokens
        source: body
        path: token
  - name: profile
    url: https://api.example.com/me
    headers:
      Authorization: "Bearer {{sessionTokens}}"
    pattern: warmup
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "checkout-soak", cfg.Name)
	assert.Equal(t, 10*time.Second, cfg.Settings.Timeout.Std())
	assert.Equal(t, time.Minute, cfg.Settings.WindowInterval.Std())
	assert.Len(t, cfg.Providers, 2)
	assert.Len(t, cfg.Endpoints, 2)

	// Defaults applied.
	assert.Equal(t, "POST", cfg.Endpoints[0].Method)
	assert.Equal(t, "GET", cfg.Endpoints[1].Method)
	assert.Equal(t, 50, cfg.Providers["sessionTokens"].Buffer)

	segs, err := cfg.BuildSegments("warmup")
	require.NoError(t, err)
	require.Len(t, segs, 2)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"unknown provider kind",
			`
providers:
  x: {kind: magic}
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: p}
`,
		},
		{
			"missing endpoints",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
`,
		},
		{
			"endpoint without url",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {pattern: p}
`,
		},
		{
			"negative rate",
			`
patterns:
  p: [{rate: -5, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: p}
`,
		},
		{
			"bad onFull policy",
			`
providers:
  r: {kind: response, onFull: explode}
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: p}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateFileProviderPath(t *testing.T) {
	const tmpl = `
providers:
  ids:
    kind: file
    path: %s
patterns:
  steady:
    - rate: 10
      duration: 30s
endpoints:
  - url: https://api.example.com/users/{{ids}}
    pattern: steady
`
	good := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(good, []byte("u1\nu2\n"), 0o644))

	_, err := Parse([]byte(fmt.Sprintf(tmpl, good)))
	assert.NoError(t, err)

	// A missing file is a configuration error, caught before any traffic.
	_, err = Parse([]byte(fmt.Sprintf(tmpl, filepath.Join(t.TempDir(), "absent.txt"))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing file")

	// So is a directory.
	_, err = Parse([]byte(fmt.Sprintf(tmpl, t.TempDir())))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestParseRejectsSemanticErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"undeclared provider reference",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x/{{ghost}}", pattern: p}
`,
			"undeclared provider",
		},
		{
			"unknown pattern",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: nope}
`,
			"unknown load pattern",
		},
		{
			"response provider without policy",
			`
providers:
  r: {kind: response}
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: p}
`,
			"onFull",
		},
		{
			"extraction into non-response provider",
			`
providers:
  s: {kind: static, values: [1]}
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - url: "http://x"
    pattern: p
    provides:
      - {provider: s, source: body, path: a}
`,
			"not response-derived",
		},
		{
			"segment mixes rate and ramp",
			`
patterns:
  p: [{rate: 1, from: 0, to: 5, duration: 1s}]
endpoints:
  - {url: "http://x", pattern: p}
`,
			"mixes",
		},
		{
			"unbounded segment before the end",
			`
patterns:
  p:
    - {rate: 1}
    - {rate: 2, duration: 1s}
endpoints:
  - {url: "http://x", pattern: p}
`,
			"unbounded",
		},
		{
			"malformed url template",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {url: "http://x/{{bad", pattern: p}
`,
			"malformed template",
		},
		{
			"duplicate endpoint names",
			`
patterns:
  p: [{rate: 1, duration: 1s}]
endpoints:
  - {name: same, url: "http://x", pattern: p}
  - {name: same, url: "http://y", pattern: p}
`,
			"duplicate endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr),
				"error %q does not mention %q", err, tt.wantErr)
		})
	}
}

func TestDurationForms(t *testing.T) {
	yaml := `
settings:
  timeout: 30
  windowInterval: 2m
patterns:
  p: [{rate: 1, duration: 1.5}]
endpoints:
  - {url: "http://x", pattern: p}
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Settings.Timeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Settings.WindowInterval.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Patterns["p"][0].Duration.Std())
}
