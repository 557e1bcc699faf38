package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// documentSchema is the structural contract a test file must satisfy
// before typed decoding. Semantic rules (reference resolution, pattern
// shape) are checked afterwards by Validate.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["endpoints", "patterns"],
  "properties": {
    "name": {"type": "string"},
    "settings": {"type": "object"},
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"enum": ["static", "file", "response", "range"]},
          "autoReturn": {"type": "boolean"},
          "values": {"type": "array"},
          "repeat": {"type": "boolean"},
          "path": {"type": "string"},
          "format": {"enum": ["line", "json", "csv"]},
          "order": {"enum": ["sequential", "random"]},
          "headers": {"type": "boolean"},
          "buffer": {"type": "integer", "minimum": 0},
          "onFull": {"enum": ["drop-oldest", "reject"]},
          "start": {"type": "integer"},
          "end": {"type": "integer"},
          "step": {"type": "integer"}
        }
      }
    },
    "patterns": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "properties": {
            "rate": {"type": "number", "minimum": 0},
            "from": {"type": "number", "minimum": 0},
            "to": {"type": "number", "minimum": 0},
            "duration": {"type": ["string", "number"]}
          }
        }
      }
    },
    "endpoints": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["url", "pattern"],
        "properties": {
          "name": {"type": "string"},
          "method": {"type": "string"},
          "url": {"type": "string"},
          "headers": {"type": "object", "additionalProperties": {"type": "string"}},
          "pattern": {"type": "string"},
          "timeout": {"type": ["string", "number"]},
          "maxParallel": {"type": "integer", "minimum": 0},
          "peek": {"type": "array", "items": {"type": "string"}},
          "provides": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["provider", "source"],
              "properties": {
                "provider": {"type": "string"},
                "source": {"enum": ["body", "header", "status"]},
                "path": {"type": "string"},
                "onFailure": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("volley-config.schema.json", documentSchema)

// Load reads, schema-checks, decodes, and semantically validates a test
// file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML (or JSON, which is valid YAML) configuration bytes.
func Parse(raw []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// toJSONValue round-trips a YAML document through encoding/json so the
// schema validator sees exactly the types json.Unmarshal would produce.
func toJSONValue(doc any) (any, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	for i, ep := range cfg.Endpoints {
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("endpoint_%d", i+1)
		}
		if ep.Method == "" {
			ep.Method = "GET"
		} else {
			ep.Method = strings.ToUpper(ep.Method)
		}
	}
	for _, p := range cfg.Providers {
		if p.Kind == KindResponse && p.Buffer <= 0 {
			p.Buffer = 100
		}
		if p.Kind == KindRange && p.Step == 0 {
			p.Step = 1
		}
	}
}
