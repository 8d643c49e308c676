// Package agentcfg loads the declarative agent pipeline definition from
// YAML. The file is parsed and validated once at startup and treated as
// read-only afterwards.
package agentcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const schemaJSON = `{
	"type": "object",
	"required": ["agents", "steps"],
	"properties": {
		"agents": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "role", "goal"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"role": {"type": "string", "minLength": 1},
					"goal": {"type": "string", "minLength": 1},
					"backstory": {"type": "string"},
					"tool": {"type": "string", "enum": ["", "search", "item_detail"]}
				}
			}
		},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "agent", "description"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"agent": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"expected_output": {"type": "string"}
				}
			}
		}
	}
}`

type AgentSpec struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
	Tool      string `yaml:"tool"`
}

type StepSpec struct {
	Name           string `yaml:"name"`
	Agent          string `yaml:"agent"`
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

type Config struct {
	Agents []AgentSpec `yaml:"agents"`
	Steps  []StepSpec  `yaml:"steps"`
}

// Render substitutes the task query into the step's description template.
func (s StepSpec) Render(query string) string {
	return strings.ReplaceAll(s.Description, "{query}", query)
}

// Agent returns the spec for the named agent, if present.
func (c *Config) Agent(name string) (AgentSpec, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent config for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(rawJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate agent config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid agent config: %s", strings.Join(msgs, "; "))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}

	if err := cfg.check(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// check enforces the cross-references the schema cannot express.
func (c *Config) check() error {
	agents := map[string]bool{}
	for _, a := range c.Agents {
		if agents[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		agents[a.Name] = true
	}

	steps := map[string]bool{}
	for _, s := range c.Steps {
		if steps[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		steps[s.Name] = true

		if !agents[s.Agent] {
			return fmt.Errorf("step %q references unknown agent %q", s.Name, s.Agent)
		}
	}

	return nil
}
