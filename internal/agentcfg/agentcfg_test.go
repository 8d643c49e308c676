package agentcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
agents:
  - name: researcher
    role: Product Researcher
    goal: Find relevant products for the request
    backstory: Years of sourcing experience on wholesale marketplaces.
    tool: search
  - name: analyst
    role: Sourcing Analyst
    goal: Evaluate candidate products
    tool: item_detail
  - name: writer
    role: Report Writer
    goal: Produce the final structured answer

steps:
  - name: research
    agent: researcher
    description: "Search for products matching: {query}"
    expected_output: A list of candidate products with prices.
  - name: analyze
    agent: analyst
    description: Inspect the candidates from the previous step.
  - name: report
    agent: writer
    description: Write the final JSON answer.
    expected_output: A JSON array of items.
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 3)
	require.Len(t, cfg.Steps, 3)

	assert.Equal(t, "researcher", cfg.Agents[0].Name)
	assert.Equal(t, "search", cfg.Agents[0].Tool)
	assert.Equal(t, "research", cfg.Steps[0].Name)
	assert.Equal(t, "researcher", cfg.Steps[0].Agent)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("agents: ["))
	assert.Error(t, err)
}

func TestParse_MissingSteps(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid agent config")
}

func TestParse_EmptySteps(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
steps: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid agent config")
}

func TestParse_UnknownTool(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
    tool: browse
steps:
  - name: research
    agent: researcher
    description: "Search: {query}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid agent config")
}

func TestParse_UnknownAgentReference(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
steps:
  - name: research
    agent: missing
    description: "Search: {query}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestParse_DuplicateAgentName(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
  - name: researcher
    role: Another Researcher
    goal: Find more products
steps:
  - name: research
    agent: researcher
    description: "Search: {query}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestParse_DuplicateStepName(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: researcher
    role: Product Researcher
    goal: Find products
steps:
  - name: research
    agent: researcher
    description: "Search: {query}"
  - name: research
    agent: researcher
    description: "Search again: {query}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 3)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agents.yaml")
	assert.Error(t, err)
}

func TestStepRender(t *testing.T) {
	s := StepSpec{Description: "Search for products matching: {query}"}

	assert.Equal(t, "Search for products matching: usb hubs", s.Render("usb hubs"))
}

func TestStepRender_NoPlaceholder(t *testing.T) {
	s := StepSpec{Description: "Write the final JSON answer."}

	assert.Equal(t, "Write the final JSON answer.", s.Render("usb hubs"))
}

func TestConfigAgent(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	a, ok := cfg.Agent("analyst")
	require.True(t, ok)
	assert.Equal(t, "item_detail", a.Tool)

	_, ok = cfg.Agent("missing")
	assert.False(t, ok)
}
