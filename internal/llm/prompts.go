package llm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts holds the system prompt templates for the three completion
// operations. Operators can replace any of them from a YAML file.
type Prompts struct {
	Planner    string `yaml:"planner"`
	Reflection string `yaml:"reflection"`
	Synthesis  string `yaml:"synthesis"`
}

const defaultPlannerPrompt = `You are a research query planner. Break the given topic into diverse,
self-contained web search queries that together cover the topic. Prefer
specific, answerable queries over broad ones.

Return a JSON object:
{
  "queries": ["query one", "query two"],
  "rationale": "why these queries cover the topic"
}`

const defaultReflectionPrompt = `You are a research coverage evaluator. Given a topic and the summaries
gathered so far, decide whether they contain enough substantive information
to answer the topic. Statements like "no information was found" are gaps,
not coverage.

Return a JSON object:
{
  "sufficient": false,
  "knowledge_gap": "what is still missing",
  "follow_up_queries": ["query targeting the gap"]
}

When sufficient is true, leave follow_up_queries empty.`

const defaultSynthesisPrompt = `You are a research writer. Compose a well-structured answer to the topic
using only the provided summaries. Preserve every markdown citation link
from the summaries exactly as written; place each link immediately after
the claim it supports. Do not invent sources.`

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() *Prompts {
	return &Prompts{
		Planner:    defaultPlannerPrompt,
		Reflection: defaultReflectionPrompt,
		Synthesis:  defaultSynthesisPrompt,
	}
}

// LoadPrompts reads template overrides from a YAML file. Fields left empty
// in the file keep their defaults. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", path, err)
	}
	var overrides Prompts
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
	}
	if overrides.Planner != "" {
		p.Planner = overrides.Planner
	}
	if overrides.Reflection != "" {
		p.Reflection = overrides.Reflection
	}
	if overrides.Synthesis != "" {
		p.Synthesis = overrides.Synthesis
	}
	return p, nil
}
