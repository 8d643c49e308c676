// Package pipeline runs the configured agent steps in order against an LLM
// client, feeding each step the output of the one before it. The final
// step's content is returned verbatim; interpreting its structure is the
// normalizer's job, not ours.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"taskpilot/internal/agentcfg"
	"taskpilot/internal/llm"
	"taskpilot/internal/tools"
)

const maxToolRounds = 4

type LogEntry struct {
	Step      string    `json:"step"`
	Agent     string    `json:"agent"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunError carries the execution log collected up to the failure so it can
// be surfaced alongside the task's error payload.
type RunError struct {
	Step string
	Err  error
	Log  []LogEntry
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline failed at step %s: %v", e.Step, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

type Runner struct {
	cfg   *agentcfg.Config
	llm   llm.Client
	tools *tools.Client
	log   zerolog.Logger
}

func NewRunner(cfg *agentcfg.Config, llmClient llm.Client, toolsClient *tools.Client, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:   cfg,
		llm:   llmClient,
		tools: toolsClient,
		log:   log,
	}
}

// Run executes every configured step for the query. On success it returns
// the final step's raw output and the full execution log; on failure the
// returned error is a *RunError holding the partial log.
func (r *Runner) Run(ctx context.Context, query string) (string, []LogEntry, error) {
	var entries []LogEntry
	record := func(step, agent, event, detail string) {
		entries = append(entries, LogEntry{
			Step:      step,
			Agent:     agent,
			Event:     event,
			Detail:    detail,
			Timestamp: time.Now().UTC(),
		})
	}

	var previous string
	for _, step := range r.cfg.Steps {
		agent, _ := r.cfg.Agent(step.Agent)
		description := step.Render(query)

		record(step.Name, agent.Name, "started", description)
		r.log.Debug().Str("step", step.Name).Str("agent", agent.Name).Msg("running pipeline step")

		output, err := r.runStep(ctx, agent, step, description, previous, record)
		if err != nil {
			record(step.Name, agent.Name, "failed", err.Error())
			return "", nil, &RunError{Step: step.Name, Err: err, Log: entries}
		}

		record(step.Name, agent.Name, "completed", output)
		previous = output
	}

	return previous, entries, nil
}

func (r *Runner) runStep(ctx context.Context, agent agentcfg.AgentSpec, step agentcfg.StepSpec, description, previous string, record func(step, agent, event, detail string)) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(agent)},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt(step, description, previous)},
	}

	toolDefs := toolDefinitions(agent.Tool)
	if len(toolDefs) == 0 {
		msg, err := r.llm.Complete(ctx, llm.Request{Messages: messages})
		if err != nil {
			return "", err
		}
		return msg.Content, nil
	}

	for round := 0; round < maxToolRounds; round++ {
		msg, err := r.llm.Complete(ctx, llm.Request{Messages: messages, Tools: toolDefs})
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			record(step.Name, agent.Name, "tool_call", fmt.Sprintf("%s(%s)", call.Function.Name, call.Function.Arguments))

			content := r.invokeTool(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	// Tool budget exhausted: force a final answer without tools.
	msg, err := r.llm.Complete(ctx, llm.Request{Messages: messages})
	if err != nil {
		return "", err
	}

	return msg.Content, nil
}

// invokeTool runs one tool call and serializes the outcome for the model.
// Tool failures degrade into error payloads rather than aborting the step.
func (r *Runner) invokeTool(ctx context.Context, name, arguments string) string {
	switch name {
	case "search":
		args := struct {
			Keyword  string `json:"keyword"`
			Page     int    `json:"page"`
			PageSize int    `json:"page_size"`
			Sort     string `json:"sort"`
		}{Page: 1, PageSize: 10}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolError(fmt.Sprintf("invalid search arguments: %v", err))
		}

		result, err := r.tools.Search(ctx, args.Keyword, args.Page, args.PageSize, args.Sort)
		if err != nil {
			return toolError(err.Error())
		}
		return mustJSON(result)

	case "item_detail":
		args := struct {
			ItemID string `json:"item_id"`
		}{}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolError(fmt.Sprintf("invalid item_detail arguments: %v", err))
		}

		detail, err := r.tools.Detail(ctx, args.ItemID)
		if err != nil {
			return toolError(err.Error())
		}
		return mustJSON(detail)

	default:
		return toolError(fmt.Sprintf("unknown tool %q", name))
	}
}

func systemPrompt(agent agentcfg.AgentSpec) string {
	prompt := fmt.Sprintf("You are %s. %s", agent.Role, agent.Goal)
	if agent.Backstory != "" {
		prompt += "\n" + agent.Backstory
	}
	return prompt
}

func userPrompt(step agentcfg.StepSpec, description, previous string) string {
	prompt := description
	if step.ExpectedOutput != "" {
		prompt += "\n\nExpected output: " + step.ExpectedOutput
	}
	if previous != "" {
		prompt += "\n\nContext from the previous step:\n" + previous
	}
	return prompt
}

func toolDefinitions(tool string) []openai.Tool {
	switch tool {
	case "search":
		return []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "search",
				Description: "Search the wholesale marketplace for products matching a keyword.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"keyword":   map[string]any{"type": "string"},
						"page":      map[string]any{"type": "integer"},
						"page_size": map[string]any{"type": "integer"},
						"sort":      map[string]any{"type": "string"},
					},
					"required": []string{"keyword"},
				},
			},
		}}
	case "item_detail":
		return []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "item_detail",
				Description: "Fetch the detail record for a single marketplace item.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"item_id": map[string]any{"type": "string"},
					},
					"required": []string{"item_id"},
				},
			},
		}}
	default:
		return nil
	}
}

func toolError(msg string) string {
	return mustJSON(map[string]any{"error": msg})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to encode tool result"}`
	}
	return string(data)
}
