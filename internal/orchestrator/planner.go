package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

const plannerSystemPrompt = `You are the planning module of a commerce analytics platform.
Decompose the user's request into an ordered list of department steps.

Available departments:
- data_retrieval: fetch orders, products or inventory from the user's store
- quantitative: numeric analysis over retrieved data
- qualitative: interpretive analysis over retrieved data
- comparative: compare segments, periods or products
- predictive: forecast from retrieved data
- recommendation: propose concrete store actions from prior analysis

Rules:
- Steps run in order; later steps see earlier outputs.
- A plan that analyzes store data must start with data_retrieval.
- Use the fewest steps that answer the request. An empty list is valid when
  the request needs no department work.

Respond with a JSON object only:
{"steps": [{"department": "<name>", "instructions": "<what to do>"}]}`

// Planner turns a prompt into a plan using the planner-role model.
type Planner struct {
	client llm.Client
	router *llm.Router
	logger logging.Logger
}

// NewPlanner constructs a planner.
func NewPlanner(client llm.Client, router *llm.Router, logger logging.Logger) *Planner {
	return &Planner{client: client, router: router, logger: logging.OrNop(logger)}
}

// Plan produces the step list for a request. Model output that is not valid
// JSON is run through repair before parsing; unknown departments fail the
// plan rather than being silently dropped.
func (p *Planner) Plan(ctx context.Context, state *State) ([]Step, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		Model: p.router.Model(ctx, state.UserID, llm.RolePlanner),
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: state.Prompt},
		},
		JSONOnly: true,
		Role:     llm.RolePlanner,
	})
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}

	steps, err := parsePlan(resp.Content)
	if err != nil {
		p.logger.Warn("plan for request %s did not parse: %v", state.RequestID, err)
		return nil, err
	}
	p.logger.Info("planned %d steps for request %s", len(steps), state.RequestID)
	return steps, nil
}

func parsePlan(content string) ([]Step, error) {
	raw := extractJSON(content)

	var parsed struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("parse plan: %w (repair also failed: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("parse repaired plan: %w", err)
		}
	}

	for i, step := range parsed.Steps {
		if !step.Department.Valid() {
			return nil, fmt.Errorf("step %d names unknown department %q", i, step.Department)
		}
		if strings.TrimSpace(step.Instructions) == "" {
			return nil, fmt.Errorf("step %d has empty instructions", i)
		}
	}
	return parsed.Steps, nil
}

// extractJSON strips markdown fences and surrounding prose, keeping the
// outermost JSON object.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if fenced, ok := strings.CutPrefix(content, "```json"); ok {
		content = fenced
	} else if fenced, ok := strings.CutPrefix(content, "```"); ok {
		content = fenced
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
