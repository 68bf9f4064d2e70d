package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atlas/internal/commerce"
	"atlas/internal/domain/task"
	"atlas/internal/hitl"
	"atlas/internal/llm"
	"atlas/internal/logging"
)

// NewDataRetrievalHandler fetches store data through the commerce client.
// The instructions decide which datasets to pull; orders are the default
// when nothing matches.
func NewDataRetrievalHandler(client *commerce.Client, logger logging.Logger) Handler {
	logger = logging.OrNop(logger)

	return HandlerFunc(func(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error) {
		wantOrders, wantProducts := datasetsFor(input.Instructions)

		result := map[string]json.RawMessage{}
		if wantOrders {
			orders, err := client.GetOrders(ctx, msg.UserID, input.LinkedAccountID, commerce.OrderQuery{Status: "any", Limit: 250})
			if err != nil {
				return nil, fmt.Errorf("fetch orders: %w", err)
			}
			result["orders"] = orders
		}
		if wantProducts {
			products, err := client.GetProducts(ctx, msg.UserID, input.LinkedAccountID, commerce.ProductQuery{Limit: 250})
			if err != nil {
				return nil, fmt.Errorf("fetch products: %w", err)
			}
			result["products"] = products
		}

		logger.Debug("retrieved %d datasets for task %s", len(result), msg.TaskID)
		return json.Marshal(result)
	})
}

// datasetsFor maps instruction text to the datasets to pull.
func datasetsFor(instructions string) (orders, products bool) {
	lower := strings.ToLower(instructions)
	if strings.Contains(lower, "product") || strings.Contains(lower, "inventory") || strings.Contains(lower, "catalog") || strings.Contains(lower, "stock") {
		products = true
	}
	if strings.Contains(lower, "order") || strings.Contains(lower, "sale") || strings.Contains(lower, "revenue") || strings.Contains(lower, "customer") {
		orders = true
	}
	if !orders && !products {
		orders = true
	}
	return orders, products
}

const analysisSystemPrompt = `You are the %s department of a commerce analytics platform.
Carry out the instructions against the provided data. Be specific and
quantitative where the data allows. Respond with your analysis as plain text.`

// NewAnalysisHandler serves the quantitative, qualitative, comparative and
// predictive departments with the tool-role model.
func NewAnalysisHandler(dept task.Department, client llm.Client, router *llm.Router, logger logging.Logger) Handler {
	logger = logging.OrNop(logger)

	return HandlerFunc(func(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error) {
		resp, err := client.Complete(ctx, llm.Request{
			Model: router.Model(ctx, msg.UserID, llm.RoleTool),
			Messages: []llm.Message{
				{Role: "system", Content: fmt.Sprintf(analysisSystemPrompt, dept)},
				{Role: "user", Content: analysisUserPrompt(input)},
			},
			Role: llm.RoleTool,
		})
		if err != nil {
			return nil, fmt.Errorf("%s analysis: %w", dept, err)
		}

		logger.Debug("%s analysis for task %s produced %d chars", dept, msg.TaskID, len(resp.Content))
		return json.Marshal(map[string]string{"analysis": resp.Content})
	})
}

func analysisUserPrompt(input task.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nInstructions: %s\n", input.Prompt, input.Instructions)
	if len(input.RetrievedData) > 0 {
		fmt.Fprintf(&b, "\nRetrieved data:\n%s\n", input.RetrievedData)
	}
	for dept, data := range input.AnalysisResults {
		fmt.Fprintf(&b, "\nPrior %s output:\n%s\n", dept, data)
	}
	return b.String()
}

const recommendationSystemPrompt = `You are the recommendation department of a commerce analytics platform.
Based on the analysis, recommend concrete store changes. For each change that
can be executed automatically, emit a proposed action block:

[PROPOSED_ACTION]
action_type: one of update_product_price, create_discount_code, adjust_inventory
description: one sentence a store owner can approve or reject
parameters: a single-line JSON object with the action arguments
[/PROPOSED_ACTION]

Action parameters:
- update_product_price: {"variant_id": "...", "price": "..."}
- create_discount_code: {"code": "...", "value_type": "percentage"|"fixed_amount", "value": "..."}
- adjust_inventory: {"inventory_item_id": "...", "location_id": "...", "delta": <integer>}

Write your reasoning as prose around the blocks. Never invent product or
variant identifiers; only reference ones present in the data.`

// NewRecommendationHandler runs the creative-role model and persists any
// well-formed proposed action blocks for human review. The blocks are
// stripped from the stored analysis output.
func NewRecommendationHandler(client llm.Client, router *llm.Router, proposals *hitl.Service, logger logging.Logger) Handler {
	logger = logging.OrNop(logger)

	return HandlerFunc(func(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error) {
		resp, err := client.Complete(ctx, llm.Request{
			Model: router.Model(ctx, msg.UserID, llm.RoleCreative),
			Messages: []llm.Message{
				{Role: "system", Content: recommendationSystemPrompt},
				{Role: "user", Content: analysisUserPrompt(input)},
			},
			Role: llm.RoleCreative,
		})
		if err != nil {
			return nil, fmt.Errorf("recommendation: %w", err)
		}

		parsed := hitl.ParseProposals(resp.Content, logger)
		created, err := proposals.RecordProposals(ctx, msg.UserID, msg.AnalysisRequestID, input.LinkedAccountID, parsed)
		if err != nil {
			return nil, fmt.Errorf("persist proposals: %w", err)
		}

		actionIDs := make([]string, 0, len(created))
		for _, a := range created {
			actionIDs = append(actionIDs, a.ID.String())
		}
		logger.Info("task %s produced %d proposed actions", msg.TaskID, len(created))

		return json.Marshal(map[string]any{
			"recommendations":     hitl.StripProposals(resp.Content),
			"proposed_action_ids": actionIDs,
		})
	})
}
