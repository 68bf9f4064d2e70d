package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"atlas/internal/config"
	"atlas/internal/domain/action"
	"atlas/internal/domain/task"
	"atlas/internal/hitl"
	"atlas/internal/llm"
)

func TestDatasetsFor(t *testing.T) {
	tests := []struct {
		instructions string
		wantOrders   bool
		wantProducts bool
	}{
		{"Fetch last month's orders", true, false},
		{"Pull the product catalog", false, true},
		{"Check inventory levels and recent sales", true, true},
		{"Get everything relevant", true, false}, // default to orders
	}
	for _, tt := range tests {
		orders, products := datasetsFor(tt.instructions)
		if orders != tt.wantOrders || products != tt.wantProducts {
			t.Errorf("datasetsFor(%q) = (%v, %v), want (%v, %v)",
				tt.instructions, orders, products, tt.wantOrders, tt.wantProducts)
		}
	}
}

type recordingActionStore struct {
	mu      sync.Mutex
	created []*action.ProposedAction
}

func (r *recordingActionStore) Create(_ context.Context, userID, requestID, accountID uuid.UUID, proposals []action.Proposal) ([]*action.ProposedAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*action.ProposedAction
	for _, p := range proposals {
		a := &action.ProposedAction{
			ID:                uuid.New(),
			UserID:            userID,
			AnalysisRequestID: requestID,
			LinkedAccountID:   accountID,
			ActionType:        p.ActionType,
			Description:       p.Description,
			Parameters:        p.Parameters,
			Status:            action.StatusProposed,
		}
		r.created = append(r.created, a)
		out = append(out, a)
	}
	return out, nil
}

func (r *recordingActionStore) Get(context.Context, uuid.UUID, uuid.UUID) (*action.ProposedAction, error) {
	return nil, action.ErrNotFound
}

func (r *recordingActionStore) ListByRequest(context.Context, uuid.UUID, uuid.UUID) ([]*action.ProposedAction, error) {
	return nil, nil
}

func (r *recordingActionStore) Approve(context.Context, uuid.UUID, uuid.UUID) (*action.ProposedAction, error) {
	return nil, action.ErrNotFound
}

func (r *recordingActionStore) Reject(context.Context, uuid.UUID, uuid.UUID) (*action.ProposedAction, error) {
	return nil, action.ErrNotFound
}

func (r *recordingActionStore) SetStatus(context.Context, uuid.UUID, uuid.UUID, action.Status, string) error {
	return nil
}

func (r *recordingActionStore) AppendLogs(context.Context, uuid.UUID, uuid.UUID, string) error {
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

func TestRecommendationHandlerPersistsProposals(t *testing.T) {
	modelOutput := `The blue widget can support a higher price.

[PROPOSED_ACTION]
action_type: update_product_price
description: Raise blue widget price to 24.99
parameters: {"variant_id": "42", "price": "24.99"}
[/PROPOSED_ACTION]

No other changes are warranted.`

	store := &recordingActionStore{}
	svc := hitl.NewService(store, nopPublisher{}, nil)
	router := llm.NewRouter(config.ModelDefaults{Tool: "m", Creative: "m"}, nil, nil)
	handler := NewRecommendationHandler(llm.NewMockClient(modelOutput), router, svc, nil)

	msg := task.Message{TaskID: uuid.New(), UserID: uuid.New(), AnalysisRequestID: uuid.New(), Department: task.DeptRecommendation}
	input := task.Input{Prompt: "p", Instructions: "recommend", LinkedAccountID: uuid.New()}

	output, err := handler.Handle(context.Background(), msg, input)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("persisted %d proposals, want 1", len(store.created))
	}
	created := store.created[0]
	if created.ActionType != action.TypeUpdateProductPrice {
		t.Errorf("ActionType = %s", created.ActionType)
	}
	if created.AnalysisRequestID != msg.AnalysisRequestID {
		t.Error("proposal not linked to the analysis request")
	}
	if created.LinkedAccountID != input.LinkedAccountID {
		t.Error("proposal not linked to the account")
	}

	var parsed struct {
		Recommendations   string   `json:"recommendations"`
		ProposedActionIDs []string `json:"proposed_action_ids"`
	}
	if err := json.Unmarshal(output, &parsed); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if strings.Contains(parsed.Recommendations, "[PROPOSED_ACTION]") {
		t.Error("recommendations should have blocks stripped")
	}
	if len(parsed.ProposedActionIDs) != 1 || parsed.ProposedActionIDs[0] != created.ID.String() {
		t.Errorf("output action ids = %v", parsed.ProposedActionIDs)
	}
}
