package task

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is the broker payload that hands a persisted task to its
// department worker. The row is the source of truth; the message only
// carries enough to find it under the right tenant.
type Message struct {
	TaskID            uuid.UUID  `json:"task_id"`
	UserID            uuid.UUID  `json:"user_id"`
	AnalysisRequestID uuid.UUID  `json:"analysis_request_id"`
	Department        Department `json:"department"`
}

// Input is the payload stored on a task at dispatch time. Departments that
// analyze prior work receive the accumulated results of earlier steps.
type Input struct {
	Prompt          string                     `json:"prompt"`
	Instructions    string                     `json:"instructions"`
	LinkedAccountID uuid.UUID                  `json:"linked_account_id"`
	RetrievedData   json.RawMessage            `json:"retrieved_data,omitempty"`
	AnalysisResults map[string]json.RawMessage `json:"analysis_results,omitempty"`
}
