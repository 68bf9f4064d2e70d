// Package orchestrator runs the analysis workflow: planning a request into
// department steps, dispatching them over the broker, polling task state, and
// aggregating the outputs into a terminal result. Progress is checkpointed at
// every node transition so a crashed run resumes where it stopped instead of
// re-running side effects.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"atlas/internal/domain/task"
)

// Node identifies a workflow node. The graph is
// plan → dispatch → check_status → {dispatch, aggregate, handle_error}.
type Node string

const (
	NodePlan        Node = "plan"
	NodeDispatch    Node = "dispatch"
	NodeCheckStatus Node = "check_status"
	NodeAggregate   Node = "aggregate"
	NodeHandleError Node = "handle_error"
	NodeDone        Node = "done"
)

// Step is one planned unit of department work.
type Step struct {
	Department   task.Department `json:"department"`
	Instructions string          `json:"instructions"`
}

// TaskRef tracks a dispatched task inside the workflow state.
type TaskRef struct {
	TaskID     uuid.UUID       `json:"task_id"`
	StepIndex  int             `json:"step_index"`
	Department task.Department `json:"department"`
	Status     task.Status     `json:"status"`
}

// State is the checkpointed workflow state. It must round-trip through JSON
// losslessly; everything the engine needs to resume lives here.
type State struct {
	RequestID       uuid.UUID `json:"request_id"`
	UserID          uuid.UUID `json:"user_id"`
	LinkedAccountID uuid.UUID `json:"linked_account_id"`
	Prompt          string    `json:"prompt"`

	Node     Node      `json:"node"`
	Plan     []Step    `json:"plan"`
	NextStep int       `json:"next_step"`
	Tasks    []TaskRef `json:"tasks"`

	// Results maps task ID → completed task output. Keying by task keeps
	// every step's output even when a plan repeats a department; the
	// department views below derive from the task refs.
	Results map[string]json.RawMessage `json:"results,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// NewState builds the initial state for a fresh request.
func NewState(requestID, userID, linkedAccountID uuid.UUID, prompt string) *State {
	return &State{
		RequestID:       requestID,
		UserID:          userID,
		LinkedAccountID: linkedAccountID,
		Prompt:          prompt,
		Node:            NodePlan,
		Results:         map[string]json.RawMessage{},
	}
}

// Marshal serializes the state for checkpointing.
func (s *State) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a checkpointed state.
func UnmarshalState(raw json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.Results == nil {
		s.Results = map[string]json.RawMessage{}
	}
	return &s, nil
}

// PendingTask returns the reference to the most recently dispatched
// non-terminal task, or nil when nothing is in flight.
func (s *State) PendingTask() *TaskRef {
	for i := range s.Tasks {
		if !s.Tasks[i].Status.IsTerminal() {
			return &s.Tasks[i]
		}
	}
	return nil
}

// RecordResult stores a completed task's output.
func (s *State) RecordResult(taskID uuid.UUID, output json.RawMessage) {
	s.Results[taskID.String()] = output
}

// RetrievedData collects the outputs of completed data retrieval tasks in
// dispatch order. A single output is returned verbatim; several are wrapped
// in a JSON array.
func (s *State) RetrievedData() json.RawMessage {
	var outputs []json.RawMessage
	for _, ref := range s.Tasks {
		if ref.Department != task.DeptDataRetrieval {
			continue
		}
		if data, ok := s.Results[ref.TaskID.String()]; ok {
			outputs = append(outputs, data)
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return outputs[0]
	}
	combined, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return combined
}

// AnalysisResults maps each completed non-retrieval task's output under its
// department name. When a plan runs a department more than once, the step
// number disambiguates the keys.
func (s *State) AnalysisResults() map[string]json.RawMessage {
	perDept := map[task.Department]int{}
	for _, ref := range s.Tasks {
		if ref.Department != task.DeptDataRetrieval {
			perDept[ref.Department]++
		}
	}

	out := map[string]json.RawMessage{}
	for _, ref := range s.Tasks {
		if ref.Department == task.DeptDataRetrieval {
			continue
		}
		data, ok := s.Results[ref.TaskID.String()]
		if !ok {
			continue
		}
		key := string(ref.Department)
		if perDept[ref.Department] > 1 {
			key = fmt.Sprintf("%s_step_%d", ref.Department, ref.StepIndex+1)
		}
		out[key] = data
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
