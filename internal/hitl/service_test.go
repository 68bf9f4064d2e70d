package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"atlas/internal/domain/action"
)

// memActionStore is an in-memory action.Store for exercising the approval
// flow without Postgres.
type memActionStore struct {
	mu      sync.Mutex
	actions map[uuid.UUID]*action.ProposedAction
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: map[uuid.UUID]*action.ProposedAction{}}
}

func (m *memActionStore) seed(userID uuid.UUID, status action.Status) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.actions[id] = &action.ProposedAction{
		ID:         id,
		UserID:     userID,
		ActionType: action.TypeUpdateProductPrice,
		Parameters: json.RawMessage(`{}`),
		Status:     status,
		CreatedAt:  time.Now(),
	}
	return id
}

func (m *memActionStore) Create(_ context.Context, userID, requestID, accountID uuid.UUID, proposals []action.Proposal) ([]*action.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
			CreatedAt:         time.Now(),
		}
		m.actions[a.ID] = a
		out = append(out, a)
	}
	return out, nil
}

func (m *memActionStore) Get(_ context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return nil, action.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *memActionStore) ListByRequest(_ context.Context, userID, requestID uuid.UUID) ([]*action.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*action.ProposedAction
	for _, a := range m.actions {
		if a.UserID == userID && a.AnalysisRequestID == requestID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memActionStore) decide(userID, actionID uuid.UUID, to action.Status) (*action.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return nil, action.ErrNotFound
	}
	if a.Status != action.StatusProposed {
		return nil, &action.InvalidStateError{ID: actionID, Current: a.Status}
	}
	a.Status = to
	if to == action.StatusApproved {
		now := time.Now()
		a.ApprovedAt = &now
	}
	copied := *a
	return &copied, nil
}

func (m *memActionStore) Approve(_ context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	return m.decide(userID, actionID, action.StatusApproved)
}

func (m *memActionStore) Reject(_ context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	return m.decide(userID, actionID, action.StatusRejected)
}

func (m *memActionStore) SetStatus(_ context.Context, userID, actionID uuid.UUID, status action.Status, logs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return action.ErrNotFound
	}
	if !action.CanTransition(a.Status, status) {
		return errors.New("invalid transition")
	}
	a.Status = status
	a.ExecutionLogs += logs
	if status.IsTerminal() {
		now := time.Now()
		a.ExecutedAt = &now
	}
	return nil
}

func (m *memActionStore) AppendLogs(_ context.Context, userID, actionID uuid.UUID, logs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return action.ErrNotFound
	}
	a.ExecutionLogs += logs
	return nil
}

type memPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *memPublisher) Publish(_ context.Context, queue string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	body, _ := json.Marshal(payload)
	p.published = append(p.published, queue+" "+string(body))
	return nil
}

func TestApproveEnqueuesExecution(t *testing.T) {
	store := newMemActionStore()
	pub := &memPublisher{}
	svc := NewService(store, pub, nil)

	userID := uuid.New()
	actionID := store.seed(userID, action.StatusProposed)

	approved, err := svc.Approve(context.Background(), userID, actionID)
	if err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if approved.Status != action.StatusApproved {
		t.Errorf("Status = %s, want approved", approved.Status)
	}
	if approved.ApprovedAt == nil {
		t.Error("ApprovedAt not set")
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
	if !strings.HasPrefix(pub.published[0], "action.execute ") {
		t.Errorf("published to wrong queue: %s", pub.published[0])
	}
	if !strings.Contains(pub.published[0], actionID.String()) {
		t.Errorf("message missing action id: %s", pub.published[0])
	}
}

func TestApproveRejectsNonProposedState(t *testing.T) {
	store := newMemActionStore()
	svc := NewService(store, &memPublisher{}, nil)

	userID := uuid.New()
	actionID := store.seed(userID, action.StatusApproved)

	_, err := svc.Approve(context.Background(), userID, actionID)
	var stateErr *action.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected *action.InvalidStateError, got %v", err)
	}
	want := "Action " + actionID.String() + " is not in a proposed state (current: approved)."
	if stateErr.Error() != want {
		t.Errorf("error = %q, want %q", stateErr.Error(), want)
	}
}

func TestApproveUnknownAction(t *testing.T) {
	svc := NewService(newMemActionStore(), &memPublisher{}, nil)
	_, err := svc.Approve(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected action.ErrNotFound, got %v", err)
	}
}

func TestApprovePublishFailureMarksLogs(t *testing.T) {
	store := newMemActionStore()
	pub := &memPublisher{err: errors.New("broker down")}
	svc := NewService(store, pub, nil)

	userID := uuid.New()
	actionID := store.seed(userID, action.StatusProposed)

	_, err := svc.Approve(context.Background(), userID, actionID)
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}

	a, getErr := store.Get(context.Background(), userID, actionID)
	if getErr != nil {
		t.Fatalf("Get() error: %v", getErr)
	}
	if a.Status != action.StatusApproved {
		t.Errorf("Status = %s, want approved (decision committed before enqueue)", a.Status)
	}
	if !strings.Contains(a.ExecutionLogs, "CRITICAL") {
		t.Errorf("execution logs missing critical marker: %q", a.ExecutionLogs)
	}
}

func TestRejectTransitions(t *testing.T) {
	store := newMemActionStore()
	pub := &memPublisher{}
	svc := NewService(store, pub, nil)

	userID := uuid.New()
	actionID := store.seed(userID, action.StatusProposed)

	rejected, err := svc.Reject(context.Background(), userID, actionID)
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if rejected.Status != action.StatusRejected {
		t.Errorf("Status = %s, want rejected", rejected.Status)
	}
	if len(pub.published) != 0 {
		t.Errorf("reject must not publish, got %d messages", len(pub.published))
	}
}

func TestRecordProposals(t *testing.T) {
	store := newMemActionStore()
	svc := NewService(store, &memPublisher{}, nil)

	userID, requestID, accountID := uuid.New(), uuid.New(), uuid.New()
	proposals := ParseProposals(sampleOutput, nil)

	created, err := svc.RecordProposals(context.Background(), userID, requestID, accountID, proposals)
	if err != nil {
		t.Fatalf("RecordProposals() error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d actions, want 2", len(created))
	}
	for _, a := range created {
		if a.Status != action.StatusProposed {
			t.Errorf("action %s status = %s, want proposed", a.ID, a.Status)
		}
	}
}
