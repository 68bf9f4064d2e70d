package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"atlas/internal/commerce"
	"atlas/internal/domain/account"
	"atlas/internal/domain/action"
	"atlas/internal/hitl"
)

type memActionStore struct {
	mu      sync.Mutex
	actions map[uuid.UUID]*action.ProposedAction
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: map[uuid.UUID]*action.ProposedAction{}}
}

func (m *memActionStore) seed(a *action.ProposedAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
}

func (m *memActionStore) Create(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, []action.Proposal) ([]*action.ProposedAction, error) {
	return nil, nil
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

func (m *memActionStore) ListByRequest(context.Context, uuid.UUID, uuid.UUID) ([]*action.ProposedAction, error) {
	return nil, nil
}

func (m *memActionStore) Approve(context.Context, uuid.UUID, uuid.UUID) (*action.ProposedAction, error) {
	return nil, action.ErrNotFound
}

func (m *memActionStore) Reject(context.Context, uuid.UUID, uuid.UUID) (*action.ProposedAction, error) {
	return nil, action.ErrNotFound
}

func (m *memActionStore) SetStatus(_ context.Context, userID, actionID uuid.UUID, status action.Status, logs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return action.ErrNotFound
	}
	if !action.CanTransition(a.Status, status) {
		return &action.InvalidStateError{ID: actionID, Current: a.Status}
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

type memAccountStore struct {
	accounts map[uuid.UUID]*account.LinkedAccount
}

func (m *memAccountStore) GetByName(context.Context, uuid.UUID, string) (*account.LinkedAccount, error) {
	return nil, account.ErrAccountNotFound
}

func (m *memAccountStore) Get(_ context.Context, userID, accountID uuid.UUID) (*account.LinkedAccount, error) {
	a, ok := m.accounts[accountID]
	if !ok || a.UserID != userID {
		return nil, account.ErrAccountNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *memAccountStore) SetStatus(context.Context, uuid.UUID, uuid.UUID, account.AccountStatus) error {
	return nil
}

type staticCreds struct{}

func (staticCreds) DecryptFor(context.Context, uuid.UUID, uuid.UUID) (json.RawMessage, error) {
	return json.RawMessage(`{"shop_domain":"example.myshop.test","access_token":"tok"}`), nil
}

type fixture struct {
	executor *Executor
	actions  *memActionStore
	userID   uuid.UUID
	action   *action.ProposedAction
	upstream *int
}

func newFixture(t *testing.T, status action.Status, actionType action.Type, params, scopes string) *fixture {
	t.Helper()

	var upstream int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream++
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	userID := uuid.New()
	accountID := uuid.New()

	accounts := &memAccountStore{accounts: map[uuid.UUID]*account.LinkedAccount{
		accountID: {
			ID:          accountID,
			UserID:      userID,
			AccountType: "shopify",
			AccountName: "main-store",
			Scopes:      scopes,
			Status:      account.AccountActive,
		},
	}}

	act := &action.ProposedAction{
		ID:              uuid.New(),
		UserID:          userID,
		LinkedAccountID: accountID,
		ActionType:      actionType,
		Parameters:      json.RawMessage(params),
		Status:          status,
	}
	actions := newMemActionStore()
	actions.seed(act)

	client := commerce.NewClient(staticCreds{}, nil, time.Hour, 5*time.Second, nil, commerce.WithBaseURL(server.URL))
	exec := New(actions, accounts, client, nil, 1, nil)

	return &fixture{executor: exec, actions: actions, userID: userID, action: act, upstream: &upstream}
}

func messageFor(f *fixture) []byte {
	body, _ := json.Marshal(hitl.ExecuteMessage{ActionID: f.action.ID, UserID: f.userID})
	return body
}

func TestExecuteApprovedAction(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeUpdateProductPrice,
		`{"variant_id":"42","price":"19.99"}`, "read_products,write_products")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}

	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusExecuted {
		t.Errorf("Status = %s, want executed", final.Status)
	}
	if final.ExecutedAt == nil {
		t.Error("ExecutedAt not set")
	}
	if *f.upstream != 1 {
		t.Errorf("upstream called %d times, want 1", *f.upstream)
	}
}

func TestScopeDenialMessage(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeUpdateProductPrice,
		`{"variant_id":"42","price":"19.99"}`, "read_products")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}

	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	want := "Permission denied. Action 'update_product_price' requires scopes: ['read_products','write_products'], but user only granted: ['read_products']."
	if !strings.Contains(final.ExecutionLogs, want) {
		t.Errorf("logs = %q, want to contain %q", final.ExecutionLogs, want)
	}
	if *f.upstream != 0 {
		t.Error("denied action must not reach the commerce API")
	}
}

func TestNonApprovedActionAckedWithoutExecution(t *testing.T) {
	for _, status := range []action.Status{action.StatusProposed, action.StatusExecuted, action.StatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, status, action.TypeAdjustInventory,
				`{"inventory_item_id":"9","location_id":"loc-1","delta":5}`, "read_inventory,write_inventory")

			if !f.executor.Handle(context.Background(), messageFor(f)) {
				t.Fatal("stale delivery should ack")
			}
			final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
			if final.Status != status {
				t.Errorf("Status changed from %s to %s", status, final.Status)
			}
			if *f.upstream != 0 {
				t.Error("stale delivery must not reach the commerce API")
			}
		})
	}
}

func TestExecutingRedeliveryFailsWithOperatorNote(t *testing.T) {
	// A delivery that finds the action already executing means the previous
	// run crashed before recording an outcome. The action must still reach a
	// terminal state, without touching the API again.
	f := newFixture(t, action.StatusExecuting, action.TypeAdjustInventory,
		`{"inventory_item_id":"9","location_id":"loc-1","delta":5}`, "read_inventory,write_inventory")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("interrupted execution should ack once the failure is recorded")
	}

	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ExecutionLogs, "critical executor failure") {
		t.Errorf("logs = %q, want the interrupted-execution note", final.ExecutionLogs)
	}
	if *f.upstream != 0 {
		t.Error("interrupted execution must not reach the commerce API again")
	}
}

func TestUnknownActionTypeFails(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.Type("send_marketing_email"), `{}`, "write_discounts")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}
	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ExecutionLogs, "not implemented") {
		t.Errorf("logs = %q, want not-implemented reason", final.ExecutionLogs)
	}
}

func TestMalformedParametersFail(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeCreateDiscountCode, `{"code":""}`, "write_discounts")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}
	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if *f.upstream != 0 {
		t.Error("invalid parameters must not reach the commerce API")
	}
}

func TestRevokedAccountFails(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeAdjustInventory,
		`{"inventory_item_id":"9","location_id":"loc-1","delta":-3}`, "read_inventory,write_inventory")
	// Revoke the linked account under the action.
	f.executorAccounts(t).Status = account.AccountRevoked

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}
	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if *f.upstream != 0 {
		t.Error("revoked account must not reach the commerce API")
	}
}

func (f *fixture) executorAccounts(t *testing.T) *account.LinkedAccount {
	t.Helper()
	accounts := f.executor.accounts.(*memAccountStore)
	for _, a := range accounts.accounts {
		return a
	}
	t.Fatal("no linked account in fixture")
	return nil
}

func TestMalformedMessageDeadLetters(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeAdjustInventory,
		`{"inventory_item_id":"9","location_id":"loc-1","delta":5}`, "read_inventory,write_inventory")
	if f.executor.Handle(context.Background(), []byte("not json")) {
		t.Error("malformed message must dead-letter")
	}
}

func TestAdjustInventoryRequiresLocation(t *testing.T) {
	f := newFixture(t, action.StatusApproved, action.TypeAdjustInventory,
		`{"inventory_item_id":"9","delta":5}`, "read_inventory,write_inventory")

	if !f.executor.Handle(context.Background(), messageFor(f)) {
		t.Fatal("Handle() should ack a recorded outcome")
	}
	final, _ := f.actions.Get(context.Background(), f.userID, f.action.ID)
	if final.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ExecutionLogs, "location_id") {
		t.Errorf("logs = %q, want missing-location reason", final.ExecutionLogs)
	}
	if *f.upstream != 0 {
		t.Error("invalid parameters must not reach the commerce API")
	}
}
