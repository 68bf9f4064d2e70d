package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextRoundTrip(t *testing.T) {
	userID := uuid.New()
	ctx := With(context.Background(), userID)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected tenant in context")
	}
	if got != userID {
		t.Errorf("FromContext() = %s, want %s", got, userID)
	}
}

func TestFromContextEmpty(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no tenant in fresh context")
	}
}

func TestWithTenantRejectsNilUser(t *testing.T) {
	m := NewManager(nil)
	err := m.WithTenant(context.Background(), uuid.Nil, func(ctx context.Context, tx Querier) error {
		t.Fatal("callback should not run")
		return nil
	})
	if err != ErrNoTenant {
		t.Errorf("expected ErrNoTenant, got %v", err)
	}
}
