// Package tenant binds the authenticated user identity to the current context
// and opens row-level-isolated database sessions on its behalf.
//
// Every tenant-scoped table carries a policy filtering on
// current_setting('app.current_user_id'); WithTenant sets that variable
// transaction-locally immediately after BEGIN, so it is scrubbed automatically
// when the transaction ends and the connection returns to the pool.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/logging"
)

type ctxKey struct{}

// With returns a context carrying the tenant identity.
func With(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// FromContext extracts the tenant identity bound to the context.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok
}

// Querier is the subset of pgx operations store adapters need. Both
// pgxpool.Pool and pgx.Tx satisfy it; tenant-scoped stores only ever see the
// transaction variant.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNoTenant is returned when a tenant-scoped operation runs without an
// identity.
var ErrNoTenant = errors.New("no tenant bound to context")

// Manager opens tenant-scoped database transactions.
type Manager struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewManager constructs a Manager over the shared connection pool.
func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{
		pool:   pool,
		logger: logging.NewComponentLogger("tenant"),
	}
}

// Pool exposes the underlying pool for non-tenant-scoped access (user
// registration, schema management).
func (m *Manager) Pool() *pgxpool.Pool {
	return m.pool
}

// WithTenant acquires a session, sets app.current_user_id for the transaction,
// runs fn, commits on clean exit and rolls back on any error. fn observes only
// rows owned by userID. Sessions must not outlive the callback; components
// handing off to another goroutine re-acquire under the receiving tenant.
func (m *Manager) WithTenant(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx Querier) error) error {
	if userID == uuid.Nil {
		return ErrNoTenant
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tenant transaction: %w", err)
	}
	defer func() {
		// No-op when the transaction already committed.
		_ = tx.Rollback(ctx)
	}()

	// is_local=true scopes the setting to this transaction; COMMIT/ROLLBACK
	// resets it before the connection returns to the pool.
	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_user_id', $1, true)", userID.String()); err != nil {
		return fmt.Errorf("bind tenant session: %w", err)
	}

	if err := fn(With(ctx, userID), tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant transaction: %w", err)
	}
	return nil
}
