package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/domain/account"
	"atlas/internal/tenant"
)

// UserStore implements account.UserStore. User rows sit outside the tenant
// boundary, so this store queries the pool directly instead of opening a
// tenant session.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore constructs a Postgres-backed user store.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

var _ account.UserStore = (*UserStore)(nil)

const userColumns = `id, email, password_hash, external_sub, active, created_at, updated_at`

func scanUser(row pgx.Row) (account.User, error) {
	var (
		u           account.User
		passwordSQL *string
		subSQL      *string
	)
	err := row.Scan(&u.ID, &u.Email, &passwordSQL, &subSQL, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return account.User{}, err
	}
	if passwordSQL != nil {
		u.PasswordHash = *passwordSQL
	}
	if subSQL != nil {
		u.ExternalSub = *subSQL
	}
	return u, nil
}

// Create registers a user. Emails are normalized to lowercase; a duplicate
// email or external subject maps to account.ErrUserExists.
func (s *UserStore) Create(ctx context.Context, user account.User) (account.User, error) {
	id := user.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var passwordSQL, subSQL *string
	if user.PasswordHash != "" {
		passwordSQL = &user.PasswordHash
	}
	if user.ExternalSub != "" {
		subSQL = &user.ExternalSub
	}

	query := `
INSERT INTO users (id, email, password_hash, external_sub, active)
VALUES ($1, $2, $3, $4, TRUE)
RETURNING ` + userColumns
	row := s.pool.QueryRow(ctx, query, id, strings.ToLower(strings.TrimSpace(user.Email)), passwordSQL, subSQL)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return account.User{}, account.ErrUserExists
		}
		return account.User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

// GetByEmail looks a user up by normalized email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (account.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.User{}, account.ErrUserNotFound
	}
	return u, err
}

// GetByID looks a user up by ID.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (account.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.User{}, account.ErrUserNotFound
	}
	return u, err
}

// LinkedAccountStore implements account.Store. Reads never select the
// credential ciphertext; only the vault touches that column.
type LinkedAccountStore struct {
	tenants *tenant.Manager
}

// NewLinkedAccountStore constructs a Postgres-backed linked account store.
func NewLinkedAccountStore(tenants *tenant.Manager) *LinkedAccountStore {
	return &LinkedAccountStore{tenants: tenants}
}

var _ account.Store = (*LinkedAccountStore)(nil)

const linkedAccountColumns = `id, user_id, account_type, account_name, scopes, status, created_at, updated_at`

func scanLinkedAccount(row pgx.Row) (*account.LinkedAccount, error) {
	var a account.LinkedAccount
	err := row.Scan(&a.ID, &a.UserID, &a.AccountType, &a.AccountName, &a.Scopes, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByName fetches the tenant's linked account for an account name.
func (s *LinkedAccountStore) GetByName(ctx context.Context, userID uuid.UUID, accountName string) (*account.LinkedAccount, error) {
	var found *account.LinkedAccount
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		row := tx.QueryRow(ctx, `SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE account_name = $1`, accountName)
		a, err := scanLinkedAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return account.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		found = a
		return nil
	})
	return found, err
}

// Get fetches a linked account by ID.
func (s *LinkedAccountStore) Get(ctx context.Context, userID, accountID uuid.UUID) (*account.LinkedAccount, error) {
	var found *account.LinkedAccount
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		row := tx.QueryRow(ctx, `SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE id = $1`, accountID)
		a, err := scanLinkedAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return account.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		found = a
		return nil
	})
	return found, err
}

// SetStatus flips the account between active and revoked.
func (s *LinkedAccountStore) SetStatus(ctx context.Context, userID, accountID uuid.UUID, status account.AccountStatus) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		tag, err := tx.Exec(ctx, `UPDATE linked_accounts SET status = $2, updated_at = now() WHERE id = $1`, accountID, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return account.ErrAccountNotFound
		}
		return nil
	})
}

// PreferencesStore implements account.PreferencesStore.
type PreferencesStore struct {
	tenants *tenant.Manager
}

// NewPreferencesStore constructs a Postgres-backed preferences store.
func NewPreferencesStore(tenants *tenant.Manager) *PreferencesStore {
	return &PreferencesStore{tenants: tenants}
}

var _ account.PreferencesStore = (*PreferencesStore)(nil)

// Get returns the user's preferences, or a zero value when none are stored.
func (s *PreferencesStore) Get(ctx context.Context, userID uuid.UUID) (account.Preferences, error) {
	var prefs account.Preferences
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `SELECT user_id, planner_model, aggregator_model, tool_model, creative_model, created_at, updated_at FROM user_preferences WHERE user_id = $1`
		err := tx.QueryRow(ctx, query, userID).Scan(
			&prefs.UserID,
			&prefs.PlannerModel,
			&prefs.AggregatorModel,
			&prefs.ToolModel,
			&prefs.CreativeModel,
			&prefs.CreatedAt,
			&prefs.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			prefs = account.Preferences{UserID: userID}
			return nil
		}
		return err
	})
	return prefs, err
}

// Upsert stores the user's preferences, replacing any existing row.
func (s *PreferencesStore) Upsert(ctx context.Context, prefs account.Preferences) error {
	return s.tenants.WithTenant(ctx, prefs.UserID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO user_preferences (id, user_id, planner_model, aggregator_model, tool_model, creative_model)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
    planner_model = EXCLUDED.planner_model,
    aggregator_model = EXCLUDED.aggregator_model,
    tool_model = EXCLUDED.tool_model,
    creative_model = EXCLUDED.creative_model,
    updated_at = now()`
		_, err := tx.Exec(ctx, query, uuid.New(), prefs.UserID, prefs.PlannerModel, prefs.AggregatorModel, prefs.ToolModel, prefs.CreativeModel)
		return err
	})
}
