// Package account defines users, linked commerce accounts and per-user model
// preferences, plus their store ports. Credentials on a linked account are
// opaque ciphertext; only the vault reads them, and only decrypted inline
// inside a tenant-scoped query.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a platform tenant.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	ExternalSub  string     `json:"-"` // external identity-provider subject, unique when set
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AccountStatus represents the lifecycle of a linked account.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountRevoked AccountStatus = "revoked"
)

// LinkedAccount is a tenant's credential record for an external commerce
// account. EncryptedCredentials is ciphertext under the server key and is
// never decrypted outside a vault query.
type LinkedAccount struct {
	ID                   uuid.UUID     `json:"id"`
	UserID               uuid.UUID     `json:"user_id"`
	AccountType          string        `json:"account_type"`
	AccountName          string        `json:"account_name"`
	EncryptedCredentials []byte        `json:"-"`
	Scopes               string        `json:"scopes"` // comma-separated capability tokens
	Status               AccountStatus `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// ScopeList splits the comma-separated scopes field.
func (a *LinkedAccount) ScopeList() []string {
	if a.Scopes == "" {
		return nil
	}
	parts := strings.Split(a.Scopes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// HasScopes reports whether the account grants every required scope.
func (a *LinkedAccount) HasScopes(required []string) bool {
	granted := make(map[string]bool, len(required))
	for _, s := range a.ScopeList() {
		granted[s] = true
	}
	for _, s := range required {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Preferences holds optional per-user model identifiers per LLM role.
// Empty values fall back to the server defaults.
type Preferences struct {
	UserID          uuid.UUID `json:"user_id"`
	PlannerModel    string    `json:"planner_model,omitempty"`
	AggregatorModel string    `json:"aggregator_model,omitempty"`
	ToolModel       string    `json:"tool_model,omitempty"`
	CreativeModel   string    `json:"creative_model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ErrUserExists is returned when the email is already registered.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrAccountNotFound is returned when the tenant has no matching linked account.
var ErrAccountNotFound = errors.New("linked account not found")

// UserStore is the user persistence port. User rows are not tenant-scoped
// (there is no outer tenant when one registers); email lookups normalize to
// lowercase.
type UserStore interface {
	Create(ctx context.Context, user User) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
}

// Store is the linked-account persistence port. Every operation runs under a
// tenant session keyed by userID. Credential bytes are written only through
// the vault; reads through this port never include plaintext.
type Store interface {
	// GetByName fetches the tenant's linked account for an account name.
	GetByName(ctx context.Context, userID uuid.UUID, accountName string) (*LinkedAccount, error)

	// Get fetches a linked account by ID.
	Get(ctx context.Context, userID, accountID uuid.UUID) (*LinkedAccount, error)

	// SetStatus flips the account between active and revoked.
	SetStatus(ctx context.Context, userID, accountID uuid.UUID, status AccountStatus) error
}

// PreferencesStore is the per-user model preferences port.
type PreferencesStore interface {
	// Get returns the user's preferences, or a zero Preferences when none
	// are stored.
	Get(ctx context.Context, userID uuid.UUID) (Preferences, error)

	// Upsert stores the user's preferences.
	Upsert(ctx context.Context, prefs Preferences) error
}
