// Package vault is the only code path that touches linked-account credential
// plaintext. Encryption and decryption happen inside Postgres via pgcrypto,
// so plaintext exists only in the row returned by a decrypting query and in
// the caller that immediately consumes it. The symmetric key is passed as a
// bind parameter and never interpolated into SQL text.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"atlas/internal/domain/account"
	"atlas/internal/logging"
	"atlas/internal/tenant"
)

// ErrNoCredentials is returned when a linked account has no stored
// credential ciphertext.
var ErrNoCredentials = errors.New("linked account has no stored credentials")

// ErrAccountRevoked is returned when credentials are requested for a revoked
// account.
var ErrAccountRevoked = errors.New("linked account is revoked")

// Vault encrypts and decrypts linked-account credentials.
type Vault struct {
	tenants *tenant.Manager
	key     string
	logger  logging.Logger
}

// New constructs a credential vault. key is the server-side symmetric key.
func New(tenants *tenant.Manager, key string, logger logging.Logger) (*Vault, error) {
	if key == "" {
		return nil, errors.New("vault: credential key must not be empty")
	}
	return &Vault{tenants: tenants, key: key, logger: logging.OrNop(logger)}, nil
}

// Link stores a linked account with encrypted credentials in one
// transaction. Relinking an existing (type, name) pair replaces the stored
// credentials and scopes in place and reactivates the account, keeping its
// ID stable for anything already referencing it. scopes is the
// comma-separated grant list recorded at link time.
func (v *Vault) Link(ctx context.Context, userID uuid.UUID, accountType, accountName string, credentials json.RawMessage, scopes string) (uuid.UUID, error) {
	var id uuid.UUID
	err := v.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO linked_accounts (id, user_id, account_type, account_name, encrypted_credentials, scopes, status)
VALUES ($1, $2, $3, $4, pgp_sym_encrypt($5, $6), $7, 'active')
ON CONFLICT (user_id, account_type, account_name) DO UPDATE
SET encrypted_credentials = EXCLUDED.encrypted_credentials,
    scopes = EXCLUDED.scopes,
    status = 'active',
    updated_at = now()
RETURNING id`
		err := tx.QueryRow(ctx, query, uuid.New(), userID, accountType, accountName, string(credentials), v.key, scopes).Scan(&id)
		if err != nil {
			return fmt.Errorf("link account: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	v.logger.Info("linked %s account %q for user %s", accountType, accountName, userID)
	return id, nil
}

// Rotate replaces the stored credentials for an existing linked account.
func (v *Vault) Rotate(ctx context.Context, userID, accountID uuid.UUID, credentials json.RawMessage) error {
	return v.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
UPDATE linked_accounts
SET encrypted_credentials = pgp_sym_encrypt($2, $3), updated_at = now()
WHERE id = $1`
		tag, err := tx.Exec(ctx, query, accountID, string(credentials), v.key)
		if err != nil {
			return fmt.Errorf("rotate credentials: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return account.ErrAccountNotFound
		}
		return nil
	})
}

// DecryptFor returns the decrypted credential payload for an active linked
// account. The decryption happens inline in the tenant-scoped query, so a
// caller can never read another tenant's ciphertext, let alone plaintext.
func (v *Vault) DecryptFor(ctx context.Context, userID, accountID uuid.UUID) (json.RawMessage, error) {
	var plaintext json.RawMessage
	err := v.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
SELECT status, encrypted_credentials IS NULL,
       CASE WHEN encrypted_credentials IS NULL THEN '' ELSE pgp_sym_decrypt(encrypted_credentials, $2) END
FROM linked_accounts
WHERE id = $1`
		var (
			status  account.AccountStatus
			missing bool
			payload string
		)
		err := tx.QueryRow(ctx, query, accountID, v.key).Scan(&status, &missing, &payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return account.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("decrypt credentials: %w", err)
		}
		if status != account.AccountActive {
			return ErrAccountRevoked
		}
		if missing {
			return ErrNoCredentials
		}
		plaintext = json.RawMessage(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
