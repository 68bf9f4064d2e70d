package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"atlas/internal/tenant"
)

// CacheStore persists external API responses in cached_external_data. TTL is
// strict: a row whose expires_at has been reached is a miss even before the
// purge job removes it.
type CacheStore struct {
	tenants *tenant.Manager
}

// NewCacheStore constructs a Postgres-backed external data cache.
func NewCacheStore(tenants *tenant.Manager) *CacheStore {
	return &CacheStore{tenants: tenants}
}

// Get returns the cached payload for a key, or found=false on a miss.
func (s *CacheStore) Get(ctx context.Context, userID, linkedAccountID uuid.UUID, key string) (json.RawMessage, bool, error) {
	var (
		data  json.RawMessage
		found bool
	)
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `SELECT data FROM cached_external_data WHERE linked_account_id = $1 AND cache_key = $2 AND expires_at > now()`
		err := tx.QueryRow(ctx, query, linkedAccountID, key).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Put upserts a cache entry with the given TTL, refreshing cached_at and
// expires_at on conflict.
func (s *CacheStore) Put(ctx context.Context, userID, linkedAccountID uuid.UUID, key string, data json.RawMessage, ttl time.Duration) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO cached_external_data (id, user_id, linked_account_id, cache_key, data, cached_at, expires_at)
VALUES ($1, $2, $3, $4, $5, now(), now() + $6)
ON CONFLICT (linked_account_id, cache_key) DO UPDATE SET
    data = EXCLUDED.data,
    cached_at = now(),
    expires_at = EXCLUDED.expires_at`
		_, err := tx.Exec(ctx, query, uuid.New(), userID, linkedAccountID, key, []byte(data), ttl)
		return err
	})
}

// Purge removes the tenant's cache rows for a linked account, expired or not.
// Used when an account is revoked or relinked.
func (s *CacheStore) Purge(ctx context.Context, userID, linkedAccountID uuid.UUID) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		_, err := tx.Exec(ctx, `DELETE FROM cached_external_data WHERE linked_account_id = $1`, linkedAccountID)
		return err
	})
}

// PurgeExpired deletes expired rows across all tenants. This is maintenance,
// not tenant work, so it runs on the pool directly.
func (s *CacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.tenants.Pool().Exec(ctx, `DELETE FROM cached_external_data WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
