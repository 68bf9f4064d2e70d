// Package postgres implements the domain store ports over pgx. All
// tenant-scoped stores open their sessions through tenant.Manager so every
// statement runs with app.current_user_id bound and the row-level policies
// active.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Tenant-scoped tables all carry a denormalized user_id and an identical
// row-level policy. The application connects as a non-owner role so the
// policies are enforced; FORCE ROW LEVEL SECURITY covers owner connections in
// development setups.
var tenantTables = []string{
	"user_preferences",
	"linked_accounts",
	"analysis_requests",
	"agent_tasks",
	"proposed_actions",
	"cached_external_data",
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT,
    external_sub TEXT UNIQUE,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_preferences (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL UNIQUE REFERENCES users(id),
    planner_model TEXT NOT NULL DEFAULT '',
    aggregator_model TEXT NOT NULL DEFAULT '',
    tool_model TEXT NOT NULL DEFAULT '',
    creative_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS linked_accounts (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    account_type TEXT NOT NULL,
    account_name TEXT NOT NULL,
    encrypted_credentials BYTEA,
    scopes TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, account_type, account_name)
);

CREATE TABLE IF NOT EXISTS analysis_requests (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    linked_account_id UUID NOT NULL REFERENCES linked_accounts(id),
    prompt TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    result_summary TEXT NOT NULL DEFAULT '',
    result_data JSONB,
    agent_state JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_analysis_requests_user_created ON analysis_requests (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS agent_tasks (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    analysis_request_id UUID NOT NULL REFERENCES analysis_requests(id),
    task_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    input_data JSONB,
    output_data JSONB,
    logs TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_request ON agent_tasks (analysis_request_id);

CREATE TABLE IF NOT EXISTS proposed_actions (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    analysis_request_id UUID NOT NULL REFERENCES analysis_requests(id),
    linked_account_id UUID NOT NULL REFERENCES linked_accounts(id),
    action_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    parameters JSONB,
    status TEXT NOT NULL DEFAULT 'proposed',
    execution_logs TEXT NOT NULL DEFAULT '',
    approved_at TIMESTAMPTZ,
    executed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_proposed_actions_request ON proposed_actions (analysis_request_id);

CREATE TABLE IF NOT EXISTS cached_external_data (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    linked_account_id UUID NOT NULL REFERENCES linked_accounts(id),
    cache_key TEXT NOT NULL,
    data JSONB,
    cached_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL,
    UNIQUE (linked_account_id, cache_key)
);
CREATE INDEX IF NOT EXISTS idx_cached_external_data_expiry ON cached_external_data (expires_at);
`

// EnsureSchema creates the tables and row-level policies if they do not
// exist. Production deployments run migrations instead; this keeps tests and
// development databases usable without them.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, table := range tenantTables {
		// current_setting with missing_ok returns NULL on sessions that never
		// bound a tenant, which makes the policy deny instead of erroring.
		stmts := []string{
			fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", table),
			fmt.Sprintf("ALTER TABLE %s FORCE ROW LEVEL SECURITY", table),
			fmt.Sprintf("DROP POLICY IF EXISTS tenant_isolation ON %s", table),
			fmt.Sprintf(`CREATE POLICY tenant_isolation ON %s
				USING (user_id = current_setting('app.current_user_id', true)::uuid)
				WITH CHECK (user_id = current_setting('app.current_user_id', true)::uuid)`, table),
		}
		for _, stmt := range stmts {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply row-level policy on %s: %w", table, err)
			}
		}
	}

	// Expired cache rows are dead data; the maintenance purge runs without a
	// tenant session, so deletion of them is allowed from any session.
	purgePolicy := []string{
		`DROP POLICY IF EXISTS cache_expiry_purge ON cached_external_data`,
		`CREATE POLICY cache_expiry_purge ON cached_external_data
			FOR DELETE USING (expires_at <= now())`,
	}
	for _, stmt := range purgePolicy {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply cache purge policy: %w", err)
		}
	}
	return nil
}
