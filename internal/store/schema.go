package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS clients (
    client_id TEXT PRIMARY KEY,
    full_name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS accounts (
    id UUID PRIMARY KEY,
    client_id TEXT NOT NULL REFERENCES clients(client_id),
    account_number TEXT NOT NULL UNIQUE,
    account_type TEXT NOT NULL DEFAULT 'checking',
    balance NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency TEXT NOT NULL DEFAULT 'RUB',
    status TEXT NOT NULL DEFAULT 'active',
    opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS accounts_client_idx ON accounts (client_id);
CREATE TABLE IF NOT EXISTS consent_requests (
    request_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    requesting_bank TEXT NOT NULL,
    requesting_bank_name TEXT NOT NULL DEFAULT '',
    permissions TEXT[] NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    responded_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS consent_requests_client_idx ON consent_requests (client_id, status);
CREATE TABLE IF NOT EXISTS consents (
    consent_id TEXT PRIMARY KEY,
    request_id TEXT,
    client_id TEXT NOT NULL,
    granted_to TEXT NOT NULL,
    permissions TEXT[] NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    status_updated_at TIMESTAMPTZ NOT NULL,
    signed_at TIMESTAMPTZ,
    revoked_at TIMESTAMPTZ,
    last_accessed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS consents_client_idx ON consents (client_id);
CREATE TABLE IF NOT EXISTS consent_auto_approval_policies (
    requesting_bank TEXT PRIMARY KEY,
    enabled BOOLEAN NOT NULL,
    scopes TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
    notification_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    related_id TEXT NOT NULL DEFAULT '',
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS payments (
    payment_id TEXT PRIMARY KEY,
    idempotency_key TEXT,
    from_account_number TEXT NOT NULL,
    to_account_number TEXT NOT NULL,
    amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    currency TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    destination_bank TEXT NOT NULL DEFAULT '',
    initiated_by TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_idempotency_idx ON payments (from_account_number, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS payments_status_created_idx ON payments (status, created_at);
CREATE TABLE IF NOT EXISTS interbank_transfers (
    transfer_id TEXT PRIMARY KEY,
    payment_id TEXT,
    direction TEXT NOT NULL,
    from_bank TEXT NOT NULL,
    to_bank TEXT NOT NULL,
    account_number TEXT NOT NULL,
    amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    reference TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    capital_applied_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS interbank_transfers_inbound_ref_idx ON interbank_transfers (from_bank, reference) WHERE direction = 'inbound' AND reference <> '';
CREATE INDEX IF NOT EXISTS interbank_transfers_unapplied_idx ON interbank_transfers (created_at) WHERE capital_applied_at IS NULL;
CREATE TABLE IF NOT EXISTS bank_capital (
    bank_code TEXT PRIMARY KEY,
    capital NUMERIC(20,2) NOT NULL,
    initial_capital NUMERIC(20,2) NOT NULL,
    total_deposits NUMERIC(20,2) NOT NULL DEFAULT 0,
    total_loans NUMERIC(20,2) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS capital_ledger (
    entry_id UUID PRIMARY KEY,
    bank_code TEXT NOT NULL,
    delta NUMERIC(20,2) NOT NULL,
    reason TEXT NOT NULL,
    transfer_id TEXT,
    created_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
