package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema DDL is applied idempotently at startup. A single store instance is
// authoritative, so there is no separate migration coordination.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS identities (
    principal_id BIGINT PRIMARY KEY,
    username     TEXT NOT NULL DEFAULT '',
    vpn_name     TEXT NOT NULL UNIQUE,
    provisioned  BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS subscription_periods (
    id           TEXT PRIMARY KEY,
    principal_id BIGINT NOT NULL REFERENCES identities (principal_id),
    starts_at    TIMESTAMPTZ NOT NULL,
    ends_at      TIMESTAMPTZ NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('active', 'expired', 'canceled')),
    source       TEXT NOT NULL,
    promo_code   TEXT,
    tx_ref       TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_periods_principal
    ON subscription_periods (principal_id, status, ends_at);

CREATE TABLE IF NOT EXISTS promo_codes (
    code          TEXT PRIMARY KEY,
    duration_days INT NOT NULL CHECK (duration_days > 0),
    max_uses      INT NOT NULL DEFAULT 1 CHECK (max_uses >= 1),
    used_count    INT NOT NULL DEFAULT 0 CHECK (used_count >= 0 AND used_count <= max_uses),
    note          TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the three entitlement tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply entitlement schema: %w", err)
	}
	return nil
}
