package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vpnaccess/internal/model"
)

// IdentityRepository defines methods for accessing identity records.
type IdentityRepository interface {
	// UpsertIdentity creates the identity on first contact and refreshes the
	// display username on later ones. The vpn name is derived from the
	// principal id and never changes.
	UpsertIdentity(ctx context.Context, principalID int64, username string) (*model.Identity, error)
	GetIdentity(ctx context.Context, principalID int64) (*model.Identity, error)
	// SetProvisioned lowers (or raises) the credentials-may-exist flag. The
	// flag is raised inside the grant transaction; the sweeper and the
	// revoke path lower it after a confirmed removal.
	SetProvisioned(ctx context.Context, principalID int64, provisioned bool) error
}

type identityRepo struct {
	db *sql.DB
}

// NewIdentityRepo creates a new IdentityRepository.
func NewIdentityRepo(db *sql.DB) IdentityRepository {
	return &identityRepo{db: db}
}

func (r *identityRepo) UpsertIdentity(ctx context.Context, principalID int64, username string) (*model.Identity, error) {
	const q = `
        INSERT INTO identities (principal_id, username, vpn_name)
        VALUES ($1, $2, $3)
        ON CONFLICT (principal_id) DO UPDATE SET username = EXCLUDED.username
        RETURNING principal_id, username, vpn_name, provisioned, created_at
    `
	var id model.Identity
	err := r.db.QueryRowContext(ctx, q, principalID, username, model.VPNNameFor(principalID)).Scan(
		&id.PrincipalID,
		&id.Username,
		&id.VPNName,
		&id.Provisioned,
		&id.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert identity %d: %w", principalID, err)
	}
	return &id, nil
}

func (r *identityRepo) GetIdentity(ctx context.Context, principalID int64) (*model.Identity, error) {
	const q = `
        SELECT principal_id, username, vpn_name, provisioned, created_at
        FROM identities
        WHERE principal_id = $1
    `
	var id model.Identity
	err := r.db.QueryRowContext(ctx, q, principalID).Scan(
		&id.PrincipalID,
		&id.Username,
		&id.VPNName,
		&id.Provisioned,
		&id.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch identity %d: %w", principalID, err)
	}
	return &id, nil
}

func (r *identityRepo) SetProvisioned(ctx context.Context, principalID int64, provisioned bool) error {
	const q = `UPDATE identities SET provisioned = $2 WHERE principal_id = $1`
	if _, err := r.db.ExecContext(ctx, q, principalID, provisioned); err != nil {
		return fmt.Errorf("set provisioned=%t for identity %d: %w", provisioned, principalID, err)
	}
	return nil
}
