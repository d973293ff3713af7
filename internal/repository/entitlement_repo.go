package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vpnaccess/internal/ids"
	"vpnaccess/internal/model"
)

// EntitlementRepository is the transactional core of the store: subscription
// periods plus the promo ledger, with every multi-row invariant protected by
// a single transaction. Correctness relies on row locks and conditional
// updates, not in-process locks, so it holds across service instances.
type EntitlementRepository interface {
	// GrantOrExtend creates a new active period for the identity. When an
	// active unexpired period exists it is folded in: the old row becomes
	// expired and the new row keeps its start and pushes its end out by
	// duration. Remaining time is never lost or double-counted.
	GrantOrExtend(ctx context.Context, principalID int64, durationDays int, source string, promoCode, txRef *string, now time.Time) (*model.SubscriptionPeriod, error)

	// RedeemPromo consumes one use of the code and grants its duration in
	// the same transaction. A consumed-but-ungranted code cannot occur: any
	// failure after the increment rolls the increment back too.
	RedeemPromo(ctx context.Context, principalID int64, code string, now time.Time) (*model.SubscriptionPeriod, error)

	// ActivePeriod returns the identity's active-and-unexpired period, or
	// ErrNotFound when there is none.
	ActivePeriod(ctx context.Context, principalID int64, now time.Time) (*model.SubscriptionPeriod, error)

	// LatestPeriod returns the most recently created period regardless of
	// status, or ErrNotFound.
	LatestPeriod(ctx context.Context, principalID int64) (*model.SubscriptionPeriod, error)

	// Cancel flips the current active period to canceled. Returns false when
	// nothing was active; canceling twice is a no-op, not an error.
	Cancel(ctx context.Context, principalID int64) (bool, error)

	// MarkExpired transitions the identity's past-due active period to
	// expired. Guarded so a period already handled by a concurrent grant is
	// simply skipped (returns false).
	MarkExpired(ctx context.Context, principalID int64, now time.Time) (bool, error)

	// ListDue returns identities whose active period's end time has passed.
	ListDue(ctx context.Context, now time.Time) ([]model.Identity, error)

	// ListDeprovisionable returns identities whose provisioned flag is up
	// and that have no period (active or canceled) still running. The flag
	// is raised with every grant and lowered only after a confirmed
	// removal, so identities whose provisioning or flag bookkeeping failed
	// still surface here. Canceled periods run out the clock before their
	// identity shows up.
	ListDeprovisionable(ctx context.Context, now time.Time) ([]model.Identity, error)
}

type entitlementRepo struct {
	db *sql.DB
}

// NewEntitlementRepo creates a new EntitlementRepository.
func NewEntitlementRepo(db *sql.DB) EntitlementRepository {
	return &entitlementRepo{db: db}
}

func (r *entitlementRepo) GrantOrExtend(ctx context.Context, principalID int64, durationDays int, source string, promoCode, txRef *string, now time.Time) (*model.SubscriptionPeriod, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	period, err := grantInTx(ctx, tx, principalID, durationDays, source, promoCode, txRef, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grant for identity %d: %w", principalID, err)
	}
	return period, nil
}

func (r *entitlementRepo) RedeemPromo(ctx context.Context, principalID int64, code string, now time.Time) (*model.SubscriptionPeriod, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Atomic conditional increment: the cap check and the consume are one
	// statement, so arbitrarily many redeemers may race for the last slot
	// and exactly one wins.
	const consume = `
        UPDATE promo_codes
        SET used_count = used_count + 1
        WHERE code = $1 AND used_count < max_uses
        RETURNING duration_days
    `
	var durationDays int
	err = tx.QueryRowContext(ctx, consume, code).Scan(&durationDays)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if probeErr := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM promo_codes WHERE code = $1)`, code,
		).Scan(&exists); probeErr != nil {
			return nil, fmt.Errorf("probe promo %s: %w", code, probeErr)
		}
		if exists {
			return nil, ErrPromoExhausted
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume promo %s: %w", code, err)
	}

	period, err := grantInTx(ctx, tx, principalID, durationDays, model.SourcePromo, &code, nil, now)
	if err != nil {
		// Rolling back also undoes the increment above.
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit redeem of %s for identity %d: %w", code, principalID, err)
	}
	return period, nil
}

// grantInTx implements the read-check-write sequence of grant_or_extend
// inside the caller's transaction. The identity update serializes concurrent
// grants for the same identity across service instances (row lock) and
// raises the provisioned flag atomically with the grant: the flag means
// "credentials may exist" and only the sweeper lowers it, after a confirmed
// removal. Raising it here rather than after the gateway call means a
// crashed or failed provisioning attempt still leaves the identity visible
// to the sweep once its entitlement ends.
func grantInTx(ctx context.Context, tx *sql.Tx, principalID int64, durationDays int, source string, promoCode, txRef *string, now time.Time) (*model.SubscriptionPeriod, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE identities SET provisioned = TRUE WHERE principal_id = $1`, principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("lock identity %d: %w", principalID, err)
	}
	locked, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lock identity %d rows: %w", principalID, err)
	}
	if locked == 0 {
		return nil, ErrNotFound
	}

	const current = `
        SELECT id, starts_at, ends_at
        FROM subscription_periods
        WHERE principal_id = $1 AND status = 'active' AND ends_at > $2
        ORDER BY ends_at DESC
        LIMIT 1
    `
	duration := time.Duration(durationDays) * 24 * time.Hour
	startsAt, endsAt := now, now.Add(duration)

	var prevID string
	var prevStart, prevEnd time.Time
	err = tx.QueryRowContext(ctx, current, principalID, now).Scan(&prevID, &prevStart, &prevEnd)
	switch {
	case err == nil:
		// Fold the running period into the new one: same start, end pushed
		// out by the granted duration, old row retired for the audit trail.
		startsAt, endsAt = prevStart, prevEnd.Add(duration)
		res, err := tx.ExecContext(ctx,
			`UPDATE subscription_periods SET status = 'expired' WHERE id = $1 AND status = 'active'`, prevID,
		)
		if err != nil {
			return nil, fmt.Errorf("retire period %s: %w", prevID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("retire period %s rows: %w", prevID, err)
		}
		if n == 0 {
			return nil, ErrConflict
		}
	case errors.Is(err, sql.ErrNoRows):
		// No running period: fresh window starting now.
	default:
		return nil, fmt.Errorf("fetch active period for identity %d: %w", principalID, err)
	}

	period := &model.SubscriptionPeriod{
		ID:          ids.New(),
		PrincipalID: principalID,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		Status:      model.PeriodActive,
		Source:      source,
		PromoCode:   promoCode,
		TxRef:       txRef,
		CreatedAt:   now,
	}
	const insert = `
        INSERT INTO subscription_periods (id, principal_id, starts_at, ends_at, status, source, promo_code, tx_ref, created_at)
        VALUES ($1, $2, $3, $4, 'active', $5, $6, $7, $8)
    `
	if _, err := tx.ExecContext(ctx, insert,
		period.ID, principalID, startsAt, endsAt, source, promoCode, txRef, now,
	); err != nil {
		return nil, fmt.Errorf("insert period for identity %d: %w", principalID, err)
	}
	return period, nil
}

func (r *entitlementRepo) ActivePeriod(ctx context.Context, principalID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	const q = `
        SELECT id, principal_id, starts_at, ends_at, status, source, promo_code, tx_ref, created_at
        FROM subscription_periods
        WHERE principal_id = $1 AND status = 'active' AND ends_at > $2
        ORDER BY ends_at DESC
        LIMIT 1
    `
	return r.scanPeriod(r.db.QueryRowContext(ctx, q, principalID, now))
}

func (r *entitlementRepo) LatestPeriod(ctx context.Context, principalID int64) (*model.SubscriptionPeriod, error) {
	const q = `
        SELECT id, principal_id, starts_at, ends_at, status, source, promo_code, tx_ref, created_at
        FROM subscription_periods
        WHERE principal_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT 1
    `
	return r.scanPeriod(r.db.QueryRowContext(ctx, q, principalID))
}

func (r *entitlementRepo) scanPeriod(row *sql.Row) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := row.Scan(
		&p.ID,
		&p.PrincipalID,
		&p.StartsAt,
		&p.EndsAt,
		&p.Status,
		&p.Source,
		&p.PromoCode,
		&p.TxRef,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription period: %w", err)
	}
	return &p, nil
}

func (r *entitlementRepo) Cancel(ctx context.Context, principalID int64) (bool, error) {
	const q = `
        UPDATE subscription_periods
        SET status = 'canceled'
        WHERE principal_id = $1 AND status = 'active'
    `
	res, err := r.db.ExecContext(ctx, q, principalID)
	if err != nil {
		return false, fmt.Errorf("cancel periods for identity %d: %w", principalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows for identity %d: %w", principalID, err)
	}
	return n > 0, nil
}

func (r *entitlementRepo) MarkExpired(ctx context.Context, principalID int64, now time.Time) (bool, error) {
	const q = `
        UPDATE subscription_periods
        SET status = 'expired'
        WHERE principal_id = $1 AND status = 'active' AND ends_at <= $2
    `
	res, err := r.db.ExecContext(ctx, q, principalID, now)
	if err != nil {
		return false, fmt.Errorf("mark expired for identity %d: %w", principalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark expired rows for identity %d: %w", principalID, err)
	}
	return n > 0, nil
}

func (r *entitlementRepo) ListDue(ctx context.Context, now time.Time) ([]model.Identity, error) {
	const q = `
        SELECT DISTINCT i.principal_id, i.username, i.vpn_name, i.provisioned, i.created_at
        FROM subscription_periods s
        JOIN identities i ON i.principal_id = s.principal_id
        WHERE s.status = 'active' AND s.ends_at <= $1
    `
	return r.listIdentities(ctx, q, now)
}

func (r *entitlementRepo) ListDeprovisionable(ctx context.Context, now time.Time) ([]model.Identity, error) {
	const q = `
        SELECT i.principal_id, i.username, i.vpn_name, i.provisioned, i.created_at
        FROM identities i
        WHERE i.provisioned
          AND NOT EXISTS (
              SELECT 1 FROM subscription_periods s
              WHERE s.principal_id = i.principal_id
                AND s.status IN ('active', 'canceled')
                AND s.ends_at > $1
          )
    `
	return r.listIdentities(ctx, q, now)
}

func (r *entitlementRepo) listIdentities(ctx context.Context, query string, now time.Time) ([]model.Identity, error) {
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var id model.Identity
		if err := rows.Scan(&id.PrincipalID, &id.Username, &id.VPNName, &id.Provisioned, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities rows: %w", err)
	}
	return out, nil
}
