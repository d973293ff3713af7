package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"vpnaccess/internal/model"
)

// PromoRepository defines administrative access to the promo-code ledger.
// Consumption happens inside the entitlement transaction, see
// EntitlementRepository.RedeemPromo.
type PromoRepository interface {
	AddPromo(ctx context.Context, promo *model.PromoCode) error
	RemovePromo(ctx context.Context, code string) error
	GetPromo(ctx context.Context, code string) (*model.PromoCode, error)
}

type promoRepo struct {
	db *sql.DB
}

// NewPromoRepo creates a new PromoRepository.
func NewPromoRepo(db *sql.DB) PromoRepository {
	return &promoRepo{db: db}
}

func (r *promoRepo) AddPromo(ctx context.Context, promo *model.PromoCode) error {
	const q = `
        INSERT INTO promo_codes (code, duration_days, max_uses, used_count, note)
        VALUES ($1, $2, $3, 0, $4)
    `
	_, err := r.db.ExecContext(ctx, q, promo.Code, promo.DurationDays, promo.MaxUses, promo.Note)
	if isUniqueViolation(err) {
		return ErrDuplicatePromo
	}
	if err != nil {
		return fmt.Errorf("insert promo %s: %w", promo.Code, err)
	}
	return nil
}

func (r *promoRepo) RemovePromo(ctx context.Context, code string) error {
	const q = `DELETE FROM promo_codes WHERE code = $1`
	res, err := r.db.ExecContext(ctx, q, code)
	if err != nil {
		return fmt.Errorf("delete promo %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete promo %s rows: %w", code, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *promoRepo) GetPromo(ctx context.Context, code string) (*model.PromoCode, error) {
	const q = `
        SELECT code, duration_days, max_uses, used_count, note
        FROM promo_codes
        WHERE code = $1
    `
	var p model.PromoCode
	err := r.db.QueryRowContext(ctx, q, code).Scan(
		&p.Code,
		&p.DurationDays,
		&p.MaxUses,
		&p.UsedCount,
		&p.Note,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch promo %s: %w", code, err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
