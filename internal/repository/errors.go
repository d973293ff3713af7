package repository

import "errors"

var (
	// ErrNotFound is returned when a looked-up identity, period or promo
	// code does not exist. User-correctable.
	ErrNotFound = errors.New("not found")

	// ErrPromoExhausted is returned when a promo code's usage cap has been
	// reached, including the race where two redeemers hit the last slot and
	// exactly one wins.
	ErrPromoExhausted = errors.New("promo code exhausted")

	// ErrDuplicatePromo is returned when an admin creates a code that
	// already exists. No retry; administrative operations fail loudly.
	ErrDuplicatePromo = errors.New("promo code already exists")

	// ErrConflict is returned when a guarded status transition applied to
	// zero rows because a concurrent operation got there first.
	ErrConflict = errors.New("concurrent update, retry")
)
