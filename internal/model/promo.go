package model

// PromoCode is a capped-use voucher redeemable for a duration grant.
// Immutable after creation except for used_count, which only increases
// and only through the ledger's conditional increment.
type PromoCode struct {
	Code         string `db:"code" json:"code"`
	DurationDays int    `db:"duration_days" json:"duration_days"`
	MaxUses      int    `db:"max_uses" json:"max_uses"`
	UsedCount    int    `db:"used_count" json:"used_count"`
	Note         string `db:"note" json:"note"`
}

// Remaining reports how many redemptions are still available.
func (p PromoCode) Remaining() int {
	if left := p.MaxUses - p.UsedCount; left > 0 {
		return left
	}
	return 0
}
