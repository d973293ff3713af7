package dto

import "vpnaccess/internal/model"

// AddPromoRequest creates a capped-use promo code.
type AddPromoRequest struct {
	Code         string `json:"code" validate:"required"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0"`
	MaxUses      int    `json:"max_uses" validate:"omitempty,gte=1"`
	Note         string `json:"note"`
}

// PromoResponse mirrors the ledger state of a code.
type PromoResponse struct {
	Code         string `json:"code"`
	DurationDays int    `json:"duration_days"`
	MaxUses      int    `json:"max_uses"`
	UsedCount    int    `json:"used_count"`
	Remaining    int    `json:"remaining"`
	Note         string `json:"note,omitempty"`
}

// NewPromoResponse maps a promo code onto the wire shape.
func NewPromoResponse(p *model.PromoCode) PromoResponse {
	return PromoResponse{
		Code:         p.Code,
		DurationDays: p.DurationDays,
		MaxUses:      p.MaxUses,
		UsedCount:    p.UsedCount,
		Remaining:    p.Remaining(),
		Note:         p.Note,
	}
}
