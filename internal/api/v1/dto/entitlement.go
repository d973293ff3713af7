package dto

import (
	"time"

	"vpnaccess/internal/model"
)

// GrantRequest reports a completed purchase for a catalog plan. TxRef is the
// payment processor's charge id, kept for audit and idempotency.
type GrantRequest struct {
	PrincipalID int64  `json:"principal_id" validate:"required,gt=0"`
	Username    string `json:"username"`
	PlanKey     string `json:"plan_key" validate:"required"`
	TxRef       string `json:"tx_ref"`
}

// RedeemRequest redeems a promo code for the principal.
type RedeemRequest struct {
	PrincipalID int64  `json:"principal_id" validate:"required,gt=0"`
	Username    string `json:"username"`
	Code        string `json:"code" validate:"required"`
}

// CancelRequest cancels the principal's active subscription.
type CancelRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
}

// RevokeRequest is the administrative cancel-and-deprovision action.
type RevokeRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
}

// PeriodResponse describes the resulting entitlement window of a grant.
// AccessPending is set when the grant was recorded but provisioning failed;
// the caller should retry shortly without re-charging or re-redeeming.
type PeriodResponse struct {
	PeriodID      string    `json:"period_id"`
	PrincipalID   int64     `json:"principal_id"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Source        string    `json:"source"`
	AccessPending bool      `json:"access_pending,omitempty"`
}

// NewPeriodResponse maps a subscription period onto the wire shape.
func NewPeriodResponse(p *model.SubscriptionPeriod, accessPending bool) PeriodResponse {
	return PeriodResponse{
		PeriodID:      p.ID,
		PrincipalID:   p.PrincipalID,
		StartsAt:      p.StartsAt,
		EndsAt:        p.EndsAt,
		Source:        p.Source,
		AccessPending: accessPending,
	}
}
