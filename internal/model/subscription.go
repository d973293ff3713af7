package model

import "time"

// PeriodStatus is the lifecycle state of a subscription period.
// A period only ever moves active -> expired or active -> canceled;
// a new grant always creates a new period.
type PeriodStatus string

const (
	PeriodActive   PeriodStatus = "active"
	PeriodExpired  PeriodStatus = "expired"
	PeriodCanceled PeriodStatus = "canceled"
)

// GrantSource identifies what funded a subscription period.
// Paid grants use "plan:<key>", promo grants use "promo".
const (
	SourcePromo      = "promo"
	SourcePlanPrefix = "plan:"
)

// SubscriptionPeriod is a single grant of access time for an identity.
// Rows are never physically deleted; status transitions keep the audit trail.
type SubscriptionPeriod struct {
	ID          string       `db:"id" json:"id"`
	PrincipalID int64        `db:"principal_id" json:"principal_id"`
	StartsAt    time.Time    `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time    `db:"ends_at" json:"ends_at"`
	Status      PeriodStatus `db:"status" json:"status"`
	Source      string       `db:"source" json:"source"`
	PromoCode   *string      `db:"promo_code" json:"promo_code,omitempty"`
	TxRef       *string      `db:"tx_ref" json:"tx_ref,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// EntitlementState is the read-only answer to "is this identity entitled right now".
type EntitlementState string

const (
	StateUnentitled EntitlementState = "unentitled"
	StateActive     EntitlementState = "active"
	StateExpired    EntitlementState = "expired"
	StateCanceled   EntitlementState = "canceled"
)

// EntitlementStatus pairs the state with the window bounds when one exists.
type EntitlementStatus struct {
	State    EntitlementState `json:"state"`
	StartsAt *time.Time       `json:"starts_at,omitempty"`
	EndsAt   *time.Time       `json:"ends_at,omitempty"`
	Source   string           `json:"source,omitempty"`
}
