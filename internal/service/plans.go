package service

import "vpnaccess/internal/model"

// Plan catalog. Prices are minor units; the payment flow itself lives in the
// front end, which reports completed purchases through GrantPlan.
var plans = []model.Plan{
	{Key: "month", Title: "VPN, 30 days", PriceMinor: 19900, DurationDays: 30},
	{Key: "quarter", Title: "VPN, 90 days", PriceMinor: 49900, DurationDays: 90},
	{Key: "year", Title: "VPN, 365 days", PriceMinor: 149900, DurationDays: 365},
}

// PlanByKey returns the plan for the given key, or nil when unknown.
func PlanByKey(key string) *model.Plan {
	for i := range plans {
		if plans[i].Key == key {
			return &plans[i]
		}
	}
	return nil
}

// Plans returns the purchasable plan catalog.
func Plans() []model.Plan {
	out := make([]model.Plan, len(plans))
	copy(out, plans)
	return out
}
