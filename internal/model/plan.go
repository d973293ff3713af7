package model

// Plan is a purchasable subscription option. Prices are minor units
// (kopecks/cents); the payment processor itself is an external collaborator.
type Plan struct {
	Key          string `json:"key"`
	Title        string `json:"title"`
	PriceMinor   int64  `json:"price_minor"`
	DurationDays int    `json:"duration_days"`
}
