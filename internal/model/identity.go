package model

import (
	"fmt"
	"time"
)

// Identity is a subscriber's stable access principal. Created on first
// interaction and never deleted; entitlements come and go around it.
type Identity struct {
	PrincipalID int64     `db:"principal_id" json:"principal_id"`
	Username    string    `db:"username" json:"username"`
	VPNName     string    `db:"vpn_name" json:"vpn_name"`
	Provisioned bool      `db:"provisioned" json:"provisioned"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// VPNNameFor derives the globally unique provisioned name for a principal.
func VPNNameFor(principalID int64) string {
	return fmt.Sprintf("u%d", principalID)
}
