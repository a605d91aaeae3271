package customers

import "time"

// CustomerStatus enumerates customer lifecycle states.
type CustomerStatus string

const (
	StatusActive    CustomerStatus = "ACTIVE"
	StatusSuspended CustomerStatus = "SUSPENDED"
	StatusInactive  CustomerStatus = "INACTIVE"
	StatusCancelled CustomerStatus = "CANCELLED"
)

// Customer model. Identity plus the network handle the reconciler derives the
// PPP secret lookup from. Plan entitlement lives in the plans package and the
// money in billing.
type Customer struct {
	ID            int64
	Code          string
	FullName      string
	Phone         string
	Status        CustomerStatus
	PPPoEUsername string
	RouterID      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
