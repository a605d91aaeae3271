package routers

import (
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routeros"
)

// RouterStatus enumerates operational states of a device.
type RouterStatus string

const (
	StatusActive      RouterStatus = "ACTIVE"
	StatusMaintenance RouterStatus = "MAINTENANCE"
	StatusRetired     RouterStatus = "RETIRED"
)

// Router is one MikroTik device owned by operations. The engine only ever
// references it; all device mutation goes through the gateway.
type Router struct {
	ID          int64
	Name        string
	IPAddress   string
	APIPort     int
	APIUsername string
	APIPassword string
	CutProfile  string
	Status      RouterStatus
	LastSeen    *time.Time
	FailStreak  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Device converts the inventory row into the gateway's dial target.
func (r Router) Device() routeros.Device {
	return routeros.Device{
		Name:       r.Name,
		Address:    r.IPAddress,
		APIPort:    r.APIPort,
		Username:   r.APIUsername,
		Password:   r.APIPassword,
		CutProfile: r.CutProfile,
	}
}
