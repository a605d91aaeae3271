package routeros

import (
	"errors"
	"fmt"

	driver "github.com/go-routeros/routeros/v3"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// AuthError reports a rejected API login.
type AuthError struct {
	Router string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("router %s auth failed: %v", e.Router, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TrapError reports a command the device accepted but refused to execute.
type TrapError struct {
	Router  string
	Message string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("router %s rejected command: %s", e.Router, e.Message)
}

// ErrBreakerOpen indicates the router is cooling off after consecutive failures.
var ErrBreakerOpen = errors.New("routeros: circuit breaker open")

// classifyDial maps a dial/login failure into the engine taxonomy. RouterOS
// signals bad credentials as a trap during login; everything else is a
// reachability problem.
func classifyDial(router string, err error) error {
	var dev *driver.DeviceError
	if errors.As(err, &dev) {
		return &AuthError{Router: router, Err: err}
	}
	return &shared.ConnectionError{Router: router, Err: err}
}

// classifyRun maps a command failure into the engine taxonomy.
func classifyRun(router string, err error) error {
	var dev *driver.DeviceError
	if errors.As(err, &dev) {
		return &TrapError{Router: router, Message: dev.Error()}
	}
	return &shared.ConnectionError{Router: router, Err: err}
}
