// Package reconcile makes the network agree with the ledger. It derives the
// profile a customer is entitled to and pushes it onto the owning router,
// terminating the live PPPoE session whenever one exists so the device can
// not keep serving under stale terms.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/customers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routeros"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// CustomerDirectory provides customer identity lookups.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id int64) (*customers.Customer, error)
}

// RouterInventory provides router rows and reachability bookkeeping.
type RouterInventory interface {
	GetRouter(ctx context.Context, id int64) (*routers.Router, error)
	MarkSeen(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64) error
}

// ProfileResolver derives the profile a customer should be on right now.
type ProfileResolver interface {
	DesiredProfile(ctx context.Context, customerID int64, cutProfile string) (string, error)
}

// RouterExecutor runs a command sequence against one device.
type RouterExecutor interface {
	WithRouter(ctx context.Context, dev routeros.Device, fn func(s routeros.Session) error) error
}

// Result reports what one reconciliation actually touched.
type Result struct {
	// Changed is set when the secret's profile was rewritten. A second run
	// against an already-correct device leaves it false.
	Changed bool
	// Disconnected is set when a live PPPoE session was terminated.
	Disconnected bool
	// Profile is the profile the secret ended up on.
	Profile string
}

// Reconciler applies desired state to devices one customer at a time.
type Reconciler struct {
	customers CustomerDirectory
	routers   RouterInventory
	profiles  ProfileResolver
	gateway   RouterExecutor
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     shared.Clock
}

// NewReconciler constructs a reconciler. Metrics and logger may be nil.
func NewReconciler(dir CustomerDirectory, inv RouterInventory, profiles ProfileResolver, gateway RouterExecutor, metrics *observability.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		customers: dir,
		routers:   inv,
		profiles:  profiles,
		gateway:   gateway,
		metrics:   metrics,
		logger:    logger,
		clock:     shared.SystemClock{},
	}
}

// ReconcileCustomer pushes the customer's entitled profile onto their router.
func (r *Reconciler) ReconcileCustomer(ctx context.Context, customerID int64) (Result, error) {
	customer, err := r.customers.GetCustomer(ctx, customerID)
	if err != nil {
		return Result{}, err
	}
	router, err := r.routers.GetRouter(ctx, customer.RouterID)
	if err != nil {
		return Result{}, err
	}
	desired, err := r.profiles.DesiredProfile(ctx, customerID, router.CutProfile)
	if err != nil {
		return Result{}, err
	}
	return r.Apply(ctx, router, customer.PPPoEUsername, desired)
}

// RestoreAccess satisfies the ledger's restore hook: after a settling payment
// the entitled profile is the plan profile again, so a plain reconciliation
// reopens service.
func (r *Reconciler) RestoreAccess(ctx context.Context, customerID int64) error {
	_, err := r.ReconcileCustomer(ctx, customerID)
	return err
}

// Apply converges one secret on one router to the given profile.
//
// The profile write happens before the session kill. The reverse order lets
// the client reconnect between the two steps and come back up under the old
// profile. The session check runs even when the profile already matched,
// because a session may have been established before an earlier partial run
// or a manual device-side edit.
func (r *Reconciler) Apply(ctx context.Context, router *routers.Router, username, profile string) (Result, error) {
	var res Result
	res.Profile = profile

	err := r.gateway.WithRouter(ctx, router.Device(), func(s routeros.Session) error {
		secret, err := s.FindSecret(username)
		if err != nil {
			return err
		}
		if secret.Profile != profile {
			if err := s.SetSecretProfile(secret.ID, profile); err != nil {
				return err
			}
			res.Changed = true
		}

		active, found, err := s.FindActive(username)
		if err != nil {
			return err
		}
		if found {
			if err := s.RemoveActive(active.ID); err != nil {
				return err
			}
			res.Disconnected = true
		}
		return nil
	})

	r.bookkeep(ctx, router, err)
	r.observe(router.Name, username, profile, res, err)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// bookkeep records device reachability. Failures here never mask the session
// outcome.
func (r *Reconciler) bookkeep(ctx context.Context, router *routers.Router, sessionErr error) {
	var err error
	switch {
	case sessionErr == nil:
		err = r.routers.MarkSeen(ctx, router.ID, r.clock.Now())
	case shared.IsConnection(sessionErr):
		err = r.routers.RecordFailure(ctx, router.ID)
	default:
		// The device answered; the command failed for a non-transport
		// reason. Still a sighting.
		err = r.routers.MarkSeen(ctx, router.ID, r.clock.Now())
	}
	if err != nil {
		r.logger.Warn("router bookkeeping failed",
			slog.Int64("router", router.ID),
			slog.Any("error", err))
	}
}

func (r *Reconciler) observe(router, username, profile string, res Result, err error) {
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case res.Changed:
		outcome = "changed"
	}
	if r.metrics != nil {
		r.metrics.ObserveReconcile(outcome)
	}
	if err != nil {
		r.logger.Warn("reconcile failed",
			slog.String("router", router),
			slog.String("username", username),
			slog.String("profile", profile),
			slog.Any("error", err))
		return
	}
	if res.Changed || res.Disconnected {
		r.logger.Info("reconciled",
			slog.String("router", router),
			slog.String("username", username),
			slog.String("profile", profile),
			slog.Bool("changed", res.Changed),
			slog.Bool("disconnected", res.Disconnected))
	}
}
