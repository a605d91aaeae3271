package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/Pierroll/IPS-CONTROL-V2-sub001/testing"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/customers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routeros"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// fakeDevice models one router's PPP state. The fake conn mutates it the way
// the real device would.
type fakeDevice struct {
	mu          sync.Mutex
	secrets     map[string]*fakeSecret
	active      map[string]string
	unreachable bool
	runs        []string
}

type fakeSecret struct {
	id      string
	profile string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		secrets: make(map[string]*fakeSecret),
		active:  make(map[string]string),
	}
}

func (d *fakeDevice) addSecret(username, id, profile string) {
	d.secrets[username] = &fakeSecret{id: id, profile: profile}
}

func (d *fakeDevice) connect(username, sessionID string) {
	d.active[username] = sessionID
}

func (d *fakeDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.runs...)
}

type fakeDialer struct {
	devices map[string]*fakeDevice
}

func (f *fakeDialer) Dial(dev routeros.Device) (routeros.Conn, error) {
	d, ok := f.devices[dev.Name]
	if !ok || d.unreachable {
		return nil, &shared.ConnectionError{Router: dev.Name, Err: errors.New("dial tcp: i/o timeout")}
	}
	return &fakeConn{dev: d, router: dev.Name}, nil
}

type fakeConn struct {
	dev    *fakeDevice
	router string
}

func arg(sentence []string, prefix string) string {
	for _, w := range sentence {
		if strings.HasPrefix(w, prefix) {
			return strings.TrimPrefix(w, prefix)
		}
	}
	return ""
}

func (c *fakeConn) Run(sentence ...string) ([]map[string]string, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	c.dev.runs = append(c.dev.runs, sentence[0])

	switch sentence[0] {
	case "/ppp/secret/print":
		name := arg(sentence, "?name=")
		sec, ok := c.dev.secrets[name]
		if !ok {
			return nil, nil
		}
		return []map[string]string{{
			".id": sec.id, "name": name, "profile": sec.profile, "disabled": "false",
		}}, nil
	case "/ppp/secret/set":
		id := arg(sentence, "=.id=")
		profile := arg(sentence, "=profile=")
		for _, sec := range c.dev.secrets {
			if sec.id == id {
				sec.profile = profile
				return nil, nil
			}
		}
		return nil, &routeros.TrapError{Router: c.router, Message: "no such item"}
	case "/ppp/active/print":
		name := arg(sentence, "?name=")
		id, ok := c.dev.active[name]
		if !ok {
			return nil, nil
		}
		return []map[string]string{{
			".id": id, "name": name, "address": "10.0.0.2", "uptime": "1h2m",
		}}, nil
	case "/ppp/active/remove":
		id := arg(sentence, "=.id=")
		for name, sid := range c.dev.active {
			if sid == id {
				delete(c.dev.active, name)
				return nil, nil
			}
		}
		return nil, &routeros.TrapError{Router: c.router, Message: "no such item"}
	}
	return nil, &routeros.TrapError{Router: c.router, Message: "unknown command"}
}

func (c *fakeConn) Close() error { return nil }

type memoryDirectory struct {
	customers map[int64]*customers.Customer
}

func (m *memoryDirectory) GetCustomer(ctx context.Context, id int64) (*customers.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, customers.ErrNotFound
	}
	return c, nil
}

type memoryInventory struct {
	mu       sync.Mutex
	routers  map[int64]*routers.Router
	seen     map[int64]int
	failures map[int64]int
}

func newMemoryInventory() *memoryInventory {
	return &memoryInventory{
		routers:  make(map[int64]*routers.Router),
		seen:     make(map[int64]int),
		failures: make(map[int64]int),
	}
}

func (m *memoryInventory) GetRouter(ctx context.Context, id int64) (*routers.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routers[id]
	if !ok {
		return nil, routers.ErrNotFound
	}
	return r, nil
}

func (m *memoryInventory) MarkSeen(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id]++
	return nil
}

func (m *memoryInventory) RecordFailure(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return nil
}

type staticProfiles struct {
	profiles map[int64]string
}

func (s *staticProfiles) DesiredProfile(ctx context.Context, customerID int64, cutProfile string) (string, error) {
	p, ok := s.profiles[customerID]
	if !ok {
		return cutProfile, nil
	}
	return p, nil
}

type fixture struct {
	devices   map[string]*fakeDevice
	directory *memoryDirectory
	inventory *memoryInventory
	profiles  *staticProfiles
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		devices:   make(map[string]*fakeDevice),
		directory: &memoryDirectory{customers: make(map[int64]*customers.Customer)},
		inventory: newMemoryInventory(),
		profiles:  &staticProfiles{profiles: make(map[int64]string)},
	}
	pool := routeros.NewPool(routeros.PoolConfig{
		Dialer:       &fakeDialer{devices: f.devices},
		BreakerTrips: 100,
	})
	gateway := routeros.NewGateway(pool, nil, nil)
	f.rec = NewReconciler(f.directory, f.inventory, f.profiles, gateway, nil, nil)
	return f
}

func (f *fixture) addRouter(id int64, name string) *fakeDevice {
	f.inventory.routers[id] = &routers.Router{
		ID: id, Name: name, IPAddress: name + ".isp.local",
		APIUsername: "api", APIPassword: "secret",
		CutProfile: "CORTE-MOROSO", Status: routers.StatusActive,
	}
	dev := newFakeDevice()
	f.devices[name] = dev
	return dev
}

func (f *fixture) addCustomer(id, routerID int64, username string) {
	f.directory.customers[id] = &customers.Customer{
		ID: id, RouterID: routerID, PPPoEUsername: username,
		Status: customers.StatusActive, Phone: "987654321",
	}
}

func TestReconcileWritesProfileBeforeDisconnect(t *testing.T) {
	f := newFixture(t)
	dev := f.addRouter(1, "nodo-norte")
	f.addCustomer(10, 1, "user10")
	f.profiles.profiles[10] = "CORTE-MOROSO"
	dev.addSecret("user10", "*1A", "PLAN-100M")
	dev.connect("user10", "*S1")

	res, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.True(t, res.Disconnected)
	require.Equal(t, "CORTE-MOROSO", res.Profile)

	require.Equal(t, "CORTE-MOROSO", dev.secrets["user10"].profile)
	require.Empty(t, dev.active)

	// The profile write must land before the session kill, or the client
	// reconnects under the old profile in between.
	cmds := dev.commands()
	setIdx, removeIdx := -1, -1
	for i, c := range cmds {
		switch c {
		case "/ppp/secret/set":
			setIdx = i
		case "/ppp/active/remove":
			removeIdx = i
		}
	}
	require.GreaterOrEqual(t, setIdx, 0)
	require.GreaterOrEqual(t, removeIdx, 0)
	require.Less(t, setIdx, removeIdx)

	require.Equal(t, 1, f.inventory.seen[1])
}

func TestReconcileSecondRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	dev := f.addRouter(1, "nodo-norte")
	f.addCustomer(10, 1, "user10")
	f.profiles.profiles[10] = "CORTE-MOROSO"
	dev.addSecret("user10", "*1A", "PLAN-100M")
	dev.connect("user10", "*S1")

	_, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.NoError(t, err)

	res, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.False(t, res.Disconnected)
}

func TestReconcileRemovesStaleSessionWithoutProfileWrite(t *testing.T) {
	f := newFixture(t)
	dev := f.addRouter(1, "nodo-norte")
	f.addCustomer(10, 1, "user10")
	f.profiles.profiles[10] = "PLAN-100M"
	dev.addSecret("user10", "*1A", "PLAN-100M")
	// Session established before the secret was last corrected by hand.
	dev.connect("user10", "*S9")

	res, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.True(t, res.Disconnected)
	require.Empty(t, dev.active)
}

func TestReconcileMissingSecretIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.addRouter(1, "nodo-norte")
	f.addCustomer(10, 1, "ghost")

	_, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.False(t, shared.IsConnection(err))

	// The device answered, so the router still counts as seen.
	require.Equal(t, 1, f.inventory.seen[1])
	require.Zero(t, f.inventory.failures[1])
}

func TestReconcileUnreachableRouterRecordsFailure(t *testing.T) {
	f := newFixture(t)
	dev := f.addRouter(1, "nodo-norte")
	dev.unreachable = true
	f.addCustomer(10, 1, "user10")

	_, err := f.rec.ReconcileCustomer(context.Background(), 10)
	require.True(t, shared.IsConnection(err))
	require.Equal(t, 1, f.inventory.failures[1])
	require.Zero(t, f.inventory.seen[1])
}

type staticOverdue struct {
	selected []billing.OverdueCustomer
}

func (s *staticOverdue) OverdueAccounts(ctx context.Context) ([]billing.OverdueCustomer, error) {
	return s.selected, nil
}

func TestCutAllOverdueUnreachableRouterFailsOnlyItsGroup(t *testing.T) {
	f := newFixture(t)
	devA := f.addRouter(1, "nodo-norte")
	devB := f.addRouter(2, "nodo-sur")
	devB.unreachable = true

	f.addCustomer(10, 1, "user10")
	f.addCustomer(11, 1, "user11")
	f.addCustomer(12, 2, "user12")
	devA.addSecret("user10", "*1A", "PLAN-100M")
	devA.addSecret("user11", "*1B", "PLAN-200M")
	devA.connect("user10", "*S1")

	overdue := &staticOverdue{selected: []billing.OverdueCustomer{
		{CustomerID: 10, PPPoEUsername: "user10", RouterID: 1, Balance: 80},
		{CustomerID: 11, PPPoEUsername: "user11", RouterID: 1, Balance: 120},
		{CustomerID: 12, PPPoEUsername: "user12", RouterID: 2, Balance: 80},
	}}
	enforcer := NewEnforcer(overdue, f.inventory, f.rec, 4, nil, nil)

	report, err := enforcer.CutAllOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Total)
	require.Equal(t, 2, report.Cut)
	require.Equal(t, 1, report.Failed)

	require.Equal(t, "CORTE-MOROSO", devA.secrets["user10"].profile)
	require.Equal(t, "CORTE-MOROSO", devA.secrets["user11"].profile)
	require.Empty(t, devA.active)

	for _, o := range report.Outcomes {
		if o.CustomerID == 12 {
			require.False(t, o.Cut)
			require.Contains(t, o.Error, "unreachable")
		}
	}
}

func TestCutAllOverdueRerunIsHarmless(t *testing.T) {
	f := newFixture(t)
	dev := f.addRouter(1, "nodo-norte")
	f.addCustomer(10, 1, "user10")
	dev.addSecret("user10", "*1A", "PLAN-100M")
	dev.connect("user10", "*S1")

	overdue := &staticOverdue{selected: []billing.OverdueCustomer{
		{CustomerID: 10, PPPoEUsername: "user10", RouterID: 1, Balance: 80},
	}}
	enforcer := NewEnforcer(overdue, f.inventory, f.rec, 1, nil, nil)

	report, err := enforcer.CutAllOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Cut)

	report, err = enforcer.CutAllOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Cut)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, "CORTE-MOROSO", dev.secrets["user10"].profile)
}

func TestCutAllOverdueSkipsMaintenanceRouter(t *testing.T) {
	f := newFixture(t)
	f.addRouter(1, "nodo-norte")
	f.inventory.routers[1].Status = routers.StatusMaintenance
	f.addCustomer(10, 1, "user10")

	overdue := &staticOverdue{selected: []billing.OverdueCustomer{
		{CustomerID: 10, PPPoEUsername: "user10", RouterID: 1, Balance: 80},
	}}
	enforcer := NewEnforcer(overdue, f.inventory, f.rec, 1, nil, nil)

	report, err := enforcer.CutAllOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Cut)
	require.Equal(t, 1, report.Failed)
	require.Contains(t, report.Outcomes[0].Error, "MAINTENANCE")
}
