package routeros

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

type stubConn struct {
	closed bool
}

func (c *stubConn) Run(sentence ...string) ([]map[string]string, error) { return nil, nil }
func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

type stubDialer struct {
	dials   int
	failing bool
	last    *stubConn
}

func (d *stubDialer) Dial(dev Device) (Conn, error) {
	d.dials++
	if d.failing {
		return nil, &shared.ConnectionError{Router: dev.Name, Err: errors.New("connection refused")}
	}
	d.last = &stubConn{}
	return d.last, nil
}

func testDevice(name string) Device {
	return Device{Name: name, Address: name + ".isp.local", Username: "api", Password: "x"}
}

func TestPoolReusesIdleConnection(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewPool(PoolConfig{Dialer: dialer})
	dev := testDevice("nodo-1")

	conn, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)

	again, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)

	require.Same(t, conn, again)
	require.Equal(t, 1, dialer.dials)
}

func TestPoolSerializesPerRouter(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewPool(PoolConfig{Dialer: dialer})
	dev := testDevice("nodo-1")

	_, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)

	// Same router blocks until released.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = pool.Lease(ctx, dev)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A different router is its own serialization domain.
	_, otherRelease, err := pool.Lease(context.Background(), testDevice("nodo-2"))
	require.NoError(t, err)
	otherRelease(nil)

	release(nil)
	_, release, err = pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)
}

func TestPoolConnectionErrorDropsConn(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewPool(PoolConfig{Dialer: dialer})
	dev := testDevice("nodo-1")

	_, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	first := dialer.last

	release(&shared.ConnectionError{Router: dev.Name, Err: errors.New("broken pipe")})
	require.True(t, first.closed)

	_, release, err = pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)
	require.Equal(t, 2, dialer.dials)
}

func TestPoolBreakerOpensAndHalfOpens(t *testing.T) {
	now := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	clock := shared.ClockFunc(func() time.Time { return now })

	dialer := &stubDialer{failing: true}
	pool := NewPool(PoolConfig{
		Dialer:       dialer,
		BreakerTrips: 3,
		BreakerReset: 5 * time.Minute,
		Clock:        clock,
	})
	dev := testDevice("nodo-1")

	for i := 0; i < 3; i++ {
		_, _, err := pool.Lease(context.Background(), dev)
		require.True(t, shared.IsConnection(err))
		require.NotErrorIs(t, err, ErrBreakerOpen)
	}
	require.Equal(t, 3, dialer.dials)

	// Open: no dial attempted at all.
	_, _, err := pool.Lease(context.Background(), dev)
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.Equal(t, 3, dialer.dials)

	// After the reset window one probe goes through and closes it.
	now = now.Add(5 * time.Minute)
	dialer.failing = false
	_, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)

	_, release, err = pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)
}

func TestGatewayPanicDropsConnection(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewPool(PoolConfig{Dialer: dialer, BreakerTrips: 100})
	gateway := NewGateway(pool, nil, nil)
	dev := testDevice("nodo-1")

	err := gateway.WithRouter(context.Background(), dev, func(s Session) error {
		panic("unexpected reply shape")
	})
	require.Error(t, err)
	require.True(t, shared.IsConnection(err))
	require.True(t, dialer.last.closed)

	// The next lease must not reuse the poisoned conn.
	_, release, err := pool.Lease(context.Background(), dev)
	require.NoError(t, err)
	release(nil)
	require.Equal(t, 2, dialer.dials)
}
