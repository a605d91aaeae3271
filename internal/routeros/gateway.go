package routeros

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// Gateway executes command sequences against routers through the pool.
type Gateway struct {
	pool    *Pool
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   shared.Clock
}

// NewGateway constructs a gateway. Logger and metrics may be nil.
func NewGateway(pool *Pool, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{pool: pool, logger: logger, metrics: metrics, clock: shared.SystemClock{}}
}

// WithRouter leases the device's connection, runs fn against a session and
// releases on every exit path, panics included. The session is valid only
// inside fn.
func (g *Gateway) WithRouter(ctx context.Context, dev Device, fn func(s Session) error) (err error) {
	conn, release, err := g.pool.Lease(ctx, dev)
	if err != nil {
		return err
	}
	start := g.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			// The conn may hold a half-written sentence; classify as a
			// connection failure so release drops it instead of re-caching.
			err = &shared.ConnectionError{Router: dev.Name, Err: fmt.Errorf("panic during session: %v", r)}
		}
		release(err)
		g.observe(dev.Name, g.clock.Now().Sub(start), err)
	}()
	return fn(Session{conn: conn, router: dev.Name})
}

func (g *Gateway) observe(router string, d time.Duration, err error) {
	if g.metrics != nil {
		g.metrics.ObserveRouterSession(router, d, err)
	}
	if err != nil {
		g.logger.Warn("router session failed",
			slog.String("router", router),
			slog.Duration("took", d),
			slog.Any("error", err))
	}
}

// Session wraps one leased connection with the PPP command surface the
// engine needs.
type Session struct {
	conn   Conn
	router string
}

// Secret is a PPPoE credential row on the device.
type Secret struct {
	ID       string
	Name     string
	Profile  string
	Disabled bool
}

// ActiveSession is a currently-connected PPPoE client entry.
type ActiveSession struct {
	ID      string
	Name    string
	Address string
	Uptime  string
}

// FindSecret looks up the PPP secret by username. Returns a NotFoundError
// when the device has no such secret.
func (s Session) FindSecret(username string) (Secret, error) {
	rows, err := s.conn.Run(
		"/ppp/secret/print",
		"?name="+username,
		"=.proplist=.id,name,profile,disabled",
	)
	if err != nil {
		return Secret{}, err
	}
	if len(rows) == 0 {
		return Secret{}, &shared.NotFoundError{Resource: "ppp secret", Key: username}
	}
	row := rows[0]
	return Secret{
		ID:       row[".id"],
		Name:     row["name"],
		Profile:  row["profile"],
		Disabled: row["disabled"] == "true",
	}, nil
}

// SetSecretProfile writes a new access profile on the secret.
func (s Session) SetSecretProfile(secretID, profile string) error {
	_, err := s.conn.Run(
		"/ppp/secret/set",
		"=.id="+secretID,
		"=profile="+profile,
	)
	return err
}

// FindActive looks up the active PPPoE session by username. The second
// return value reports presence; an absent session is not an error.
func (s Session) FindActive(username string) (ActiveSession, bool, error) {
	rows, err := s.conn.Run(
		"/ppp/active/print",
		"?name="+username,
		"=.proplist=.id,name,address,uptime",
	)
	if err != nil {
		return ActiveSession{}, false, err
	}
	if len(rows) == 0 {
		return ActiveSession{}, false, nil
	}
	row := rows[0]
	return ActiveSession{
		ID:      row[".id"],
		Name:    row["name"],
		Address: row["address"],
		Uptime:  row["uptime"],
	}, true, nil
}

// RemoveActive terminates the active session.
func (s Session) RemoveActive(sessionID string) error {
	_, err := s.conn.Run(
		"/ppp/active/remove",
		"=.id="+sessionID,
	)
	return err
}

// ListProfiles returns the configured PPP profile names.
func (s Session) ListProfiles() ([]string, error) {
	rows, err := s.conn.Run("/ppp/profile/print", "=.proplist=name")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row["name"])
	}
	return names, nil
}
