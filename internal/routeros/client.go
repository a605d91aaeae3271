// Package routeros is the gateway between the engine and MikroTik devices.
// It owns connection lifecycle, per-router serialization and the translation
// of device errors into the engine taxonomy. It deliberately knows nothing
// about billing.
package routeros

import (
	"fmt"
	"time"

	driver "github.com/go-routeros/routeros/v3"
)

// Device identifies one reachable RouterOS endpoint.
type Device struct {
	Name       string
	Address    string
	APIPort    int
	Username   string
	Password   string
	CutProfile string
}

// Addr returns the host:port dial target.
func (d Device) Addr() string {
	port := d.APIPort
	if port == 0 {
		port = 8728
	}
	return fmt.Sprintf("%s:%d", d.Address, port)
}

// Key identifies the device for pooling and mutual exclusion. Two routers
// sharing an address share a serialization domain.
func (d Device) Key() string { return d.Addr() }

// Conn is the capability the engine needs from one API session: run a
// sentence, get property maps back, close. Every read re-queries the device;
// nothing is cached between calls.
type Conn interface {
	Run(sentence ...string) ([]map[string]string, error)
	Close() error
}

// Dialer opens authenticated connections to a device.
type Dialer interface {
	Dial(dev Device) (Conn, error)
}

// APIDialer dials the RouterOS binary API with a bounded timeout.
type APIDialer struct {
	Timeout time.Duration
}

// Dial opens and authenticates a session.
func (d APIDialer) Dial(dev Device) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	client, err := driver.DialTimeout(dev.Addr(), dev.Username, dev.Password, timeout)
	if err != nil {
		return nil, classifyDial(dev.Name, err)
	}
	return &apiConn{client: client, router: dev.Name}, nil
}

type apiConn struct {
	client *driver.Client
	router string
}

func (c *apiConn) Run(sentence ...string) ([]map[string]string, error) {
	reply, err := c.client.Run(sentence...)
	if err != nil {
		return nil, classifyRun(c.router, err)
	}
	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		row := make(map[string]string, len(re.Map))
		for k, v := range re.Map {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *apiConn) Close() error {
	c.client.Close()
	return nil
}
