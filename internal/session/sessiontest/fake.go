// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"context"
	"sync"

	"groupcast/internal/session"
)

// Sent records one delivered message.
type Sent struct {
	Dest int64
	Text string
}

// Transport is a scriptable fake. The zero value connects successfully and
// accepts every send.
type Transport struct {
	mu sync.Mutex

	// ConnectErr fails every Connect when set.
	ConnectErr error
	// ConnectGate, when set, blocks Connect until it is closed or ctx ends.
	ConnectGate chan struct{}
	// SendFunc decides the outcome of each send; nil means success.
	SendFunc func(dest int64, text string) error
	// Dialogs is returned by ListGroupDialogs.
	Dialogs []session.Dialog
	// DisconnectErr is returned by every Disconnect.
	DisconnectErr error

	connects int
	clients  []*Client
	sent     []Sent
}

func (t *Transport) Connect(ctx context.Context, credential string) (session.Client, error) {
	t.mu.Lock()
	gate, err := t.ConnectGate, t.ConnectErr
	t.connects++
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &Client{t: t, Credential: credential, connected: true}
	t.mu.Lock()
	t.clients = append(t.clients, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) SetSendFunc(fn func(dest int64, text string) error) {
	t.mu.Lock()
	t.SendFunc = fn
	t.mu.Unlock()
}

func (t *Transport) SetConnectErr(err error) {
	t.mu.Lock()
	t.ConnectErr = err
	t.mu.Unlock()
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Live counts clients that are connected right now.
func (t *Transport) Live() int {
	t.mu.Lock()
	clients := append([]*Client(nil), t.clients...)
	t.mu.Unlock()

	n := 0
	for _, c := range clients {
		if c.Connected() {
			n++
		}
	}
	return n
}

func (t *Transport) Clients() []*Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Client(nil), t.clients...)
}

// Sent returns every successful delivery in order.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// Client is a fake connected identity.
type Client struct {
	t          *Transport
	Credential string

	mu          sync.Mutex
	connected   bool
	disconnects int
}

func (c *Client) SendMessage(ctx context.Context, dest int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.t.mu.Lock()
	fn := c.t.SendFunc
	c.t.mu.Unlock()

	if fn != nil {
		if err := fn(dest, text); err != nil {
			return err
		}
	}
	c.t.mu.Lock()
	c.t.sent = append(c.t.sent, Sent{Dest: dest, Text: text})
	c.t.mu.Unlock()
	return nil
}

func (c *Client) ListGroupDialogs(ctx context.Context) ([]session.Dialog, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return append([]session.Dialog(nil), c.t.Dialogs...), nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop simulates a lost connection.
func (c *Client) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.DisconnectErr
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
