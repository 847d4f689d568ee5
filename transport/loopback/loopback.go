// Package loopback is an in-memory transport. Messages are injected by the
// caller and replies are captured instead of sent anywhere.
package loopback

import (
	"context"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// Name is the transport name loopback registers under.
const Name = "loopback"

// Network is a Dialer that keeps every client it creates so callers can reach
// them by application id. Dialing the same id again replaces the entry.
type Network struct {
	clients cmap.ConcurrentMap[string, *Client]
	nextID  int64
	mu      sync.Mutex
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{clients: cmap.New[*Client]()}
}

func (n *Network) Dial(cfg config.AppConfig, logger transport.Logger) (transport.Client, error) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.mu.Unlock()

	c := NewClient(transport.Identity{
		ID:       id,
		Name:     cfg.ID,
		Username: cfg.ID + "_bot",
		Link:     "loopback://" + cfg.ID,
	}, logger)
	n.clients.Set(cfg.ID, c)
	return c, nil
}

// Client returns the most recent client dialed for an application id.
func (n *Network) Client(appID string) (*Client, bool) {
	return n.clients.Get(appID)
}

// Failures holds errors the client returns on purpose.
type Failures struct {
	Acquire        error
	BeginReceiving error
	StopReceiving  error
	Release        error
	Close          error
}

// Client is an in-memory transport.Client.
type Client struct {
	identity transport.Identity
	logger   transport.Logger

	mu        sync.Mutex
	handlers  []transport.Handler
	acquired  bool
	receiving bool
	closed    bool
	cancel    context.CancelFunc
	recvCtx   context.Context
	sent      []transport.Outgoing
	fail      Failures
	acquires  int
	releases  int
}

// NewClient creates a client that reports identity once acquired.
func NewClient(identity transport.Identity, logger transport.Logger) *Client {
	return &Client{identity: identity, logger: logger}
}

// Fail sets the failures subsequent calls return.
func (c *Client) Fail(f Failures) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = f
}

func (c *Client) Acquire(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return transport.ErrClosed
	case c.fail.Acquire != nil:
		return c.fail.Acquire
	case c.acquired:
		return transport.ErrAlreadyAcquired
	}
	c.acquired = true
	c.acquires++
	return nil
}

func (c *Client) BeginReceiving(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return transport.ErrClosed
	case !c.acquired:
		return transport.ErrNotAcquired
	case c.fail.BeginReceiving != nil:
		return c.fail.BeginReceiving
	}
	if c.receiving {
		return nil
	}
	c.recvCtx, c.cancel = context.WithCancel(context.Background())
	c.receiving = true
	return nil
}

func (c *Client) StopReceiving(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiving {
		c.cancel()
		c.receiving = false
	}
	return c.fail.StopReceiving
}

func (c *Client) Release(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail.Release != nil {
		return c.fail.Release
	}
	if !c.acquired {
		return nil
	}
	c.acquired = false
	c.releases++
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiving {
		c.cancel()
		c.receiving = false
	}
	c.closed = true
	c.handlers = nil
	return c.fail.Close
}

func (c *Client) Handle(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) Send(_ context.Context, msg transport.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return transport.ErrNotAcquired
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Client) Identity() (transport.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquires == 0 {
		return transport.Identity{}, false
	}
	return c.identity, true
}

// Inject delivers msg to the handlers synchronously. It fails if the client is
// not receiving.
func (c *Client) Inject(msg transport.Message) error {
	c.mu.Lock()
	if !c.receiving {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", transport.ErrNotReceiving, c.identity.Name)
	}
	ctx := c.recvCtx
	handlers := append([]transport.Handler(nil), c.handlers...)
	c.mu.Unlock()

	transport.Dispatch(ctx, c.logger, handlers, msg)
	return nil
}

// Sent returns a copy of everything sent so far.
func (c *Client) Sent() []transport.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Outgoing(nil), c.sent...)
}

// State is a point-in-time view of the client.
type State struct {
	Acquired  bool
	Receiving bool
	Closed    bool
	Acquires  int
	Releases  int
	Handlers  int
}

// State reports the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Acquired:  c.acquired,
		Receiving: c.receiving,
		Closed:    c.closed,
		Acquires:  c.acquires,
		Releases:  c.releases,
		Handlers:  len(c.handlers),
	}
}
