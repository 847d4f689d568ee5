// Package transport defines the messaging client an application owns and the
// dialers that construct one from an application's configuration.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GoCodeAlone/botkeeper/config"
)

// Static errors for transport package
var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrNotAcquired      = errors.New("client not acquired")
	ErrAlreadyAcquired  = errors.New("client already acquired")
	ErrNotReceiving     = errors.New("client not receiving")
	ErrClosed           = errors.New("client closed")
)

// DefaultTransport is used when an application config names none.
const DefaultTransport = "telegram"

// Identity is what the remote service reports about the bot account.
type Identity struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Link     string `json:"link"`
}

// Message is an incoming message.
type Message struct {
	ID     int    `json:"id"`
	ChatID int64  `json:"chat_id"`
	From   string `json:"from"`
	Text   string `json:"text"`
}

// Outgoing is a message to send.
type Outgoing struct {
	ChatID  int64
	Text    string
	ReplyTo int
}

// Reply builds an Outgoing answering m.
func (m Message) Reply(text string) Outgoing {
	return Outgoing{ChatID: m.ChatID, Text: text, ReplyTo: m.ID}
}

// Handler processes one incoming message. The context is cancelled when the
// client stops receiving.
type Handler func(ctx context.Context, msg Message)

// Client is the network client an application owns. It is created at
// construction, acquired at start, released at stop and closed at teardown.
// Acquire and Release may alternate any number of times before Close.
type Client interface {
	// Acquire opens the session and learns the bot identity.
	Acquire(ctx context.Context) error
	// BeginReceiving starts delivering incoming messages to handlers.
	BeginReceiving(ctx context.Context) error
	// StopReceiving stops delivery. Messages already in flight may still finish.
	StopReceiving(ctx context.Context) error
	// Release closes the session opened by Acquire.
	Release(ctx context.Context) error
	// Close discards the client. Handlers are dropped.
	Close() error

	Handle(h Handler)
	Send(ctx context.Context, msg Outgoing) error
	// Identity reports the identity learned by the last Acquire.
	Identity() (Identity, bool)
}

// Logger is the logging the clients use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dialer constructs clients for application configs.
type Dialer interface {
	Dial(cfg config.AppConfig, logger Logger) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(cfg config.AppConfig, logger Logger) (Client, error)

func (f DialerFunc) Dial(cfg config.AppConfig, logger Logger) (Client, error) {
	return f(cfg, logger)
}

// Mux selects a dialer by the config's transport name.
type Mux struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{dialers: make(map[string]Dialer)}
}

// Register adds or replaces the dialer for name.
func (m *Mux) Register(name string, d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialers[name] = d
}

// Names lists registered transports.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dialers))
	for n := range m.dialers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) Dial(cfg config.AppConfig, logger Logger) (Client, error) {
	name := cfg.Transport
	if name == "" {
		name = DefaultTransport
	}
	m.mu.RLock()
	d, ok := m.dialers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}
	return d.Dial(cfg, logger)
}

// Dispatch calls every handler for msg, recovering handler panics.
func Dispatch(ctx context.Context, logger Logger, handlers []Handler, msg Message) {
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil && logger != nil {
					logger.Error("message handler panicked", "panic", p, "chat", msg.ChatID)
				}
			}()
			h(ctx, msg)
		}()
	}
}
