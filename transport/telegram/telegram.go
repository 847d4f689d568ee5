// Package telegram implements transport.Client on the Telegram Bot API using
// long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// Name is the transport name telegram registers under.
const Name = "telegram"

// DefaultPollTimeout is the long-poll timeout in seconds.
const DefaultPollTimeout = 30

// ErrDraining is returned by Acquire while the long poll of the previous
// session has not returned yet. It is temporary.
var ErrDraining = errors.New("previous long poll still running")

// Dialer creates telegram clients.
type Dialer struct {
	// Endpoint is the API endpoint format; defaults to tgbotapi.APIEndpoint.
	Endpoint string
	// HTTPClient defaults to a fresh *http.Client per client.
	HTTPClient  tgbotapi.HTTPClient
	PollTimeout int
}

func (d Dialer) Dial(cfg config.AppConfig, logger transport.Logger) (transport.Client, error) {
	return New(cfg.Token,
		WithEndpoint(d.Endpoint),
		WithHTTPClient(d.HTTPClient),
		WithPollTimeout(d.PollTimeout),
		WithLogger(logger),
	), nil
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint format. Empty keeps the default.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient overrides the HTTP client. Nil keeps the default.
func WithHTTPClient(hc tgbotapi.HTTPClient) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithPollTimeout sets the long-poll timeout in seconds. Values below zero are ignored.
func WithPollTimeout(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.pollTimeout = seconds
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l transport.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a telegram transport.Client. Each Acquire builds a fresh
// tgbotapi.BotAPI because a BotAPI cannot resume polling once stopped.
type Client struct {
	token       string
	endpoint    string
	httpClient  tgbotapi.HTTPClient
	pollTimeout int
	logger      transport.Logger

	mu       sync.Mutex
	api      *tgbotapi.BotAPI
	identity *transport.Identity
	session  *session
	draining <-chan struct{}
	handlers []transport.Handler
	closed   bool
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client for token. Nothing touches the network until Acquire.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:       token,
		endpoint:    tgbotapi.APIEndpoint,
		httpClient:  &http.Client{},
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.api != nil {
		return transport.ErrAlreadyAcquired
	}
	if c.draining != nil {
		select {
		case <-c.draining:
			c.draining = nil
		default:
			return ErrDraining
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	api, err := tgbotapi.NewBotAPIWithClient(c.token, c.endpoint, c.httpClient)
	if err != nil {
		return err
	}
	c.api = api
	c.identity = &transport.Identity{
		ID:       api.Self.ID,
		Name:     api.Self.FirstName,
		Username: api.Self.UserName,
		Link:     "https://t.me/" + api.Self.UserName,
	}
	if c.logger != nil {
		c.logger.Debug("telegram session acquired", "username", api.Self.UserName)
	}
	return nil
}

func (c *Client) BeginReceiving(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.api == nil {
		return transport.ErrNotAcquired
	}
	if c.session != nil {
		return nil
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = c.pollTimeout
	updates := c.api.GetUpdatesChan(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.session = s
	go c.pump(s, updates)
	return nil
}

// pump drains the update channel until the library closes it. Updates that
// arrive after StopReceiving are dropped.
func (c *Client) pump(s *session, updates tgbotapi.UpdatesChannel) {
	defer close(s.done)
	for update := range updates {
		if s.ctx.Err() != nil || update.Message == nil {
			continue
		}
		msg := convert(update.Message)

		c.mu.Lock()
		handlers := append([]transport.Handler(nil), c.handlers...)
		c.mu.Unlock()

		transport.Dispatch(s.ctx, c.logger, handlers, msg)
	}
}

func convert(m *tgbotapi.Message) transport.Message {
	msg := transport.Message{ID: m.MessageID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
	}
	if m.From != nil {
		msg.From = m.From.String()
	}
	return msg
}

// StopReceiving ends polling without waiting for the in-flight long poll; the
// pump discards whatever it still returns. Release waits for it.
func (c *Client) StopReceiving(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Client) stopLocked() {
	if c.session == nil {
		return
	}
	c.session.cancel()
	c.api.StopReceivingUpdates()
	c.draining = c.session.done
	c.session = nil
}

// Release stops polling and waits, bounded by ctx, for the pump to exit before
// dropping the session. If ctx ends first the session is dropped anyway and
// Acquire reports ErrDraining until the pump is gone.
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.api == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	draining := c.draining
	c.mu.Unlock()

	var err error
	if draining != nil {
		// The pump takes c.mu, so wait without it.
		select {
		case <-draining:
		case <-ctx.Done():
			err = fmt.Errorf("release telegram session: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.api = nil
	if err == nil && c.draining == draining {
		c.draining = nil
	}
	if hc, ok := c.httpClient.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		c.stopLocked()
		c.api = nil
	}
	c.closed = true
	c.handlers = nil
	return nil
}

func (c *Client) Handle(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) Send(ctx context.Context, out transport.Outgoing) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return transport.ErrNotAcquired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(out.ChatID, out.Text)
	msg.ReplyToMessageID = out.ReplyTo
	_, err := api.Send(msg)
	return err
}

func (c *Client) Identity() (transport.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return transport.Identity{}, false
	}
	return *c.identity, true
}
