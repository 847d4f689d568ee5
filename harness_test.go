package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/transport"
	"github.com/GoCodeAlone/botkeeper/transport/loopback"
)

var errScripted = errors.New("scripted failure")

// scriptArgs select which step of a scripted bot misbehaves.
type scriptArgs struct {
	FailOn  string `json:"fail_on"`
	PanicOn string `json:"panic_on"`
	BlockOn string `json:"block_on"`
}

// script records every hook call of the bots it built, in order.
type script struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
	open  sync.Once
}

func newScript() *script {
	return &script{gate: make(chan struct{})}
}

// release unblocks every hook waiting on the gate.
func (p *script) release() {
	p.open.Do(func() { close(p.gate) })
}

func (p *script) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *script) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *script) count(call string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type scriptedBot struct {
	env    *Env
	script *script
	args   scriptArgs
}

func (p *script) implementation(schema string) Implementation {
	return Implementation{
		Schema: schema,
		New: func(env *Env) (Bot, error) {
			var args scriptArgs
			if err := env.Arguments(&args); err != nil {
				return nil, err
			}
			if args.FailOn == "factory" {
				return nil, errScripted
			}
			p.record(env.ID + ":new")
			return &scriptedBot{env: env, script: p, args: args}, nil
		},
	}
}

func (b *scriptedBot) step(ctx context.Context, name string) error {
	b.script.record(b.env.ID + ":" + name)
	if b.args.BlockOn == name {
		select {
		case <-b.script.gate:
		case <-ctx.Done():
		}
	}
	if b.args.PanicOn == name {
		panic("scripted " + name)
	}
	if b.args.FailOn == name {
		return fmt.Errorf("%s: %w", name, errScripted)
	}
	return nil
}

func (b *scriptedBot) Setup(ctx context.Context) error {
	b.env.Client.Handle(func(ctx context.Context, msg transport.Message) {
		_ = b.env.Client.Send(ctx, msg.Reply(msg.Text))
	})
	return b.step(ctx, "setup")
}

func (b *scriptedBot) OnStartup(ctx context.Context) error  { return b.step(ctx, "startup") }
func (b *scriptedBot) OnShutdown(ctx context.Context) error { return b.step(ctx, "shutdown") }
func (b *scriptedBot) OnTeardown(ctx context.Context) error { return b.step(ctx, "teardown") }

const strictSchema = `{
	"type": "object",
	"properties": {
		"greeting": {"type": "string", "default": "Hello"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

type harness struct {
	t       *testing.T
	path    string
	store   *config.Store
	reg     *registry.Registry[Implementation]
	network *loopback.Network
	script  *script
	m       *Manager
}

func newHarness(t *testing.T, cfgs []config.AppConfig, opts ...ManagerOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		path:    filepath.Join(t.TempDir(), "config.json"),
		reg:     registry.New[Implementation](),
		network: loopback.NewNetwork(),
		script:  newScript(),
	}
	require.NoError(t, h.reg.ProvideSymbols("apps.scripted", map[string]Implementation{
		registry.DefaultSymbol: h.script.implementation(""),
		"Strict":               h.script.implementation(strictSchema),
		"Broken":               {},
	}))

	store, err := config.NewMemoryStore(h.path, document(cfgs))
	require.NoError(t, err)
	require.NoError(t, store.Save())
	h.store = store

	opts = append([]ManagerOption{
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithWorkers(4),
	}, opts...)
	m, err := NewManager(store, h.reg, h.network, opts...)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() {
		h.script.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return h
}

func document(cfgs []config.AppConfig) config.Document {
	return config.Document{
		AppConfigs: cfgs,
		Settings:   config.Settings{AuditSchedule: "@every 1h", AcquireRetries: 2},
	}
}

// rewrite replaces the configuration file on disk without touching the
// manager's in-memory copy.
func (h *harness) rewrite(cfgs ...config.AppConfig) {
	h.t.Helper()
	other, err := config.NewMemoryStore(h.path, document(cfgs))
	require.NoError(h.t, err)
	require.NoError(h.t, other.Save())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func (h *harness) client(id string) *loopback.Client {
	h.t.Helper()
	c, ok := h.network.Client(id)
	require.True(h.t, ok, "no client dialed for %s", id)
	return c
}

func scriptedConfig(id string, autoStart bool, args map[string]any) config.AppConfig {
	return config.AppConfig{
		ID:        id,
		Module:    "scripted",
		Token:     "1234:" + id,
		Transport: loopback.Name,
		AutoStart: autoStart,
		Arguments: args,
	}
}

// eventSink collects events delivered to an observer.
type eventSink struct {
	events chan string
}

func newEventSink(m *Manager, types ...string) *eventSink {
	s := &eventSink{events: make(chan string, 64)}
	_ = m.RegisterObserver(NewFunctionalObserver("sink", func(_ context.Context, e cloudevents.Event) error {
		s.events <- e.Type() + " " + e.Subject()
		return nil
	}), types...)
	return s
}

func (s *eventSink) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return ""
	}
}
