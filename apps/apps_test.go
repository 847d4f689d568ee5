package apps_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/apps"
	"github.com/GoCodeAlone/botkeeper/apps/greeter"
	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/transport"
	"github.com/GoCodeAlone/botkeeper/transport/loopback"
)

func newManager(t *testing.T, cfgs ...config.AppConfig) (*botkeeper.Manager, *loopback.Network) {
	t.Helper()
	for i := range cfgs {
		cfgs[i].Transport = loopback.Name
	}
	store, err := config.NewMemoryStore(filepath.Join(t.TempDir(), "config.json"), config.Document{
		AppConfigs: cfgs,
		Settings:   config.Settings{AuditSchedule: "@every 1h"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save())

	reg := registry.New[botkeeper.Implementation]()
	require.NoError(t, apps.Provide(reg))

	network := loopback.NewNetwork()
	m, err := botkeeper.NewManager(store, reg, network)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, network
}

func TestEcho(t *testing.T) {
	ctx := context.Background()
	m, network := newManager(t,
		config.AppConfig{ID: "plain", Module: "echo"},
		config.AppConfig{ID: "prefixed", Module: "apps.echo:Application", Arguments: map[string]any{"prefix": "> "}},
	)

	report, err := m.LoadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	_, err = m.StartAll(ctx)
	require.NoError(t, err)

	plain, ok := network.Client("plain")
	require.True(t, ok)
	require.NoError(t, plain.Inject(transport.Message{ID: 7, ChatID: 42, Text: "ping"}))
	require.NoError(t, plain.Inject(transport.Message{ID: 8, ChatID: 42}))
	assert.Equal(t, []transport.Outgoing{{ChatID: 42, Text: "ping", ReplyTo: 7}}, plain.Sent())

	prefixed, ok := network.Client("prefixed")
	require.True(t, ok)
	require.NoError(t, prefixed.Inject(transport.Message{ID: 1, ChatID: 5, Text: "hi"}))
	assert.Equal(t, "> hi", prefixed.Sent()[0].Text)
}

func TestEcho_RejectsUnknownArguments(t *testing.T) {
	m, _ := newManager(t, config.AppConfig{ID: "e", Module: "echo", Arguments: map[string]any{"loud": true}})

	_, err := m.Load(context.Background(), "e")
	assert.ErrorIs(t, err, botkeeper.ErrValidation)
	_, loaded := m.Get("e")
	assert.False(t, loaded)
}

func TestGreeter_UsesDefaultsAndArguments(t *testing.T) {
	ctx := context.Background()
	m, network := newManager(t,
		config.AppConfig{ID: "default", Module: "greeter"},
		config.AppConfig{ID: "custom", Module: "greeter", Arguments: map[string]any{"greeting": "Hey", "repeat": 2}},
	)
	_, err := m.LoadAll(ctx)
	require.NoError(t, err)
	_, err = m.StartAll(ctx)
	require.NoError(t, err)

	def, _ := network.Client("default")
	require.NoError(t, def.Inject(transport.Message{ID: 1, ChatID: 1, From: "ana"}))
	assert.Equal(t, "Hello, ana!", def.Sent()[0].Text)

	custom, _ := network.Client("custom")
	require.NoError(t, custom.Inject(transport.Message{ID: 1, ChatID: 1}))
	assert.Equal(t, "Hey, there! Hey, there!", custom.Sent()[0].Text)

	app, ok := m.Get("default")
	require.True(t, ok)
	info := app.Info()
	assert.Equal(t, "Hello", info.Arguments["greeting"])
	require.NotNil(t, info.Bot)
	assert.Equal(t, "default_bot", info.Bot.Username)
}

func TestGreeter_ReloadCommandPicksUpEditedArguments(t *testing.T) {
	ctx := context.Background()
	m, network := newManager(t, config.AppConfig{ID: "g", Module: "greeter"})
	_, err := m.Load(ctx, "g")
	require.NoError(t, err)
	first, err := m.Start(ctx, "g")
	require.NoError(t, err)

	_, err = m.UpdateArguments(ctx, "g", map[string]any{"greeting": "Hi"})
	require.NoError(t, err)

	edited, ok := m.Get("g")
	require.True(t, ok)
	assert.Greater(t, edited.Generation(), first.Generation())
	assert.True(t, edited.Running())

	client, _ := network.Client("g")
	require.NoError(t, client.Inject(transport.Message{ID: 1, ChatID: 1, Text: greeter.ReloadCommand}))
	assert.Eventually(t, func() bool {
		app, ok := m.Get("g")
		return ok && app.Generation() > edited.Generation() && app.Running()
	}, 2*time.Second, 10*time.Millisecond)

	latest, _ := network.Client("g")
	require.NoError(t, latest.Inject(transport.Message{ID: 2, ChatID: 1, From: "bo"}))
	assert.Equal(t, "Hi, bo!", latest.Sent()[0].Text)
}
