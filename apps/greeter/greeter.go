// Package greeter is a bot that greets whoever writes to it. Its wording comes
// from the application's arguments, and a "/reload" message makes the
// application reload itself so edited arguments take effect.
package greeter

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// Path is the module path greeter is provided under.
const Path = "apps.greeter"

// ReloadCommand is the message text that triggers a self reload.
const ReloadCommand = "/reload"

// Schema describes the arguments greeter accepts.
const Schema = `{
	"type": "object",
	"properties": {
		"greeting": {"type": "string", "minLength": 1, "default": "Hello"},
		"repeat": {"type": "integer", "minimum": 1, "maximum": 5, "default": 1},
		"farewell": {"type": "string"}
	},
	"additionalProperties": false
}`

// Arguments configure a greeter instance.
type Arguments struct {
	Greeting string `json:"greeting"`
	Repeat   int    `json:"repeat"`
	Farewell string `json:"farewell"`
}

// Bot greets senders.
type Bot struct {
	env  *botkeeper.Env
	args Arguments
}

// New is the greeter factory.
func New(env *botkeeper.Env) (botkeeper.Bot, error) {
	b := &Bot{env: env}
	if err := env.Arguments(&b.args); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bot) Setup(context.Context) error {
	b.env.Client.Handle(b.greet)
	return nil
}

func (b *Bot) OnStartup(context.Context) error {
	if id, ok := b.env.Client.Identity(); ok {
		b.env.Logger.Info("greeter ready", "username", id.Username)
	}
	return nil
}

func (b *Bot) OnShutdown(context.Context) error {
	if b.args.Farewell != "" {
		b.env.Logger.Info(b.args.Farewell)
	}
	return nil
}

func (b *Bot) greet(ctx context.Context, msg transport.Message) {
	if strings.TrimSpace(msg.Text) == ReloadCommand {
		b.env.RequestReload()
		return
	}
	if err := b.env.Client.Send(ctx, msg.Reply(b.Greeting(msg.From))); err != nil {
		b.env.Logger.Error("greeting failed", "chat", msg.ChatID, "error", err)
	}
}

// Greeting renders the greeting for name.
func (b *Bot) Greeting(name string) string {
	if name == "" {
		name = "there"
	}
	line := fmt.Sprintf("%s, %s!", b.args.Greeting, name)
	return strings.TrimSpace(strings.Repeat(line+" ", b.args.Repeat))
}

// Load returns the module's symbol table.
func Load() (map[string]botkeeper.Implementation, error) {
	return map[string]botkeeper.Implementation{
		"Application": {Schema: Schema, New: New},
	}, nil
}
