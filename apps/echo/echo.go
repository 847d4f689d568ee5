// Package echo is a bot that answers every text message with the same text.
package echo

import (
	"context"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// Path is the module path echo is provided under.
const Path = "apps.echo"

// Schema describes the arguments echo accepts.
const Schema = `{
	"type": "object",
	"properties": {
		"prefix": {"type": "string", "default": ""}
	},
	"additionalProperties": false
}`

// Arguments configure an echo instance.
type Arguments struct {
	Prefix string `json:"prefix"`
}

// Bot echoes messages back to the chat they came from.
type Bot struct {
	env  *botkeeper.Env
	args Arguments
}

// New is the echo factory.
func New(env *botkeeper.Env) (botkeeper.Bot, error) {
	b := &Bot{env: env}
	if err := env.Arguments(&b.args); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bot) Setup(context.Context) error {
	b.env.Client.Handle(b.echo)
	return nil
}

func (b *Bot) echo(ctx context.Context, msg transport.Message) {
	if msg.Text == "" {
		return
	}
	if err := b.env.Client.Send(ctx, msg.Reply(b.args.Prefix+msg.Text)); err != nil {
		b.env.Logger.Error("echo reply failed", "chat", msg.ChatID, "error", err)
	}
}

// Load returns the module's symbol table.
func Load() (map[string]botkeeper.Implementation, error) {
	return map[string]botkeeper.Implementation{
		"Application": {Schema: Schema, New: New},
	}, nil
}
