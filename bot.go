package botkeeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/botkeeper/transport"
)

// Bot is the code of one application instance. Setup runs once, after
// construction and before the first start, and is where handlers are wired on
// the client.
type Bot interface {
	Setup(ctx context.Context) error
}

// StartupAware is implemented by bots that act once the client is receiving.
type StartupAware interface {
	OnStartup(ctx context.Context) error
}

// ShutdownAware is implemented by bots that act before the client stops receiving.
type ShutdownAware interface {
	OnShutdown(ctx context.Context) error
}

// TeardownAware is implemented by bots that release their own resources when
// the application is destroyed.
type TeardownAware interface {
	OnTeardown(ctx context.Context) error
}

// Factory builds a Bot for one application instance.
type Factory func(env *Env) (Bot, error)

// Implementation is what a module exports under its symbol name.
type Implementation struct {
	// Schema is a JSON Schema for the application's arguments. Empty accepts any object.
	Schema string
	New    Factory
}

// Env is handed to a Factory. It carries everything an instance may use.
type Env struct {
	ID     string
	Client transport.Client
	Logger Logger

	args map[string]any
	app  *Application
}

// Arguments decodes the validated arguments, with schema defaults filled in,
// into target.
func (e *Env) Arguments(target any) error {
	raw, err := json.Marshal(e.args)
	if err != nil {
		return fmt.Errorf("encode arguments of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode arguments of %s: %w", e.ID, err)
	}
	return nil
}

// RawArguments returns a copy of the validated arguments.
func (e *Env) RawArguments() map[string]any {
	out := make(map[string]any, len(e.args))
	for k, v := range e.args {
		out[k] = v
	}
	return out
}

// RequestReload asks the manager to reload this application. The request is
// queued behind any operation already pending for the id and runs on its own
// goroutine, so it is safe to call from handlers and hooks.
func (e *Env) RequestReload() <-chan Result {
	return e.app.RequestReload()
}
