package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/schema"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// Application is one loaded instance of an implementation. It owns its
// transport client and moves between stopped and running. Lifecycle calls on
// one Application are serialized; the manager additionally serializes every
// operation on the same id.
//
// Lifecycle hooks run while the application's lifecycle lock is held, so they
// must not call Start, Stop, Restart or Reload on their own application. Use
// Env.RequestReload instead.
type Application struct {
	id         string
	cfg        config.AppConfig
	args       map[string]any
	schema     *schema.Schema
	module     string
	generation uint64

	bot     Bot
	client  transport.Client
	logger  Logger
	manager *Manager

	retries int
	backOff func() backoff.BackOff

	op       sync.Mutex
	mu       sync.RWMutex
	running  bool
	setUp    bool
	tornDown bool
}

// ID returns the application id.
func (a *Application) ID() string { return a.id }

// Config returns a copy of the configuration the instance was built from.
func (a *Application) Config() config.AppConfig { return a.cfg.Clone() }

// Module returns the resolved module path the implementation came from.
func (a *Application) Module() string { return a.module }

// Generation is the registry generation of the module unit the instance was
// built from. A reload that picks up new code yields a higher generation.
func (a *Application) Generation() uint64 { return a.generation }

// Bot returns the implementation instance.
func (a *Application) Bot() Bot { return a.bot }

// Client returns the transport client the application owns.
func (a *Application) Client() transport.Client { return a.client }

// Logger returns the application-scoped logger.
func (a *Application) Logger() Logger { return a.logger }

// Running reports whether the application is receiving.
func (a *Application) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *Application) setRunning(v bool) {
	a.mu.Lock()
	a.running = v
	a.mu.Unlock()
}

func (a *Application) isTornDown() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tornDown
}

// setup runs the bot's Setup once.
func (a *Application) setup(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()
	if a.setUp {
		return nil
	}
	if err := callHook(ctx, "setup", a.bot.Setup); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSetupFailed, a.id, err)
	}
	a.setUp = true
	return nil
}

// Start acquires the client, begins receiving and runs the startup hook.
// Starting a running application does nothing. If acquisition fails the
// application stays stopped and anything already acquired is released. A
// failing startup hook is reported, but the application remains running.
func (a *Application) Start(ctx context.Context) (*Application, error) {
	a.op.Lock()
	defer a.op.Unlock()

	if a.isTornDown() {
		return a, fmt.Errorf("%w: %s", ErrAlreadyTornDown, a.id)
	}
	if a.Running() {
		a.logger.Info("application already running")
		return a, nil
	}

	if err := a.acquire(ctx); err != nil {
		return a, fmt.Errorf("acquire client for %s: %w", a.id, err)
	}
	if err := a.client.BeginReceiving(ctx); err != nil {
		if rerr := a.client.Release(ctx); rerr != nil {
			a.manager.recordLeak(a, rerr)
		}
		return a, fmt.Errorf("begin receiving for %s: %w", a.id, err)
	}
	a.setRunning(true)
	a.logger.Info("application started")

	if h, ok := a.bot.(StartupAware); ok {
		if err := callHook(ctx, "startup", h.OnStartup); err != nil {
			a.logger.Error("startup hook failed", "error", err)
			return a, fmt.Errorf("%w: startup of %s: %w", ErrHookFailed, a.id, err)
		}
	}
	return a, nil
}

func (a *Application) acquire(ctx context.Context) error {
	retries := a.retries
	if retries < 0 {
		retries = 0
	}
	var b backoff.BackOff
	if a.backOff != nil {
		b = a.backOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := a.client.Acquire(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrAlreadyAcquired):
			return backoff.Permanent(err)
		}
		a.logger.Warn("client acquisition failed", "attempt", attempt, "error", err)
		return err
	}, b)
}

// Stop runs the shutdown hook, stops receiving and releases the client. The
// application ends up stopped even when a step fails; release failures are
// recorded as leaks for the audit.
func (a *Application) Stop(ctx context.Context) (*Application, error) {
	a.op.Lock()
	defer a.op.Unlock()

	if !a.Running() {
		a.logger.Info("application already stopped")
		return a, nil
	}

	var errs []error
	if h, ok := a.bot.(ShutdownAware); ok {
		if err := callHook(ctx, "shutdown", h.OnShutdown); err != nil {
			errs = append(errs, fmt.Errorf("%w: shutdown of %s: %w", ErrHookFailed, a.id, err))
		}
	}
	if err := a.client.StopReceiving(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop receiving for %s: %w", a.id, err))
	}
	if err := a.client.Release(ctx); err != nil {
		a.manager.recordLeak(a, err)
		errs = append(errs, fmt.Errorf("release client for %s: %w", a.id, err))
	}
	a.setRunning(false)
	a.logger.Info("application stopped")
	return a, errors.Join(errs...)
}

// Restart stops then starts the application. It is not atomic: a failed start
// leaves the application stopped.
func (a *Application) Restart(ctx context.Context) (*Application, error) {
	if _, err := a.Stop(ctx); err != nil {
		a.logger.Warn("stop during restart failed", "error", err)
	}
	return a.Start(ctx)
}

// Reload asks the owning manager to reload this application and waits for it.
func (a *Application) Reload(ctx context.Context) error {
	_, err := a.manager.Reload(ctx, a.id)
	return err
}

// RequestReload queues a reload without waiting.
func (a *Application) RequestReload() <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- <-a.manager.Submit(Command{Name: CommandReload, ID: a.id})
	}()
	return out
}

// teardown runs once, after the final stop, and closes the client.
func (a *Application) teardown(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	switch {
	case a.running:
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeardownWhileRunning, a.id)
	case a.tornDown:
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTornDown, a.id)
	}
	a.tornDown = true
	a.mu.Unlock()

	var errs []error
	if h, ok := a.bot.(TeardownAware); ok {
		if err := callHook(ctx, "teardown", h.OnTeardown); err != nil {
			errs = append(errs, fmt.Errorf("%w: teardown of %s: %w", ErrHookFailed, a.id, err))
		}
	}
	if err := a.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client for %s: %w", a.id, err))
	}
	return errors.Join(errs...)
}

// Info is the externally visible description of an application.
type Info struct {
	ID         string              `json:"id"`
	Module     string              `json:"module"`
	Token      string              `json:"telegram_token"`
	Running    bool                `json:"running"`
	AutoStart  bool                `json:"auto_start"`
	Generation uint64              `json:"generation"`
	Bot        *transport.Identity `json:"bot,omitempty"`
	Arguments  map[string]any      `json:"config"`
}

// Info describes the application. The token is masked.
func (a *Application) Info() Info {
	info := Info{
		ID:         a.id,
		Module:     a.module,
		Token:      maskToken(a.cfg.Token),
		Running:    a.Running(),
		AutoStart:  a.cfg.AutoStart,
		Generation: a.generation,
		Arguments:  a.schema.WithDefaults(a.args),
	}
	if id, ok := a.client.Identity(); ok {
		info.Bot = &id
	}
	return info
}

// maskToken keeps the bot id part of a "<id>:<secret>" token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if prefix, _, ok := strings.Cut(token, ":"); ok {
		return prefix + ":****"
	}
	return "****"
}

// callHook runs fn, converting a panic into an error.
func callHook(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", name, p)
		}
	}()
	return fn(ctx)
}
