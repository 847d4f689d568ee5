package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/schema"
	"github.com/GoCodeAlone/botkeeper/transport"
)

// ConfigStore is the configuration the manager reads and persists.
// *config.Store implements it.
type ConfigStore interface {
	// Read parses the backing file from scratch without applying it.
	Read() (*config.Document, error)
	AppConfig(id string) (config.AppConfig, bool)
	AppConfigs() []config.AppConfig
	SetAppConfig(cfg config.AppConfig)
	Replace(doc config.Document)
	Settings() config.Settings
	Save() error
}

// Manager owns the live applications and sequences every lifecycle operation
// on them.
//
// Operations on one id run one at a time, in the order they were issued;
// operations on different ids run concurrently. LoadAll, DestroyAll,
// ReloadAll and Close exclude every other operation while they run. The lock
// order is always phase lock, then lane.
//
// Once begun an operation runs to completion. If the caller's context ends
// first the call returns ErrIndeterminate and the outcome must be observed
// with Get or List rather than by retrying.
type Manager struct {
	*eventHub

	store    ConfigStore
	resolver registry.Resolver[Implementation]
	dialer   transport.Dialer
	logger   Logger
	metrics  *Metrics
	backOff  func() backoff.BackOff
	onApply  []func(config.Settings)
	workers  int

	phase sync.RWMutex
	lanes *laneTable
	apps  cmap.ConcurrentMap[string, *Application]
	pool  *ants.Pool
	leaks *leakLog

	auditor   *cron.Cron
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger. Applications log through it with their id attached.
func WithLogger(l Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics shares a Metrics instance, so it can be exposed by the caller.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithBackOff sets the retry policy for client acquisition. Retries are still
// capped by the acquire_retries setting.
func WithBackOff(fn func() backoff.BackOff) ManagerOption {
	return func(m *Manager) { m.backOff = fn }
}

// WithSettingsHook registers fn to be called with the new settings whenever
// ReloadAll applies a re-read configuration.
func WithSettingsHook(fn func(config.Settings)) ManagerOption {
	return func(m *Manager) { m.onApply = append(m.onApply, fn) }
}

// WithWorkers overrides the workers setting for the fan-out pool.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) { m.workers = n }
}

// NewManager creates a manager. Nothing is loaded until Load or LoadAll.
func NewManager(store ConfigStore, resolver registry.Resolver[Implementation], dialer transport.Dialer, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		store:    store,
		resolver: resolver,
		dialer:   dialer,
		logger:   nopLogger{},
		lanes:    newLaneTable(),
		apps:     cmap.New[*Application](),
		leaks:    &leakLog{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics()
	}
	m.eventHub = newEventHub("botkeeper/manager", m.logger)

	settings := store.Settings()
	if m.workers <= 0 {
		m.workers = settings.Workers
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	pool, err := ants.NewPool(m.workers,
		ants.WithLogger(antsLogger{m.logger}),
		ants.WithPanicHandler(func(p any) {
			m.logger.Error("worker panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	m.pool = pool

	if settings.AuditSchedule != "" {
		if err := m.startAuditor(settings.AuditSchedule); err != nil {
			pool.Release()
			return nil, err
		}
	}
	return m, nil
}

type antsLogger struct{ l Logger }

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Debug(fmt.Sprintf(format, args...))
}

// Ready reports whether the manager still accepts operations.
func (m *Manager) Ready() error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return nil
}

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Get returns the application loaded under id. The view may be transient if an
// operation on id is in flight.
func (m *Manager) Get(id string) (*Application, bool) {
	return m.apps.Get(id)
}

// List returns the loaded applications in configuration order. Applications
// no longer in the configuration follow, sorted by id.
func (m *Manager) List() []*Application {
	items := m.apps.Items()
	out := make([]*Application, 0, len(items))
	for _, cfg := range m.store.AppConfigs() {
		if app, ok := items[cfg.ID]; ok {
			out = append(out, app)
			delete(items, cfg.ID)
		}
	}
	rest := make([]string, 0, len(items))
	for id := range items {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, items[id])
	}
	return out
}

// Infos describes every loaded application, in List order.
func (m *Manager) Infos() []Info {
	apps := m.List()
	out := make([]Info, len(apps))
	for i, app := range apps {
		out[i] = app.Info()
	}
	return out
}

// outcome carries the result of an operation back to its caller.
type outcome[T any] struct {
	val T
	err error
}

// enqueue reserves id's lane synchronously, so operations issued one after
// another run in that order, then runs fn on its own goroutine under the
// phase read lock.
func enqueue[T any](m *Manager, ctx context.Context, op, id string, fn func(context.Context) (T, error)) (<-chan outcome[T], error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	m.phase.RLock()
	if m.closed.Load() {
		m.phase.RUnlock()
		return nil, ErrManagerClosed
	}
	tk := m.lanes.reserve(id)
	out := make(chan outcome[T], 1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer m.phase.RUnlock()
		tk.wait()
		defer tk.done()

		start := time.Now()
		v, err := fn(ctx)
		m.metrics.observe(op, start, err)
		m.refreshCounts()
		out <- outcome[T]{val: v, err: err}
	}()
	return out, nil
}

func await[T any](ctx context.Context, op, id string, ch <-chan outcome[T]) (T, error) {
	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %s %s: %w", ErrIndeterminate, op, id, ctx.Err())
	}
}

func perID[T any](m *Manager, ctx context.Context, op, id string, fn func(context.Context) (T, error)) (T, error) {
	ch, err := enqueue(m, ctx, op, id, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return await(ctx, op, id, ch)
}

// exclusive runs fn with the phase lock held for writing. An operation that
// was waiting for the lock when the manager closed does not run.
func exclusive[T any](m *Manager, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if m.closed.Load() {
		return zero, ErrManagerClosed
	}
	out := make(chan outcome[T], 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		m.phase.Lock()
		defer m.phase.Unlock()
		if m.closed.Load() {
			out <- outcome[T]{err: ErrManagerClosed}
			return
		}
		start := time.Now()
		v, err := fn(bg)
		m.metrics.observe(op, start, err)
		m.refreshCounts()
		out <- outcome[T]{val: v, err: err}
	}()
	return await(ctx, op, "", out)
}

// shared runs fn with the phase lock held for reading. fn takes lanes itself.
func shared[T any](m *Manager, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if m.closed.Load() {
		return zero, ErrManagerClosed
	}
	m.phase.RLock()
	if m.closed.Load() {
		m.phase.RUnlock()
		return zero, ErrManagerClosed
	}
	out := make(chan outcome[T], 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer m.phase.RUnlock()
		start := time.Now()
		v, err := fn(bg)
		m.metrics.observe(op, start, err)
		m.refreshCounts()
		out <- outcome[T]{val: v, err: err}
	}()
	return await(ctx, op, "", out)
}

func (m *Manager) refreshCounts() {
	items := m.apps.Items()
	running := 0
	for _, app := range items {
		if app.Running() {
			running++
		}
	}
	m.metrics.setCounts(len(items), running)
}

// Load builds, registers and sets up the application configured under id.
func (m *Manager) Load(ctx context.Context, id string) (*Application, error) {
	return perID(m, ctx, "load", id, func(ctx context.Context) (*Application, error) {
		return m.load(ctx, id)
	})
}

// Start starts the application loaded under id.
func (m *Manager) Start(ctx context.Context, id string) (*Application, error) {
	return perID(m, ctx, "start", id, func(ctx context.Context) (*Application, error) {
		return m.start(ctx, id)
	})
}

// Stop stops the application loaded under id.
func (m *Manager) Stop(ctx context.Context, id string) (*Application, error) {
	return perID(m, ctx, "stop", id, func(ctx context.Context) (*Application, error) {
		return m.stop(ctx, id)
	})
}

// Restart stops then starts the application loaded under id.
func (m *Manager) Restart(ctx context.Context, id string) (*Application, error) {
	return perID(m, ctx, "restart", id, func(ctx context.Context) (*Application, error) {
		if _, err := m.stop(ctx, id); err != nil {
			if errors.Is(err, ErrUnknownApplication) {
				return nil, err
			}
			m.logger.Warn("stop during restart failed", "app", id, "error", err)
		}
		return m.start(ctx, id)
	})
}

// Destroy stops, tears down and removes the application loaded under id. The
// id can be loaded again afterwards.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	_, err := perID(m, ctx, "destroy", id, func(ctx context.Context) (struct{}, error) {
		app, ok := m.apps.Get(id)
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
		}
		return struct{}{}, m.destroy(ctx, app)
	})
	return err
}

// Reload re-reads the configuration for id from disk, destroys the current
// instance, loads a new one from freshly resolved code and starts it if the
// old one was running. If the configuration cannot be read or no longer
// contains id, the current instance is left untouched.
func (m *Manager) Reload(ctx context.Context, id string) (*Application, error) {
	return perID(m, ctx, "reload", id, func(ctx context.Context) (*Application, error) {
		return m.reload(ctx, id)
	})
}

// UpdateArguments validates args against the implementation's schema,
// persists them to the configuration file and reloads the application.
// Arguments equal to their schema default are not persisted.
func (m *Manager) UpdateArguments(ctx context.Context, id string, args map[string]any) (*Application, error) {
	return perID(m, ctx, "update_arguments", id, func(ctx context.Context) (*Application, error) {
		return m.updateArguments(ctx, id, args)
	})
}

func (m *Manager) updateArguments(ctx context.Context, id string, args map[string]any) (*Application, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArguments, id)
	}
	app, ok := m.apps.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
	}
	if err := app.schema.Validate(args); err != nil {
		return nil, fmt.Errorf("arguments for %s: %w", id, err)
	}
	cfg, ok := m.store.AppConfig(id)
	if !ok {
		cfg = app.Config()
	}
	cfg.Arguments = app.schema.WithoutDefaults(args)
	m.store.SetAppConfig(cfg)
	if err := m.store.Save(); err != nil {
		return nil, fmt.Errorf("persist arguments for %s: %w", id, err)
	}
	return m.reload(ctx, id)
}

// load builds and registers the application. The caller holds id's lane or
// the phase write lock.
func (m *Manager) load(ctx context.Context, id string) (*Application, error) {
	if _, exists := m.apps.Get(id); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	cfg, ok := m.store.AppConfig(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	app, err := m.construct(cfg)
	if err != nil {
		m.emit(EventTypeAppFailed, id, map[string]any{"phase": "load", "error": err.Error()})
		return nil, err
	}
	if !m.apps.SetIfAbsent(id, app) {
		_ = app.teardown(ctx)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := m.setupRegistered(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// setupRegistered runs setup on a registered application. On failure the
// application is removed and torn down.
func (m *Manager) setupRegistered(ctx context.Context, app *Application) error {
	if err := app.setup(ctx); err != nil {
		m.apps.RemoveCb(app.id, func(_ string, v *Application, exists bool) bool {
			return exists && v == app
		})
		if tdErr := app.teardown(ctx); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		app.logger.Error("application setup failed", "error", err)
		m.emit(EventTypeAppFailed, app.id, map[string]any{"phase": "setup", "error": err.Error()})
		return err
	}
	app.logger.Info("application loaded", "module", app.module, "generation", app.generation)
	m.emit(EventTypeAppLoaded, app.id, map[string]any{"module": app.module, "generation": app.generation})
	return nil
}

// construct resolves the implementation, validates arguments and builds the
// instance without registering it.
func (m *Manager) construct(cfg config.AppConfig) (*Application, error) {
	resolved, err := m.resolver.Resolve(cfg.Module)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.ID, err)
	}
	m.metrics.moduleReloads.Inc()
	impl := resolved.Value
	if impl.New == nil {
		return nil, fmt.Errorf("%w: %s has no factory", ErrInvalidImplementation, resolved.Path)
	}

	sch, err := schema.Compile(resolved.Path, impl.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImplementation, err)
	}
	if err := sch.Validate(cfg.Arguments); err != nil {
		return nil, fmt.Errorf("arguments for %s: %w", cfg.ID, err)
	}

	logger := appLogger(m.logger, cfg.ID)
	client, err := m.dialer.Dial(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("dial transport for %s: %w", cfg.ID, err)
	}

	app := &Application{
		id:         cfg.ID,
		cfg:        cfg.Clone(),
		args:       sch.WithDefaults(cfg.Arguments),
		schema:     sch,
		module:     resolved.Path,
		generation: resolved.Generation,
		client:     client,
		logger:     logger,
		manager:    m,
		retries:    m.store.Settings().AcquireRetries,
		backOff:    m.backOff,
	}
	env := &Env{ID: cfg.ID, Client: client, Logger: logger, args: app.args, app: app}

	bot, err := buildBot(impl.New, env)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: construct %s: %w", ErrSetupFailed, cfg.ID, err)
	}
	if bot == nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s factory returned no bot", ErrInvalidImplementation, resolved.Path)
	}
	app.bot = bot
	return app, nil
}

func buildBot(factory Factory, env *Env) (bot Bot, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()
	return factory(env)
}

func (m *Manager) start(ctx context.Context, id string) (*Application, error) {
	app, ok := m.apps.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
	}
	wasRunning := app.Running()
	_, err := app.Start(ctx)
	switch {
	case err != nil && !app.Running():
		m.emit(EventTypeAppFailed, id, map[string]any{"phase": "start", "error": err.Error()})
	case !wasRunning && app.Running():
		m.emit(EventTypeAppStarted, id, nil)
	}
	return app, err
}

func (m *Manager) stop(ctx context.Context, id string) (*Application, error) {
	app, ok := m.apps.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
	}
	wasRunning := app.Running()
	_, err := app.Stop(ctx)
	if wasRunning {
		m.emit(EventTypeAppStopped, id, nil)
	}
	return app, err
}

// destroy stops, tears down and removes app. Removal happens even if stop or
// teardown failed.
func (m *Manager) destroy(ctx context.Context, app *Application) error {
	_, stopErr := app.Stop(ctx)
	tdErr := app.teardown(ctx)
	m.apps.RemoveCb(app.id, func(_ string, v *Application, exists bool) bool {
		return exists && v == app
	})
	err := errors.Join(stopErr, tdErr)
	if err != nil {
		app.logger.Warn("application destroyed with errors", "error", err)
	} else {
		app.logger.Info("application destroyed")
	}
	m.emit(EventTypeAppDestroyed, app.id, nil)
	return err
}

func (m *Manager) reload(ctx context.Context, id string) (*Application, error) {
	old, ok := m.apps.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
	}
	doc, err := m.store.Read()
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", id, err)
	}
	cfg, ok := doc.AppConfig(id)
	if !ok {
		return nil, fmt.Errorf("reload %s: %w", id, ErrConfigNotFound)
	}

	wasRunning := old.Running()
	m.store.SetAppConfig(cfg)
	var errs []error
	if err := m.destroy(ctx, old); err != nil {
		errs = append(errs, err)
	}
	app, err := m.load(ctx, id)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	if wasRunning {
		if _, err := m.start(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	app.logger.Info("application reloaded", "generation", app.generation, "running", app.Running())
	m.emit(EventTypeAppReloaded, id, map[string]any{"generation": app.generation})
	return app, errors.Join(errs...)
}

// Close destroys every application and stops the manager. Later operations
// fail with ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		out := make(chan error, 1)
		m.closed.Store(true)
		go func() {
			m.phase.Lock()
			report := m.destroyAll(context.WithoutCancel(ctx))
			m.phase.Unlock()
			m.refreshCounts()

			if m.auditor != nil {
				<-m.auditor.Stop().Done()
			}
			m.pool.Release()
			out <- report.Err()
		}()
		select {
		case m.closeErr = <-out:
		case <-ctx.Done():
			m.closeErr = fmt.Errorf("%w: close: %w", ErrIndeterminate, ctx.Err())
		}
	})
	return m.closeErr
}
