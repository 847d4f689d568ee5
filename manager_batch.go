package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GoCodeAlone/botkeeper/config"
)

// BatchReport is the per-application outcome of a batch operation. A failure
// for one id never stops the others.
type BatchReport struct {
	Op        string           `json:"op"`
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"-"`

	mu sync.Mutex
}

func newBatchReport(op string) *BatchReport {
	return &BatchReport{Op: op, Succeeded: []string{}, Failed: map[string]error{}}
}

func (r *BatchReport) record(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if prev, ok := r.Failed[id]; ok {
			err = errors.Join(prev, err)
		}
		r.Failed[id] = err
		return
	}
	r.Succeeded = append(r.Succeeded, id)
}

// absorb folds another report's failures into r. Successes are not copied:
// the outer operation decides what success means.
func (r *BatchReport) absorb(other *BatchReport) {
	for id, err := range other.Failed {
		r.record(id, err)
	}
}

func (r *BatchReport) finish() *BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.Succeeded[:0]
	seen := make(map[string]bool, len(r.Succeeded))
	for _, id := range r.Succeeded {
		if _, failed := r.Failed[id]; failed || seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, id)
	}
	r.Succeeded = kept
	sort.Strings(r.Succeeded)
	return r
}

// Err returns a *BatchError if any application failed.
func (r *BatchReport) Err() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Failed) == 0 {
		return nil
	}
	failures := make(map[string]error, len(r.Failed))
	for id, err := range r.Failed {
		failures[id] = err
	}
	return &BatchError{Op: r.Op, Failures: failures}
}

// FailureMessages renders failures as strings, for JSON responses.
func (r *BatchReport) FailureMessages() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.Failed))
	for id, err := range r.Failed {
		out[id] = err.Error()
	}
	return out
}

// fanOut runs fn for every id on the worker pool and waits for all of them.
func (m *Manager) fanOut(ctx context.Context, op string, ids []string, fn func(ctx context.Context, id string) error) *BatchReport {
	report := newBatchReport(op)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			report.record(id, fn(ctx, id))
		})
		if err != nil {
			wg.Done()
			report.record(id, fmt.Errorf("schedule %s: %w", op, err))
		}
	}
	wg.Wait()
	return report.finish()
}

func (m *Manager) loadedIDs() []string {
	ids := m.apps.Keys()
	sort.Strings(ids)
	return ids
}

// LoadAll loads every configured application in two phases: all instances are
// constructed and registered first, then every setup runs concurrently.
// Ids that are already loaded are reported as duplicates.
func (m *Manager) LoadAll(ctx context.Context) (*BatchReport, error) {
	return exclusive(m, ctx, "load_all", func(ctx context.Context) (*BatchReport, error) {
		return m.loadAll(ctx), nil
	})
}

func (m *Manager) loadAll(ctx context.Context) *BatchReport {
	report := newBatchReport("load_all")
	var registered []*Application
	for _, cfg := range m.store.AppConfigs() {
		if _, exists := m.apps.Get(cfg.ID); exists {
			report.record(cfg.ID, fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID))
			continue
		}
		app, err := m.construct(cfg)
		if err != nil {
			m.logger.Error("failed to load application", "app", cfg.ID, "error", err)
			m.emit(EventTypeAppFailed, cfg.ID, map[string]any{"phase": "load", "error": err.Error()})
			report.record(cfg.ID, err)
			continue
		}
		if !m.apps.SetIfAbsent(cfg.ID, app) {
			_ = app.teardown(ctx)
			report.record(cfg.ID, fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID))
			continue
		}
		registered = append(registered, app)
	}

	byID := make(map[string]*Application, len(registered))
	ids := make([]string, 0, len(registered))
	for _, app := range registered {
		byID[app.id] = app
		ids = append(ids, app.id)
	}
	setups := m.fanOut(ctx, "load_all", ids, func(ctx context.Context, id string) error {
		return m.setupRegistered(ctx, byID[id])
	})
	for id := range setups.Failed {
		app := byID[id]
		// Setup never ran, so the application is still registered.
		removed := m.apps.RemoveCb(id, func(_ string, v *Application, exists bool) bool {
			return exists && v == app
		})
		if removed {
			_ = app.teardown(ctx)
		}
	}
	report.absorb(setups)
	report.Succeeded = append(report.Succeeded, setups.Succeeded...)
	return report.finish()
}

// StartAll starts every loaded application concurrently.
func (m *Manager) StartAll(ctx context.Context) (*BatchReport, error) {
	return shared(m, ctx, "start_all", func(ctx context.Context) (*BatchReport, error) {
		return m.startEach(ctx, "start_all", m.loadedIDs()), nil
	})
}

// StopAll stops every loaded application concurrently.
func (m *Manager) StopAll(ctx context.Context) (*BatchReport, error) {
	return shared(m, ctx, "stop_all", func(ctx context.Context) (*BatchReport, error) {
		return m.fanOut(ctx, "stop_all", m.loadedIDs(), func(ctx context.Context, id string) error {
			return m.lanes.run(id, func() error {
				_, err := m.stop(ctx, id)
				return err
			})
		}), nil
	})
}

// RestartAll restarts every loaded application concurrently.
func (m *Manager) RestartAll(ctx context.Context) (*BatchReport, error) {
	return shared(m, ctx, "restart_all", func(ctx context.Context) (*BatchReport, error) {
		return m.fanOut(ctx, "restart_all", m.loadedIDs(), func(ctx context.Context, id string) error {
			return m.lanes.run(id, func() error {
				if _, err := m.stop(ctx, id); err != nil {
					m.logger.Warn("stop during restart failed", "app", id, "error", err)
				}
				_, err := m.start(ctx, id)
				return err
			})
		}), nil
	})
}

// StartAutostart starts every loaded application whose configuration has
// auto_start set.
func (m *Manager) StartAutostart(ctx context.Context) (*BatchReport, error) {
	return shared(m, ctx, "start_autostart", func(ctx context.Context) (*BatchReport, error) {
		var ids []string
		for _, id := range m.loadedIDs() {
			if app, ok := m.apps.Get(id); ok && app.cfg.AutoStart {
				ids = append(ids, id)
			}
		}
		report := m.startEach(ctx, "start_autostart", ids)
		for _, id := range report.Succeeded {
			m.logger.Info(id + " auto started")
		}
		return report, nil
	})
}

// startEach starts ids concurrently, each under its lane. The caller holds the
// phase read lock.
func (m *Manager) startEach(ctx context.Context, op string, ids []string) *BatchReport {
	return m.fanOut(ctx, op, ids, func(ctx context.Context, id string) error {
		return m.lanes.run(id, func() error {
			_, err := m.start(ctx, id)
			return err
		})
	})
}

// DestroyAll stops every application concurrently, then tears all of them down
// and clears the collection.
func (m *Manager) DestroyAll(ctx context.Context) (*BatchReport, error) {
	return exclusive(m, ctx, "destroy_all", func(ctx context.Context) (*BatchReport, error) {
		return m.destroyAll(ctx), nil
	})
}

func (m *Manager) destroyAll(ctx context.Context) *BatchReport {
	ids := m.loadedIDs()
	report := m.fanOut(ctx, "destroy_all", ids, func(ctx context.Context, id string) error {
		_, err := m.stop(ctx, id)
		return err
	})
	report.Succeeded = report.Succeeded[:0]
	for _, id := range ids {
		app, ok := m.apps.Get(id)
		if !ok {
			continue
		}
		report.record(id, m.destroy(ctx, app))
	}
	return report.finish()
}

// ReloadAll re-reads the configuration file and rebuilds everything from it:
// settings are applied, every application is destroyed, the new set is
// loaded, and exactly the applications that were running before and still
// exist are started again. A file that cannot be read aborts before anything
// is destroyed.
func (m *Manager) ReloadAll(ctx context.Context) (*BatchReport, error) {
	return exclusive(m, ctx, "reload_all", func(ctx context.Context) (*BatchReport, error) {
		doc, err := m.store.Read()
		if err != nil {
			return nil, fmt.Errorf("reload_all: %w", err)
		}

		var wereRunning []string
		for _, id := range m.loadedIDs() {
			if app, ok := m.apps.Get(id); ok && app.Running() {
				wereRunning = append(wereRunning, id)
			}
		}

		m.store.Replace(*doc)
		m.applySettings(doc.Settings)

		report := newBatchReport("reload_all")
		destroyed := m.destroyAll(ctx)
		report.absorb(destroyed)
		loaded := m.loadAll(ctx)
		report.absorb(loaded)

		var restart []string
		for _, id := range wereRunning {
			if _, ok := m.apps.Get(id); ok {
				restart = append(restart, id)
			}
		}
		started := m.fanOut(ctx, "reload_all", restart, func(ctx context.Context, id string) error {
			_, err := m.start(ctx, id)
			return err
		})
		report.absorb(started)
		report.Succeeded = append(report.Succeeded, loaded.Succeeded...)

		m.logger.Info("configuration reloaded", "apps", len(doc.AppConfigs), "restarted", len(started.Succeeded))
		m.emit(EventTypeConfigReloaded, "", map[string]any{"apps": len(doc.AppConfigs), "restarted": started.Succeeded})
		return report.finish(), nil
	})
}

func (m *Manager) applySettings(s config.Settings) {
	if s.Workers > 0 && s.Workers != m.pool.Cap() {
		m.pool.Tune(s.Workers)
	}
	for _, fn := range m.onApply {
		fn(s)
	}
}
