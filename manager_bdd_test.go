package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/transport/loopback"
)

// Static error variables for BDD steps
var (
	errNotLoaded        = errors.New("application not loaded")
	errUnexpectedState  = errors.New("application in unexpected state")
	errUnexpectedResult = errors.New("unexpected result")
)

type lifecycleBDDContext struct {
	dir         string
	cfgs        []config.AppConfig
	script      *script
	manager     *Manager
	generations map[string]uint64
	loadReport  *BatchReport
	lastErr     error
}

func (c *lifecycleBDDContext) reset(dir string) {
	c.dir = dir
	c.cfgs = nil
	c.script = newScript()
	c.manager = nil
	c.generations = map[string]uint64{}
	c.loadReport = nil
	c.lastErr = nil
}

func (c *lifecycleBDDContext) configPath() string {
	return filepath.Join(c.dir, "config.json")
}

func (c *lifecycleBDDContext) save() error {
	store, err := config.NewMemoryStore(c.configPath(), document(c.cfgs))
	if err != nil {
		return err
	}
	return store.Save()
}

func (c *lifecycleBDDContext) aConfigurationWithApplications(table *godog.Table) error {
	for _, row := range table.Rows[1:] {
		autoStart, err := strconv.ParseBool(row.Cells[1].Value)
		if err != nil {
			return err
		}
		c.cfgs = append(c.cfgs, scriptedConfig(row.Cells[0].Value, autoStart, nil))
	}
	return c.save()
}

func (c *lifecycleBDDContext) applicationUsesTheModule(id, module string) error {
	for i := range c.cfgs {
		if c.cfgs[i].ID == id {
			c.cfgs[i].Module = module
			return c.save()
		}
	}
	return fmt.Errorf("%w: %s", errNotLoaded, id)
}

func (c *lifecycleBDDContext) ensureManager() error {
	if c.manager != nil {
		return nil
	}
	store, err := config.Open(c.configPath())
	if err != nil {
		return err
	}
	reg := registry.New[Implementation]()
	if err := reg.ProvideSymbols("apps.scripted", map[string]Implementation{
		registry.DefaultSymbol: c.script.implementation(""),
	}); err != nil {
		return err
	}
	m, err := NewManager(store, reg, loopback.NewNetwork(),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	if err != nil {
		return err
	}
	c.manager = m
	return nil
}

func (c *lifecycleBDDContext) allApplicationsAreLoaded() error {
	if err := c.ensureManager(); err != nil {
		return err
	}
	report, err := c.manager.LoadAll(context.Background())
	if err != nil {
		return err
	}
	c.loadReport = report
	for _, app := range c.manager.List() {
		c.generations[app.ID()] = app.Generation()
	}
	return nil
}

func (c *lifecycleBDDContext) theAutoStartApplicationsAreStarted() error {
	_, err := c.manager.StartAutostart(context.Background())
	return err
}

func (c *lifecycleBDDContext) applicationIsReloaded(id string) error {
	_, err := c.manager.Reload(context.Background(), id)
	return err
}

func (c *lifecycleBDDContext) issuedWithoutWaiting(first, second, id string) error {
	a := c.manager.Submit(Command{Name: CommandName(first), ID: id})
	b := c.manager.Submit(Command{Name: CommandName(second), ID: id})
	for _, ch := range []<-chan Result{a, b} {
		if r := <-ch; r.Status != StatusSuccess {
			return fmt.Errorf("%w: %s", errUnexpectedResult, r.Message)
		}
	}
	return nil
}

func (c *lifecycleBDDContext) iStartApplication(id string) error {
	_, c.lastErr = c.manager.Start(context.Background(), id)
	return nil
}

func (c *lifecycleBDDContext) theConfigurationFileAddsApplication(id string) error {
	c.cfgs = append(c.cfgs, scriptedConfig(id, false, nil))
	return c.save()
}

func (c *lifecycleBDDContext) theWholeConfigurationIsReloaded() error {
	report, err := c.manager.ReloadAll(context.Background())
	if err != nil {
		return err
	}
	return report.Err()
}

func (c *lifecycleBDDContext) applicationShouldBe(id, state string) error {
	app, ok := c.manager.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", errNotLoaded, id)
	}
	if app.Running() != (state == "running") {
		return fmt.Errorf("%w: %s is not %s", errUnexpectedState, id, state)
	}
	return nil
}

func (c *lifecycleBDDContext) applicationShouldHaveBeenRebuilt(id string) error {
	app, ok := c.manager.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", errNotLoaded, id)
	}
	if app.Generation() <= c.generations[id] {
		return fmt.Errorf("%w: %s still at generation %d", errUnexpectedState, id, app.Generation())
	}
	return nil
}

func (c *lifecycleBDDContext) loadingShouldHaveFailedFor(id string) error {
	if _, failed := c.loadReport.Failed[id]; !failed {
		return fmt.Errorf("%w: no load failure reported for %s", errUnexpectedResult, id)
	}
	return nil
}

func (c *lifecycleBDDContext) applicationShouldBeLoaded(id string) error {
	if _, ok := c.manager.Get(id); !ok {
		return fmt.Errorf("%w: %s", errNotLoaded, id)
	}
	return nil
}

func (c *lifecycleBDDContext) applicationShouldNotBeLoaded(id string) error {
	if _, ok := c.manager.Get(id); ok {
		return fmt.Errorf("%w: %s is loaded", errUnexpectedState, id)
	}
	return nil
}

func (c *lifecycleBDDContext) theOperationShouldFailBecauseUnknown() error {
	if !errors.Is(c.lastErr, ErrUnknownApplication) {
		return fmt.Errorf("%w: got %v", errUnexpectedResult, c.lastErr)
	}
	return nil
}

func initializeLifecycleScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(ctx *godog.ScenarioContext) {
		c := &lifecycleBDDContext{}

		ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
			c.reset(t.TempDir())
			return ctx, nil
		})
		ctx.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
			if c.manager != nil {
				c.script.release()
				_ = c.manager.Close(ctx)
			}
			return ctx, nil
		})

		ctx.Step(`^a configuration with applications:$`, c.aConfigurationWithApplications)
		ctx.Step(`^application "([^"]*)" uses the module "([^"]*)"$`, c.applicationUsesTheModule)
		ctx.Step(`^all applications are loaded$`, c.allApplicationsAreLoaded)
		ctx.Step(`^the auto-start applications are started$`, c.theAutoStartApplicationsAreStarted)
		ctx.Step(`^application "([^"]*)" is reloaded$`, c.applicationIsReloaded)
		ctx.Step(`^"([^"]*)" then "([^"]*)" are issued for "([^"]*)" without waiting$`, c.issuedWithoutWaiting)
		ctx.Step(`^I start application "([^"]*)"$`, c.iStartApplication)
		ctx.Step(`^the configuration file adds application "([^"]*)"$`, c.theConfigurationFileAddsApplication)
		ctx.Step(`^the whole configuration is reloaded$`, c.theWholeConfigurationIsReloaded)
		ctx.Step(`^application "([^"]*)" should be (running|stopped)$`, c.applicationShouldBe)
		ctx.Step(`^application "([^"]*)" should have been rebuilt$`, c.applicationShouldHaveBeenRebuilt)
		ctx.Step(`^loading should have failed for "([^"]*)"$`, c.loadingShouldHaveFailedFor)
		ctx.Step(`^application "([^"]*)" should be loaded$`, c.applicationShouldBeLoaded)
		ctx.Step(`^application "([^"]*)" should not be loaded$`, c.applicationShouldNotBeLoaded)
		ctx.Step(`^the operation should fail because the application is unknown$`, c.theOperationShouldFailBecauseUnknown)
	}
}

// TestManagerLifecycleFeature runs the lifecycle BDD scenarios.
func TestManagerLifecycleFeature(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeLifecycleScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/manager_lifecycle.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
