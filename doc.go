// Package botkeeper runs a set of independently configured bot applications in
// one process and lets them be started, stopped, reconfigured and reloaded with
// new code while the process keeps running.
//
// A Manager owns the live applications. It builds each one from an
// ApplicationConfig by resolving the configured module path through a
// registry, validating the arguments against the implementation's JSON Schema
// and dialing a transport client for it:
//
//	reg := registry.New[botkeeper.Implementation]()
//	_ = apps.Provide(reg)
//	store, _ := config.Open("config.json")
//	m, _ := botkeeper.NewManager(store, reg, transport.NewMux())
//	report, _ := m.LoadAll(ctx)
//	_, _ = m.StartAutostart(ctx)
//
// Operations on one application id run strictly in the order they were
// issued. LoadAll, DestroyAll and ReloadAll exclude every other operation
// while they run. Reload keeps running applications running and stopped ones
// stopped.
//
// A stop whose transport release fails still leaves the application stopped so
// it can be torn down; such failures are kept for Audit and counted in the
// release_failures_total metric.
package botkeeper
