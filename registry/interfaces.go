// Package registry loads and hot-swaps the code units that back application
// implementations.
//
// A unit is made available under a dotted path with Provide. The loader it is
// given plays the part of a module's top-level initialization: running it
// yields a fresh symbol table. The first Resolve of a path runs the loader and
// caches the result; every later Resolve runs it again and replaces the cached
// unit, so code provided after start-up is picked up without restarting the
// process. Values already handed out keep whatever they were built from.
package registry

import "time"

// DefaultSymbol is the symbol looked up when a reference carries none.
const DefaultSymbol = "Application"

// DefaultNamespace is the fallback prefix tried for bare paths.
const DefaultNamespace = "apps"

// Loader executes a unit's initialization and returns its exported symbols.
type Loader[T any] func() (map[string]T, error)

// Resolver is the read side of a registry, used by the lifecycle manager.
type Resolver[T any] interface {
	// Resolve loads (or reloads) the unit named by ref and returns the symbol.
	Resolve(ref string) (Resolved[T], error)
}

// Resolved is the outcome of a successful resolution.
type Resolved[T any] struct {
	Value      T
	Path       string
	Symbol     string
	Generation uint64
}

// Entry describes one cached unit.
type Entry struct {
	Path       string    `json:"path"`
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
	Symbols    []string  `json:"symbols"`
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	namespaces []string
}

// WithNamespaces replaces the fallback prefixes tried for paths that are not
// provided verbatim. Pass none to disable fallback.
func WithNamespaces(ns ...string) Option {
	return func(c *config) { c.namespaces = ns }
}
