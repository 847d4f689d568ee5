package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Static errors for registry package
var (
	ErrResolution     = errors.New("module resolution failed")
	ErrModuleNotFound = fmt.Errorf("%w: module not found", ErrResolution)
	ErrSymbolNotFound = fmt.Errorf("%w: symbol not found", ErrResolution)
	ErrEmptyReference = fmt.Errorf("%w: empty reference", ErrResolution)
	ErrNilLoader      = errors.New("loader must not be nil")
)

type unit[T any] struct {
	symbols    map[string]T
	generation uint64
	loadedAt   time.Time
}

// Registry is a cache of loaded units keyed by path.
type Registry[T any] struct {
	mu      sync.Mutex
	sources map[string]Loader[T]
	units   map[string]*unit[T]
	cfg     config
}

// New creates an empty registry.
func New[T any](opts ...Option) *Registry[T] {
	cfg := config{namespaces: []string{DefaultNamespace}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry[T]{
		sources: make(map[string]Loader[T]),
		units:   make(map[string]*unit[T]),
		cfg:     cfg,
	}
}

// Provide makes a unit available under path. Providing an existing path swaps
// its source; the cached unit is left alone until the next Resolve.
func (r *Registry[T]) Provide(path string, loader Loader[T]) error {
	if loader == nil {
		return fmt.Errorf("%w: %s", ErrNilLoader, path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[path] = loader
	return nil
}

// ProvideSymbols is Provide for a static symbol table.
func (r *Registry[T]) ProvideSymbols(path string, symbols map[string]T) error {
	return r.Provide(path, func() (map[string]T, error) {
		out := make(map[string]T, len(symbols))
		for k, v := range symbols {
			out[k] = v
		}
		return out, nil
	})
}

// ParseRef splits "path[:Symbol]" into its parts, defaulting the symbol.
func ParseRef(ref string) (path, symbol string) {
	path, symbol, _ = strings.Cut(strings.TrimSpace(ref), ":")
	if symbol == "" {
		symbol = DefaultSymbol
	}
	return path, symbol
}

// Resolve loads the unit named by ref on first use and reloads it on every
// later use, then looks up the symbol.
func (r *Registry[T]) Resolve(ref string) (Resolved[T], error) {
	var zero Resolved[T]
	path, symbol := ParseRef(ref)
	if path == "" {
		return zero, fmt.Errorf("%w: %q", ErrEmptyReference, ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, loader, ok := r.lookup(path)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
	}

	symbols, err := r.run(resolved, loader)
	if err != nil {
		return zero, fmt.Errorf("%w: loading %s: %w", ErrResolution, resolved, err)
	}

	u := &unit[T]{symbols: symbols, loadedAt: time.Now()}
	if prev, cached := r.units[resolved]; cached {
		u.generation = prev.generation + 1
	} else {
		u.generation = 1
	}
	r.units[resolved] = u

	value, ok := symbols[symbol]
	if !ok {
		return zero, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, resolved)
	}
	return Resolved[T]{Value: value, Path: resolved, Symbol: symbol, Generation: u.generation}, nil
}

func (r *Registry[T]) lookup(path string) (string, Loader[T], bool) {
	if l, ok := r.sources[path]; ok {
		return path, l, true
	}
	for _, ns := range r.cfg.namespaces {
		candidate := ns + "." + path
		if l, ok := r.sources[candidate]; ok {
			return candidate, l, true
		}
	}
	return "", nil, false
}

// run executes a loader, turning a panic during initialization into an error.
func (r *Registry[T]) run(path string, loader Loader[T]) (symbols map[string]T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initialization of %s panicked: %v", path, p)
		}
	}()
	symbols, err = loader()
	if err == nil && symbols == nil {
		symbols = map[string]T{}
	}
	return symbols, err
}

// Loaded returns a snapshot of the cached units, sorted by path.
func (r *Registry[T]) Loaded() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.units))
	for path, u := range r.units {
		syms := make([]string, 0, len(u.symbols))
		for name := range u.symbols {
			syms = append(syms, name)
		}
		sort.Strings(syms)
		out = append(out, Entry{Path: path, Generation: u.generation, LoadedAt: u.loadedAt, Symbols: syms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns every provided path, sorted.
func (r *Registry[T]) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sources))
	for p := range r.sources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
