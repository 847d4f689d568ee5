package botkeeper

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/schema"
)

// Errors returned by the manager and applications. Callers should match them
// with errors.Is; most are wrapped with the id or module they concern.
var (
	// Configuration and lookup
	ErrConfigNotFound     = errors.New("application config not found")
	ErrDuplicateID        = errors.New("application already loaded")
	ErrUnknownApplication = errors.New("no application loaded with that id")

	// Module resolution, shared with the registry package
	ErrModuleResolution = registry.ErrResolution
	ErrModuleNotFound   = registry.ErrModuleNotFound
	ErrSymbolNotFound   = registry.ErrSymbolNotFound

	// Argument validation, shared with the schema package
	ErrValidation = schema.ErrValidation

	// Lifecycle
	ErrInvalidImplementation = errors.New("invalid implementation")
	ErrSetupFailed           = errors.New("application setup failed")
	ErrHookFailed            = errors.New("lifecycle hook failed")
	ErrTeardownWhileRunning  = errors.New("cannot tear down a running application")
	ErrAlreadyTornDown       = errors.New("application already torn down")
	ErrEmptyArguments        = errors.New("new arguments are empty")

	// Manager
	ErrIndeterminate  = errors.New("operation outcome indeterminate")
	ErrManagerClosed  = errors.New("manager closed")
	ErrUnknownCommand = errors.New("unknown command")
)

// BatchError collects the per-application failures of a batch operation.
type BatchError struct {
	Op       string
	Failures map[string]error
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %d application(s)", e.Op, len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, "; %s: %v", id, e.Failures[id])
	}
	return b.String()
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}
