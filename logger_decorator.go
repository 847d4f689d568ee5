package botkeeper

// ValueInjectionLogger adds a fixed set of key-value pairs to every log call.
// Each application logs through one that carries its id.
type ValueInjectionLogger struct {
	inner        Logger
	injectedArgs []any
}

// NewValueInjectionLogger wraps inner so every event carries injectedArgs first.
func NewValueInjectionLogger(inner Logger, injectedArgs ...any) *ValueInjectionLogger {
	if inner == nil {
		inner = nopLogger{}
	}
	return &ValueInjectionLogger{inner: inner, injectedArgs: injectedArgs}
}

// Inner returns the wrapped logger.
func (d *ValueInjectionLogger) Inner() Logger { return d.inner }

func (d *ValueInjectionLogger) combineArgs(originalArgs []any) []any {
	if len(d.injectedArgs) == 0 {
		return originalArgs
	}
	if len(originalArgs) == 0 {
		return d.injectedArgs
	}
	combined := make([]any, 0, len(d.injectedArgs)+len(originalArgs))
	combined = append(combined, d.injectedArgs...)
	combined = append(combined, originalArgs...)
	return combined
}

func (d *ValueInjectionLogger) Info(msg string, args ...any) {
	d.inner.Info(msg, d.combineArgs(args)...)
}

func (d *ValueInjectionLogger) Error(msg string, args ...any) {
	d.inner.Error(msg, d.combineArgs(args)...)
}

func (d *ValueInjectionLogger) Warn(msg string, args ...any) {
	d.inner.Warn(msg, d.combineArgs(args)...)
}

func (d *ValueInjectionLogger) Debug(msg string, args ...any) {
	d.inner.Debug(msg, d.combineArgs(args)...)
}

// appLogger scopes a logger to one application.
func appLogger(inner Logger, id string) Logger {
	return NewValueInjectionLogger(inner, "app", id)
}
