package botkeeper

// Logger is the structured logging interface used throughout botkeeper.
// Arguments are alternating key-value pairs:
//
//	logger.Info("application started", "app", "echo")
//
// *slog.Logger satisfies it directly.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
