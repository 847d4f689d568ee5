package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/botkeeper/config"
)

// LevelCritical sits above slog.LevelError for configurations that ask for it.
const LevelCritical = slog.LevelError + 4

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// loggers holds the three process loggers. Their levels follow the
// configuration and change when it is reloaded.
type loggers struct {
	globalLevel slog.LevelVar
	localLevel  slog.LevelVar
	webLevel    slog.LevelVar

	// Global is for process plumbing such as the config watcher.
	Global *slog.Logger
	// Local is for the manager and the applications it runs.
	Local *slog.Logger
	// Web is for the HTTP access log.
	Web *slog.Logger
}

func newLoggers(w io.Writer) *loggers {
	l := &loggers{}
	l.Global = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &l.globalLevel})).With("logger", "botkeeper")
	l.Local = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &l.localLevel})).With("logger", "apps")
	l.Web = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &l.webLevel})).With("logger", "web")
	return l
}

// apply sets the levels from s. Unknown names leave the level unchanged.
func (l *loggers) apply(s config.Settings) {
	for _, lv := range []struct {
		name  string
		value string
		v     *slog.LevelVar
	}{
		{"global_log_level", s.GlobalLogLevel, &l.globalLevel},
		{"local_log_level", s.LocalLogLevel, &l.localLevel},
		{"web_log_level", s.WebLogLevel, &l.webLevel},
	} {
		level, err := ParseLevel(lv.value)
		if err != nil {
			l.Global.Warn("ignoring log level", "setting", lv.name, "error", err)
			continue
		}
		lv.v.Set(level)
	}
}
