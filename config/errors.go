package config

import "errors"

// Static errors for the config package
var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrDuplicateAppID    = errors.New("duplicate application id in config")
	ErrEmptyAppID        = errors.New("application config without id")
	ErrFieldNotSettable  = errors.New("field cannot be set")
	ErrWatcherRunning    = errors.New("config watcher already running")
)
