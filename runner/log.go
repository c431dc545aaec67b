package runner

import (
	"log/slog"
	"sync/atomic"
)

var loggerPtr atomic.Pointer[slog.Logger]

// SetLogger sets the logger for specialization and dispatch events. nil
// restores the default, which discards everything.
func SetLogger(l *slog.Logger) {
	loggerPtr.Store(l)
}

func slogger() *slog.Logger {
	if l := loggerPtr.Load(); l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
