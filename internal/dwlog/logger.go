// Package dwlog provides the process-wide logging capability used by the
// streaming engine.
//
// The original FFADO/FreeBoB sources route everything through a global
// debugOutput()/text_color_set() pair keyed on a process-wide verbosity
// level. That global state is deliberately not carried forward here: every
// component that wants to log is handed a *Logger explicitly, with a
// lifecycle tied to whoever constructed it, rather than reaching for a
// package-level variable.
package dwlog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Logger is the capability passed into Managers, StreamProcessors and
// TimestampedBuffers that want to report xruns, DLL lock loss, malformed
// packets, and lifecycle transitions.
type Logger struct {
	l *log.Logger
}

// Option configures a Logger at construction time.
type Option func(*log.Options)

// WithLevel sets the minimum level that will be emitted.
func WithLevel(level log.Level) Option {
	return func(o *log.Options) {
		o.Level = level
	}
}

// WithPrefix tags every message from this Logger, e.g. with the owning
// StreamProcessor's channel name.
func WithPrefix(prefix string) Option {
	return func(o *log.Options) {
		o.Prefix = prefix
	}
}

// New builds a Logger writing to w (typically os.Stderr).
func New(w io.Writer, opts ...Option) *Logger {
	var options log.Options
	options.ReportTimestamp = true

	for _, opt := range opts {
		opt(&options)
	}

	return &Logger{l: log.NewWithOptions(w, options)}
}

// Discard returns a Logger that drops everything; useful in tests that don't
// care about log output but still need to satisfy the constructor contract.
func Discard() *Logger {
	return New(io.Discard)
}

// Default returns a Logger writing to stderr at info level, for callers
// that just want reasonable defaults.
func Default() *Logger {
	return New(os.Stderr, WithLevel(log.InfoLevel))
}

// With returns a derived Logger that attaches the given key/value pairs to
// every message, without
// mutating the receiver - used so a Manager can hand each StreamProcessor
// its own tagged view of the same underlying sink.
func (lg *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{l: lg.l.With(keyvals...)}
}

func (lg *Logger) Debugf(format string, args ...interface{}) { lg.l.Debugf(format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})  { lg.l.Infof(format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.l.Warnf(format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.l.Errorf(format, args...) }
