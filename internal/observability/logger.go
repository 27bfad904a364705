// Package observability defines shared logging primitives for the quoter.
package observability

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes key=value structured lines through a standard library logger.
// Verbose mode adds debug lines; quiet mode keeps warnings and errors only.
type StdLogger struct {
	out     *log.Logger
	verbose bool
	quiet   bool
}

// NewStdLogger constructs a logger writing to w with the given verbosity.
func NewStdLogger(w io.Writer, verbose, quiet bool) *StdLogger {
	return &StdLogger{
		out:     log.New(w, "", log.LstdFlags|log.LUTC|log.Lmsgprefix),
		verbose: verbose,
		quiet:   quiet,
	}
}

// Debug logs a debug-level line when verbose mode is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.verbose || l.quiet {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs an info-level line unless quiet mode is enabled.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l.quiet {
		return
	}
	l.write("INFO", msg, fields)
}

// Warn logs a warning-level line.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.write("WARN", msg, fields)
}

// Error logs an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.out.Printf("%s %s", level, msg)
		return
	}
	var b strings.Builder
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.out.Printf("%s %s%s", level, msg, b.String())
}
