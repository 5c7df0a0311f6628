// Package logger defines the minimal structured logging surface the engine
// depends on, with a phuslu-style default backend and a no-op backend for
// tests.
package logger

// Logger accepts alternating key/value pairs as variadic arguments. The
// interface is deliberately small so callers can adapt whatever logging
// stack they already run.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}
