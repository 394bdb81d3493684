// Package logx is alertdesk's structured logging wrapper around zerolog.
//
// Loggers are values: pass them by value, derive component loggers with
// With(Component("name")), and treat the zero value as a no-op. A Service
// owns the sinks (console or JSON on stdout, optional append-only file) and
// swaps them on config reload without invalidating loggers already handed out.
package logx
