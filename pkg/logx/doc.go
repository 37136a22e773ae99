// Package logx wraps zerolog behind a small Logger/Field API.
//
// The Service owns the configured sinks (console, stderr, file) and can swap
// them at runtime; Loggers handed out by the Service stay live across Apply().
package logx
