package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logs is the part of observer.ObservedLogs that tests assert on.
type Logs interface {
	Len() int
	All() []observer.LoggedEntry
	TakeAll() []observer.LoggedEntry
	FilterMessage(msg string) *observer.ObservedLogs
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger returns a Logger that records entries at or above level
// in memory. An unparsable level records everything.
func NewObserverLogger(level string) (Logger, Logs) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.DebugLevel
	}

	core, logs := observer.New(lvl)
	return &ZapLogger{zap.New(core)}, logs
}
