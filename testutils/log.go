// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"testing"

	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewLogger returns a debug level logger writing through tb.Log, so bus traffic logs show up next
// to the failing test.
func NewLogger(tb testing.TB) golog.Logger {
	logger, _ := NewObservedLogger(tb)
	return logger
}

// NewObservedLogger returns a NewLogger logger whose entries are also recorded, for tests that
// assert a retry or a recovery was logged.
func NewObservedLogger(tb testing.TB) (golog.Logger, *observer.ObservedLogs) {
	tb.Helper()
	recorder, logs := observer.New(zapcore.DebugLevel)
	tee := zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, recorder)
	})
	return zaptest.NewLogger(tb, zaptest.Level(zapcore.DebugLevel), zaptest.WrapOptions(tee)).Sugar(), logs
}

// MessagesAt returns the messages recorded at level, oldest first.
func MessagesAt(logs *observer.ObservedLogs, level zapcore.Level) []string {
	entries := logs.FilterLevelExact(level).All()
	msgs := make([]string, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, entry.Message)
	}
	return msgs
}
