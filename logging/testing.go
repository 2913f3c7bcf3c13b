package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// tbAppender logs through a testing.TB so each line is attributed to the test that produced it,
// even when tests run in parallel.
type tbAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that writes to tb.Log.
func NewTestAppender(tb testing.TB) Appender {
	return &tbAppender{tb}
}

// Write logs the entry with the test's Log method. The logger name column is kept even when
// empty so the columns line up across subloggers.
func (app *tbAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	app.tb.Helper()
	line, err := formatEntry(entry, fields, true)
	app.tb.Log(line)
	return err
}

// Sync is a no-op.
func (app *tbAppender) Sync() error {
	return nil
}
