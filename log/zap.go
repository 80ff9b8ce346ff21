package log

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NilLogger is a not initialized logger. It will panic if you'll call methods on it.
var NilLogger Log

// Log is an exported type that wraps a zap logger.
type Log struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	lvl    *zap.AtomicLevel
}

// Info prints formatted info level log message.
func (l Log) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Debug prints formatted debug level log message.
func (l Log) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Error prints formatted error level log message.
func (l Log) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Warning prints formatted warning level log message.
func (l Log) Warning(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Panic prints the log message, a stack trace, and then panics.
func (l Log) Panic(format string, args ...interface{}) {
	l.sugar.Error("goroutine panicked. Stacktrace: ", string(debug.Stack()))
	l.sugar.Panicf(format, args...)
}

// Field is a log field holding a name and value.
type Field zap.Field

// Field satisfies the LoggableField interface.
func (f Field) Field() Field { return f }

// String returns a string Field.
func String(name, val string) Field {
	return Field(zap.String(name, val))
}

// Int returns an int Field.
func Int(name string, val int) Field {
	return Field(zap.Int(name, val))
}

// Uint8 returns a uint8 Field.
func Uint8(name string, val uint8) Field {
	return Field(zap.Uint8(name, val))
}

// Uint32 returns a uint32 Field.
func Uint32(name string, val uint32) Field {
	return Field(zap.Uint32(name, val))
}

// Uint64 returns a uint64 Field.
func Uint64(name string, val uint64) Field {
	return Field(zap.Uint64(name, val))
}

// Bool returns a bool Field.
func Bool(name string, val bool) Field {
	return Field(zap.Bool(name, val))
}

// Duration returns a duration Field.
func Duration(name string, val time.Duration) Field {
	return Field(zap.Duration(name, val))
}

// ProcessID returns a Uint8 field (key "process_id"), identifying the
// process id a log line is about.
func ProcessID(val uint8) Field {
	return Uint8("process_id", val)
}

// SeqNr returns a Uint32 field (key "seq_nr").
func SeqNr(val uint32) Field {
	return Uint32("seq_nr", val)
}

// AgreementNr returns a Uint32 field (key "agreement_nr").
func AgreementNr(val uint32) Field {
	return Uint32("agreement_nr", val)
}

// ProposalNr returns a Uint32 field (key "proposal_nr").
func ProposalNr(val uint32) Field {
	return Uint32("proposal_nr", val)
}

// Err returns an error Field.
func Err(v error) Field {
	return Field(zap.NamedError("error", v))
}

// LoggableField lets any type be used as a log field.
type LoggableField interface {
	Field() Field
}

func unpack(fields []LoggableField) []zap.Field {
	flds := make([]zap.Field, len(fields))
	for i, f := range fields {
		flds[i] = zap.Field(f.Field())
	}
	return flds
}

// FieldLogger is a logger that only logs messages with fields; it does not
// support format strings.
type FieldLogger struct {
	l *zap.Logger
}

// With returns a FieldLogger bound to this logger.
func (l Log) With() FieldLogger {
	return FieldLogger{l.logger}
}

// WithName returns a logger named with the given prefix.
func (l Log) WithName(prefix string) Log {
	lgr := l.logger.Named(fmt.Sprintf("%-5s", prefix))
	return Log{logger: lgr, sugar: lgr.Sugar(), lvl: l.lvl}
}

// WithFields returns a logger with fields permanently appended to it.
func (l Log) WithFields(fields ...LoggableField) Log {
	lgr := l.logger.With(unpack(fields)...)
	return Log{logger: lgr, sugar: lgr.Sugar(), lvl: l.lvl}
}

// Nop is an option that disables this logger.
var Nop = zap.WrapCore(func(zapcore.Core) zapcore.Core {
	return zapcore.NewNopCore()
})

// Info prints message with fields.
func (fl FieldLogger) Info(msg string, fields ...LoggableField) {
	fl.l.Info(msg, unpack(fields)...)
}

// Debug prints message with fields.
func (fl FieldLogger) Debug(msg string, fields ...LoggableField) {
	fl.l.Debug(msg, unpack(fields)...)
}

// Error prints message with fields.
func (fl FieldLogger) Error(msg string, fields ...LoggableField) {
	fl.l.Error(msg, unpack(fields)...)
}

// Warning prints message with fields.
func (fl FieldLogger) Warning(msg string, fields ...LoggableField) {
	fl.l.Warn(msg, unpack(fields)...)
}
