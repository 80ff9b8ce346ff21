package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Common errors that can happen on process startup, before any socket is
// opened. Each carries a stable code so scripts driving the process can
// distinguish configuration mistakes from runtime failures.
var (
	ErrMalformedConfig = newFatalError("ERR_MALFORMED_CONFIG", "config file is malformed: %v")
	ErrBadFlags        = newFatalError("ERR_BAD_FLAGS", "bad CLI flags: %v")
	ErrMalformedHosts  = newFatalError("ERR_MALFORMED_HOSTS", "hosts file is malformed: %v")
	ErrBindFailed      = newFatalError("ERR_BIND_FAILED", "failed to bind link: %v")
)

// FatalError describes a fatal error the process needs to report before
// exiting with a non-zero status.
type FatalError struct {
	Code string
	Text string
	Args []interface{}
}

func newFatalError(code, text string) func(args ...interface{}) *FatalError {
	return func(args ...interface{}) *FatalError {
		return &FatalError{Code: code, Text: text, Args: args}
	}
}

func (fe FatalError) Error() string {
	return fmt.Sprintf(fe.Text, fe.Args...)
}

// Field implements LoggableField.
func (fe FatalError) Field() Field {
	return Field(zap.Object("fatal_error", fe))
}

// MarshalLogObject implements zapcore.ObjectMarshaler for FatalError.
func (fe FatalError) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("code", fe.Code)
	encoder.AddString("error", fe.Error())
	return nil
}
