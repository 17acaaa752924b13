package serviceerr

import (
	"fmt"

	"go.uber.org/zap"
)

// Error carries a stable "<operation>.<reason>" code alongside the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds an Error for operation and reason wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Reporter logs service failures with operation and reason fields under a fixed message.
type Reporter struct {
	logger  *zap.Logger
	message string
}

// NewReporter returns a Reporter logging "<component> service error" entries.
func NewReporter(logger *zap.Logger, component string) Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Reporter{logger: logger, message: component + " service error"}
}

// Fail logs the failure and returns the matching Error.
func (r Reporter) Fail(operation, reason string, err error, fields ...zap.Field) error {
	r.Log(operation, reason, err, fields...)
	return New(operation, reason, err)
}

// Log records the failure without building an error.
func (r Reporter) Log(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := r.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(r.message, attrs...)
}

// Logger exposes the underlying logger.
func (r Reporter) Logger() *zap.Logger {
	if r.logger == nil {
		return zap.NewNop()
	}
	return r.logger
}
