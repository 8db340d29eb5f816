// Package errors provides structured error handling for kminer components.
// A ServiceError carries a category, the failed operation, free-form context
// and a retry decision that pkg/retry and the reconnect loop act on.
package errors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents malformed input (templates, shares, config)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNode represents node RPC errors
	ErrorTypeNode ErrorType = "node"
	// ErrorTypeStratum represents pool protocol errors
	ErrorTypeStratum ErrorType = "stratum"
	// ErrorTypeDevice represents accelerator backend errors
	ErrorTypeDevice ErrorType = "device"
	// ErrorTypeDatabase represents storage sink errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents deadlines missed by kminer itself
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a categorized error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error renders "type: operation: message: cause".
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Operation)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// LogValue renders the error as a group so slog handlers keep the type,
// operation and context as separate fields.
func (e *ServiceError) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4+len(e.Context))
	attrs = append(attrs,
		slog.String("type", string(e.Type)),
		slog.String("op", e.Operation),
		slog.String("msg", e.Message),
	)
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	for k, v := range e.Context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NonRetryable marks the error as permanent.
func (e *ServiceError) NonRetryable() *ServiceError {
	e.Retryable = false
	return e
}

// New creates an error whose retry decision follows its type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap wraps err. A wrapped ServiceError keeps its retry decision; any other
// cause is classified by retryableCause. Wrap(nil) is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// transientErrnos are socket failures a reconnect can fix.
var transientErrnos = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
}

// transientMessages catch errors that only survive as text, such as those
// relayed by the node's RPC layer.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"eof",
}

// retryableCause classifies an error that is not a ServiceError. Our own
// cancellations never retry.
func retryableCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err's chain has the
// given type.
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext returns the context of the outermost ServiceError, or nil.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
