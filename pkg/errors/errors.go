// Package errors provides structured error types for the openuri library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/WhileEndless/go-openuri/pkg/meta"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeConfiguration represents invalid options, modes or locators
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeRedirectLoop represents a locator visited twice in one fetch
	ErrorTypeRedirectLoop ErrorType = "redirect_loop"
	// ErrorTypeForbiddenRedirect represents a disallowed scheme transition
	ErrorTypeForbiddenRedirect ErrorType = "forbidden_redirect"
	// ErrorTypeRedirectDisabled represents a redirect received while redirects are off
	ErrorTypeRedirectDisabled ErrorType = "redirect_disabled"
	// ErrorTypeProtocol represents non-success responses and malformed replies
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeDNS represents DNS resolution errors
	ErrorTypeDNS ErrorType = "dns"
	// ErrorTypeConnection represents TCP connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTLS represents TLS handshake errors
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeIO represents I/O errors
	ErrorTypeIO ErrorType = "io"
)

// Error represents a structured error with context information.
//
// Partial is set for protocol and redirect-disabled errors. It holds the
// response received so far and must be released with Close.
type Error struct {
	Type      ErrorType    `json:"type"`
	Message   string       `json:"message"`
	Cause     error        `json:"cause,omitempty"`
	Host      string       `json:"host,omitempty"`
	Port      int          `json:"port,omitempty"`
	URL       string       `json:"url,omitempty"`
	Location  string       `json:"location,omitempty"`
	Partial   *meta.Stream `json:"-"`
	Timestamp time.Time    `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// WithPartial attaches the partial response stream and returns e.
func (e *Error) WithPartial(s *meta.Stream) *Error {
	e.Partial = s
	return e
}

// Close releases the partial response, if any.
func (e *Error) Close() error {
	if e.Partial == nil {
		return nil
	}
	return e.Partial.Close()
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Timestamp: time.Now()}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *Error {
	return newError(ErrorTypeConfiguration, message, nil)
}

// NewConfigurationErrorf creates a configuration error with a formatted message.
func NewConfigurationErrorf(format string, args ...any) *Error {
	return NewConfigurationError(fmt.Sprintf(format, args...))
}

// NewRedirectLoopError creates a redirect loop error for the locator seen twice.
func NewRedirectLoopError(url string) *Error {
	e := newError(ErrorTypeRedirectLoop, "redirection loop: "+url, nil)
	e.URL = url
	return e
}

// NewForbiddenRedirectError creates an error for a disallowed redirect.
func NewForbiddenRedirectError(from, to string) *Error {
	e := newError(ErrorTypeForbiddenRedirect, fmt.Sprintf("redirection forbidden: %s -> %s", from, to), nil)
	e.URL, e.Location = from, to
	return e
}

// NewRedirectDisabledError creates an error for a redirect that was not
// followed. The partial response and the pending location are attached.
func NewRedirectDisabledError(from, to string, partial *meta.Stream) *Error {
	msg := "redirection disabled"
	if partial != nil {
		msg = fmt.Sprintf("redirection disabled (%s)", partial.Status())
	}
	e := newError(ErrorTypeRedirectDisabled, msg, nil)
	e.URL, e.Location = from, to
	return e.WithPartial(partial)
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return newError(ErrorTypeProtocol, message, cause)
}

// NewDNSError creates a DNS resolution error.
func NewDNSError(host string, cause error) *Error {
	e := newError(ErrorTypeDNS, "DNS lookup failed for host "+host, cause)
	e.Host = host
	return e
}

// NewConnectionError creates a connection error.
func NewConnectionError(host string, port int, cause error) *Error {
	e := newError(ErrorTypeConnection, fmt.Sprintf("failed to connect to %s:%d", host, port), cause)
	e.Host, e.Port = host, port
	return e
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	e := newError(ErrorTypeTLS, fmt.Sprintf("TLS handshake failed for %s:%d", host, port), cause)
	e.Host, e.Port = host, port
	return e
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return newError(ErrorTypeTimeout, fmt.Sprintf("%s timed out after %v", operation, timeout), nil)
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return newError(ErrorTypeIO, "I/O error during "+operation, cause)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeTimeout {
		return true
	}
	// Also check for net timeout errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Check for context deadline exceeded
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTransportError reports whether err is a connection, timeout or I/O failure.
func IsTransportError(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeDNS, ErrorTypeConnection, ErrorTypeTLS, ErrorTypeTimeout, ErrorTypeIO:
		return true
	}
	return false
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// AsError returns the structured error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
