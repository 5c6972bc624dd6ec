package codec

import (
	"fmt"

	"golang.org/x/net/http2"
)

// ConnectionError is a protocol violation that is fatal to the connection.
// The connection owner is expected to flush any queued bytes (the GOAWAY
// carrying Code) and then close the transport.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error %s: %s: %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func connError(code http2.ErrCode, reason string) *ConnectionError {
	return &ConnectionError{Code: code, Reason: reason}
}

func connErrorf(code http2.ErrCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
