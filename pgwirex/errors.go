package pgwirex

import (
	"errors"
	"fmt"
)

var (
	ErrClosedInFlight   = errors.New("connection closed with queries in flight")
	ErrClientClosed     = errors.New("client closed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnsupportedAuth  = errors.New("unsupported authentication mechanism")
)

var ErrProtocol = errors.New("protocol error")

type protocolError struct {
	message string
}

func (e protocolError) Error() string {
	return "protocol error: " + e.message
}

func (e protocolError) Unwrap() error {
	return ErrProtocol
}

// SQLSTATE codes which indicate the server could not serialize this
// transaction against concurrently running transactions.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// ServerError represents an ErrorResponse received from the server for a
// specific statement.  Code carries the SQLSTATE of the failure.
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error: %s (SQLSTATE %s): %s (detail: %s)",
			e.Severity, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("server error: %s (SQLSTATE %s): %s", e.Severity, e.Code, e.Message)
}

// IsSerializationFailure indicates whether an error represents a
// serialization conflict which can be resolved by retrying the transaction.
func IsSerializationFailure(err error) bool {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}

	return serverErr.Code == CodeSerializationFailure ||
		serverErr.Code == CodeDeadlockDetected
}
