package elm327

import (
	"errors"
	"fmt"
	"time"
)

var errAdapterClosed = errors.New("adapter closed the connection")

// ConnectionError means the session could not be established or initialised,
// or its link failed. The session is unusable afterwards.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("elm327: %s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means no prompt arrived before the command deadline. It is a
// connection-level fault: the reply stream can no longer be trusted.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("elm327: no prompt %s after %q", e.After, e.Command)
}

// Timeout lets callers treat it like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// AdapterError means the adapter answered with a no-data or error token such
// as "NO DATA" or "?". The session stays usable.
type AdapterError struct {
	Command string
	Reply   string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("elm327: %s: adapter replied %q", e.Command, e.Reply)
}

// ParseError means the reply could not be matched to the request: wrong
// header, too few data bytes or no payload at all. The session stays usable.
type ParseError struct {
	Command string
	Reply   string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("elm327: %s: %s (reply %q)", e.Command, e.Reason, e.Reply)
}

// IsConnectionLevel reports whether err must end the session. Adapter and
// parse errors only affect the one request; everything else, including
// errors this package does not know, is treated as a link fault.
func IsConnectionLevel(err error) bool {
	if err == nil {
		return false
	}
	var (
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		adapterErr *AdapterError
		parseErr   *ParseError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &adapterErr), errors.As(err, &parseErr):
		return false
	}
	return true
}
