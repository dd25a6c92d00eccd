package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("transport not connected")
	ErrConnection    = errors.New("connection error")
	ErrTransient     = errors.New("transient protocol error")
	ErrPermanent     = errors.New("permanent protocol error")
	ErrUnsupported   = errors.New("operation not supported")
	ErrInvalidConfig = errors.New("invalid transport config")
)

// ConnectionError reports an unreachable or disconnected transport. Timeouts
// are connection errors too.
type ConnectionError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s transport: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolError is a failure reported by the device or the cloud.
type ProtocolError struct {
	Op        string
	Kind      Kind
	Message   string
	Transient bool
}

func (e *ProtocolError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("%s transport: %s: %s error: %s", e.Kind, e.Op, class, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransient
	}
	return target == ErrPermanent
}

func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func notConnected(kind Kind, op string) error {
	return &ConnectionError{Op: op, Kind: kind, Err: ErrNotConnected}
}

// wrapIOError turns unclassified I/O failures into connection errors. Protocol
// errors and caller cancellation pass through.
func wrapIOError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) || IsConnectionError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectionError{Op: op, Kind: kind, Err: err}
}
