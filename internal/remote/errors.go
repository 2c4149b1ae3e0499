package remote

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind int

const (
	// PortUnreachable means neither the configured port nor the fallback
	// port accepted a TCP connection.
	PortUnreachable ConnectErrorKind = iota

	// AuthFailed means every authentication attempt was rejected.
	AuthFailed

	// ConnectTimeout means the transport could not be established in time.
	ConnectTimeout
)

func (k ConnectErrorKind) String() string {
	switch k {
	case PortUnreachable:
		return "port unreachable"
	case AuthFailed:
		return "authentication failed"
	case ConnectTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectError reports a failure to establish a session.
type ConnectError struct {
	Kind ConnectErrorKind
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %s: %v", e.Host, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect %s: %s", e.Host, e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is a ConnectError of the given kind.
func IsConnectError(err error, kind ConnectErrorKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == kind
}

// TransferErrorKind classifies transfer failures.
type TransferErrorKind int

const (
	// PathNotFound means the source path does not exist.
	PathNotFound TransferErrorKind = iota

	// ProtocolUnavailable means neither the sftp subsystem nor the
	// fallback transfer path could serve the request.
	ProtocolUnavailable
)

func (k TransferErrorKind) String() string {
	switch k {
	case PathNotFound:
		return "path not found"
	case ProtocolUnavailable:
		return "transfer protocol unavailable"
	default:
		return "unknown"
	}
}

// TransferError reports a failure to transfer or stat a path.
type TransferError struct {
	Kind TransferErrorKind
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("transfer %s: %s", e.Path, e.Kind)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsTransferError reports whether err is a TransferError of the given kind.
func IsTransferError(err error, kind TransferErrorKind) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Kind == kind
}

// ExitError reports a remote command that completed with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// ErrRebootTimeout is returned when a rebooted host does not come back
// within the configured wait window.
var ErrRebootTimeout = errors.New("timed out waiting for host to come back")
