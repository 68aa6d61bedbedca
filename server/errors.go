package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/pkg/msgset"
)

// ErrorKind is the protocol-independent class of a command failure. Each
// protocol maps a kind to its own reply (BAD/NO, 5xx, -ERR).
type ErrorKind int

const (
	KindStorage   ErrorKind = iota // transient store failure, the client may retry
	KindSequence                   // command not valid in the current state
	KindAuth                       // authentication failed
	KindNotFound                   // user, mailbox or message does not exist
	KindExists                     // target already exists
	KindMalformed                  // syntactically invalid argument
)

func (k ErrorKind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindMalformed:
		return "malformed"
	default:
		return "storage"
	}
}

// ProtocolError is a command failure with a client-facing message.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Errorf builds a ProtocolError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an error returned by the store or the parsers to its kind.
// Anything unrecognized is a storage failure.
func Classify(err error) ErrorKind {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, consts.ErrInvalidCredentials):
		return KindAuth
	case errors.Is(err, consts.ErrUserNotFound),
		errors.Is(err, consts.ErrMailboxNotFound),
		errors.Is(err, consts.ErrMessageNotFound):
		return KindNotFound
	case errors.Is(err, consts.ErrMailboxExists), errors.Is(err, consts.ErrUserExists):
		return KindExists
	case errors.Is(err, msgset.ErrMalformed), errors.Is(err, consts.ErrMalformedMessage):
		return KindMalformed
	}
	return KindStorage
}

// ClientMessage returns the text to show a client for err. Storage failures
// are reported generically so internals do not leak.
func ClientMessage(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Msg
	}
	switch Classify(err) {
	case KindStorage:
		return consts.ErrInternalError.Error()
	default:
		return err.Error()
	}
}

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// These errors are typically logged and the connection is closed, but they should not crash the server.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var opErr *net.OpError
	var syscallErr *os.SyscallError

	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.As(err, &opErr) {
		// "read: connection reset by peer" is a common client-side disconnection
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}

	return false
}
