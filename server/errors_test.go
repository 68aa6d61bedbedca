package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/pkg/msgset"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	_, malformed := msgset.Parse("1:x")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"invalid credentials", consts.ErrInvalidCredentials, KindAuth},
		{"wrapped mailbox not found", fmt.Errorf("select: %w", consts.ErrMailboxNotFound), KindNotFound},
		{"user not found", consts.ErrUserNotFound, KindNotFound},
		{"message not found", consts.ErrMessageNotFound, KindNotFound},
		{"mailbox exists", consts.ErrMailboxExists, KindExists},
		{"malformed set", malformed, KindMalformed},
		{"protocol error", Errorf(KindSequence, "bad sequence of commands"), KindSequence},
		{"wrapped protocol error", fmt.Errorf("outer: %w", Errorf(KindMalformed, "x")), KindMalformed},
		{"unknown", errors.New("connection refused"), KindStorage},
		{"db failure", fmt.Errorf("%w: boom", consts.ErrDBInsertFailed), KindStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClientMessageHidesStorageErrors(t *testing.T) {
	assert.Equal(t, "internal server error", ClientMessage(errors.New("pq: relation does not exist")))
	assert.Equal(t, "mailbox not found", ClientMessage(consts.ErrMailboxNotFound))
	assert.Equal(t, "No such message", ClientMessage(Errorf(KindNotFound, "No such message")))
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(io.EOF))
	assert.True(t, IsConnectionError(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	assert.True(t, IsConnectionError(net.ErrClosed))
	assert.True(t, IsConnectionError(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	assert.False(t, IsConnectionError(errors.New("disk full")))
}
