package imap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

const (
	DefaultCommandTimeout = 30 * time.Minute
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultMaxLiteralSize = 64 * 1024
	teardownTimeout       = 10 * time.Second
)

type IMAPServerOptions struct {
	Name                string
	Addr                string
	Hostname            string
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLiteralSize      int
	Notifier            *notify.Hub // optional; pushes EXISTS to selected sessions
}

type IMAPServer struct {
	base           *server.BaseServer
	store          store.Store
	notifier       *notify.Hub
	commandTimeout time.Duration
	idleTimeout    time.Duration
	maxLiteralSize int
}

func New(appCtx context.Context, st store.Store, options IMAPServerOptions) (*IMAPServer, error) {
	if st == nil {
		return nil, fmt.Errorf("imap: store is required")
	}
	if options.CommandTimeout <= 0 {
		options.CommandTimeout = DefaultCommandTimeout
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.MaxLiteralSize <= 0 {
		options.MaxLiteralSize = DefaultMaxLiteralSize
	}

	base := server.NewBaseServer(appCtx, server.BaseOptions{
		Protocol:        "IMAP",
		Name:            options.Name,
		Addr:            options.Addr,
		Hostname:        options.Hostname,
		MaxConnections:  options.MaxConnections,
		MaxPerIP:        options.MaxConnectionsPerIP,
		ShutdownMessage: "* BYE Server shutting down, please reconnect\r\n",
	})

	return &IMAPServer{
		base:           base,
		store:          st,
		notifier:       options.Notifier,
		commandTimeout: options.CommandTimeout,
		idleTimeout:    options.IdleTimeout,
		maxLiteralSize: options.MaxLiteralSize,
	}, nil
}

// Start listens on the configured address. Fatal errors go to errChan.
func (s *IMAPServer) Start(errChan chan error) {
	s.base.Start(errChan, s.handle)
}

// Serve runs the server on an existing listener.
func (s *IMAPServer) Serve(listener net.Listener) error {
	return s.base.Serve(listener, s.handle)
}

func (s *IMAPServer) Close() {
	s.base.Close()
}

func (s *IMAPServer) Addr() net.Addr {
	return s.base.Addr()
}

func (s *IMAPServer) GetTotalConnections() int64 {
	return s.base.GetTotalConnections()
}

func (s *IMAPServer) GetAuthenticatedConnections() int64 {
	return s.base.GetAuthenticatedConnections()
}

func (s *IMAPServer) handle(ctx context.Context, conn net.Conn, sess *server.Session) {
	session := newSession(ctx, s, conn, sess)
	session.handleConnection()
}
