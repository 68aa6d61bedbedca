package pop3

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/store"
)

const (
	DefaultCommandTimeout = 5 * time.Minute // Maximum duration of inactivity before the connection is closed
	DefaultMaxErrors      = 3               // Maximum number of errors tolerated before the connection is terminated
)

type POP3ServerOptions struct {
	Name                string
	Addr                string
	Hostname            string
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration
	MaxErrors           int
	ErrorDelay          time.Duration // pause before answering a failed command, scaled by the error count
}

type POP3Server struct {
	base           *server.BaseServer
	store          store.Store
	commandTimeout time.Duration
	maxErrors      int
	errorDelay     time.Duration
}

func New(appCtx context.Context, st store.Store, options POP3ServerOptions) (*POP3Server, error) {
	if st == nil {
		return nil, fmt.Errorf("pop3: store is required")
	}
	if options.CommandTimeout <= 0 {
		options.CommandTimeout = DefaultCommandTimeout
	}
	if options.MaxErrors <= 0 {
		options.MaxErrors = DefaultMaxErrors
	}

	base := server.NewBaseServer(appCtx, server.BaseOptions{
		Protocol:        "POP3",
		Name:            options.Name,
		Addr:            options.Addr,
		Hostname:        options.Hostname,
		MaxConnections:  options.MaxConnections,
		MaxPerIP:        options.MaxConnectionsPerIP,
		ShutdownMessage: "-ERR Server shutting down, please reconnect\r\n",
	})

	return &POP3Server{
		base:           base,
		store:          st,
		commandTimeout: options.CommandTimeout,
		maxErrors:      options.MaxErrors,
		errorDelay:     options.ErrorDelay,
	}, nil
}

// Start listens on the configured address. Fatal errors go to errChan.
func (s *POP3Server) Start(errChan chan error) {
	s.base.Start(errChan, s.handle)
}

// Serve runs the server on an existing listener.
func (s *POP3Server) Serve(listener net.Listener) error {
	return s.base.Serve(listener, s.handle)
}

func (s *POP3Server) Close() {
	s.base.Close()
}

// Addr returns the bound listener address.
func (s *POP3Server) Addr() net.Addr {
	return s.base.Addr()
}

func (s *POP3Server) GetTotalConnections() int64 {
	return s.base.GetTotalConnections()
}

func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.base.GetAuthenticatedConnections()
}

func (s *POP3Server) handle(ctx context.Context, conn net.Conn, sess *server.Session) {
	session := newSession(ctx, s, conn, sess)
	session.handleConnection()
}
