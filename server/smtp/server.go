package smtp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/delivery"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

const (
	DefaultCommandTimeout = 5 * time.Minute
	DefaultMaxMessageSize = 25 * 1024 * 1024
	DefaultMaxRecipients  = 100
)

type SMTPServerOptions struct {
	Name                string
	Addr                string
	Hostname            string
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration
	MaxMessageSize      int64
	MaxRecipients       int
	Notifier            *notify.Hub // optional; wakes IMAP sessions on delivery
}

type SMTPServer struct {
	base           *server.BaseServer
	store          store.Store
	notifier       *notify.Hub
	hostname       string
	commandTimeout time.Duration
	maxMessageSize int64
	maxRecipients  int
}

func New(appCtx context.Context, st store.Store, options SMTPServerOptions) (*SMTPServer, error) {
	if st == nil {
		return nil, fmt.Errorf("smtp: store is required")
	}
	if options.CommandTimeout <= 0 {
		options.CommandTimeout = DefaultCommandTimeout
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = DefaultMaxMessageSize
	}
	if options.MaxRecipients <= 0 {
		options.MaxRecipients = DefaultMaxRecipients
	}
	if options.Hostname == "" {
		options.Hostname = "localhost"
	}

	base := server.NewBaseServer(appCtx, server.BaseOptions{
		Protocol:        "SMTP",
		Name:            options.Name,
		Addr:            options.Addr,
		Hostname:        options.Hostname,
		MaxConnections:  options.MaxConnections,
		MaxPerIP:        options.MaxConnectionsPerIP,
		ShutdownMessage: "421 4.3.2 Service shutting down, please try again later\r\n",
	})

	return &SMTPServer{
		base:           base,
		store:          st,
		notifier:       options.Notifier,
		hostname:       options.Hostname,
		commandTimeout: options.CommandTimeout,
		maxMessageSize: options.MaxMessageSize,
		maxRecipients:  options.MaxRecipients,
	}, nil
}

// Start listens on the configured address. Fatal errors go to errChan.
func (s *SMTPServer) Start(errChan chan error) {
	s.base.Start(errChan, s.handle)
}

// Serve runs the server on an existing listener.
func (s *SMTPServer) Serve(listener net.Listener) error {
	return s.base.Serve(listener, s.handle)
}

func (s *SMTPServer) Close() {
	s.base.Close()
}

func (s *SMTPServer) Addr() net.Addr {
	return s.base.Addr()
}

func (s *SMTPServer) GetTotalConnections() int64 {
	return s.base.GetTotalConnections()
}

func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return s.base.GetAuthenticatedConnections()
}

func (s *SMTPServer) deliveryContext(logger delivery.Logger) *delivery.DeliveryContext {
	return &delivery.DeliveryContext{
		Store:          s.store,
		Notifier:       s.notifier,
		MetricsLabel:   "smtp",
		MaxMessageSize: s.maxMessageSize,
		Logger:         logger,
	}
}

func (s *SMTPServer) handle(ctx context.Context, conn net.Conn, sess *server.Session) {
	session := newSession(ctx, s, conn, sess)
	session.handleConnection()
}
