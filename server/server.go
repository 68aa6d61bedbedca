package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/server/idgen"
)

// ConnHandler serves one accepted connection and returns when the session
// ends. The connection is closed by the caller afterwards.
type ConnHandler func(ctx context.Context, conn net.Conn, sess *Session)

// BaseOptions configures the listener shared by the protocol servers.
type BaseOptions struct {
	Protocol        string // "SMTP", "POP3", "IMAP"
	Name            string
	Addr            string
	Hostname        string
	MaxConnections  int
	MaxPerIP        int
	ShutdownMessage string        // written to live connections on Close
	DrainTimeout    time.Duration // how long Close waits for sessions
}

// BaseServer owns the accept loop, connection limits, session tracking and
// graceful shutdown of a line protocol listener.
type BaseServer struct {
	opts    BaseOptions
	metric  string
	appCtx  context.Context
	cancel  context.CancelFunc
	limiter *ConnectionLimiter

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once

	sessionsWg     sync.WaitGroup
	activeMu       sync.Mutex
	activeSessions map[net.Conn]struct{}

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

func NewBaseServer(appCtx context.Context, opts BaseOptions) *BaseServer {
	if opts.Name == "" {
		opts.Name = strings.ToLower(opts.Protocol)
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(appCtx)
	metric := strings.ToLower(opts.Protocol)
	return &BaseServer{
		opts:           opts,
		metric:         metric,
		appCtx:         ctx,
		cancel:         cancel,
		limiter:        NewConnectionLimiter(metric, opts.MaxConnections, opts.MaxPerIP),
		ready:          make(chan struct{}),
		activeSessions: make(map[net.Conn]struct{}),
	}
}

func (b *BaseServer) Hostname() string {
	return b.opts.Hostname
}

func (b *BaseServer) Context() context.Context {
	return b.appCtx
}

// Start listens on the configured address and serves until Close. Fatal
// listener errors are sent to errChan.
func (b *BaseServer) Start(errChan chan error, handle ConnHandler) {
	listener, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		b.cancel()
		errChan <- fmt.Errorf("failed to create %s listener: %w", b.opts.Protocol, err)
		return
	}
	logger.Info(b.opts.Protocol+" server listening", "name", b.opts.Name, "addr", listener.Addr().String())
	if err := b.Serve(listener, handle); err != nil {
		errChan <- err
	}
}

// Serve runs the accept loop on an existing listener. It returns nil after a
// graceful shutdown.
func (b *BaseServer) Serve(listener net.Listener, handle ConnHandler) error {
	defer listener.Close()

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()
	b.readyOnce.Do(func() { close(b.ready) })

	go func() {
		<-b.appCtx.Done()
		logger.Debug(b.opts.Protocol+": stopping", "name", b.opts.Name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-b.appCtx.Done():
				logger.Info(b.opts.Protocol+" server stopped gracefully", "name", b.opts.Name)
				return nil
			default:
				return err
			}
		}

		releaseConn, err := b.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug(b.opts.Protocol+": Connection rejected", "name", b.opts.Name, "error", err)
			conn.Close()
			continue
		}

		sess := b.NewSession(conn)
		totalCount := b.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(b.metric).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(b.metric).Inc()
		logger.Debug(b.opts.Protocol+": new connection", "name", b.opts.Name, "remote", sess.RemoteIP, "total_connections", totalCount, "authenticated_connections", b.authenticatedConnections.Load())

		b.addSession(conn)
		b.sessionsWg.Add(1)
		go func() {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					logger.Error(b.opts.Protocol+": session panic", "name", b.opts.Name, "session", sess.Id, "panic", r, "stack", string(debug.Stack()))
				}
				conn.Close()
				b.removeSession(conn)
				releaseConn()
				b.totalConnections.Add(-1)
				metrics.ConnectionsCurrent.WithLabelValues(b.metric).Dec()
				metrics.ConnectionDuration.WithLabelValues(b.metric).Observe(time.Since(start).Seconds())
				b.sessionsWg.Done()
			}()
			handle(b.appCtx, conn, sess)
		}()
	}
}

// NewSession builds the logging identity for conn.
func (b *BaseServer) NewSession(conn net.Conn) *Session {
	return &Session{
		Id:         idgen.New(),
		RemoteIP:   hostOf(conn.RemoteAddr()),
		HostName:   b.opts.Hostname,
		ServerName: b.opts.Name,
		Protocol:   b.opts.Protocol,
		Stats:      b,
	}
}

// Addr returns the bound address once the listener is up, or nil if the
// server stopped before that.
func (b *BaseServer) Addr() net.Addr {
	select {
	case <-b.ready:
	case <-b.appCtx.Done():
		return nil
	}
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	return b.listener.Addr()
}

// Close notifies live sessions, stops accepting and waits for sessions to
// drain.
func (b *BaseServer) Close() {
	b.sendGracefulShutdownMessage()
	b.cancel()
	b.waitForSessionsDrain(b.opts.DrainTimeout)
}

func (b *BaseServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		b.sessionsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug(b.opts.Protocol+": all sessions drained", "name", b.opts.Name)
	case <-time.After(timeout):
		logger.Warn(b.opts.Protocol+": timed out waiting for sessions to drain", "name", b.opts.Name, "timeout", timeout)
	}
}

func (b *BaseServer) addSession(conn net.Conn) {
	b.activeMu.Lock()
	b.activeSessions[conn] = struct{}{}
	b.activeMu.Unlock()
}

func (b *BaseServer) removeSession(conn net.Conn) {
	b.activeMu.Lock()
	delete(b.activeSessions, conn)
	b.activeMu.Unlock()
}

func (b *BaseServer) sendGracefulShutdownMessage() {
	b.activeMu.Lock()
	conns := make([]net.Conn, 0, len(b.activeSessions))
	for conn := range b.activeSessions {
		conns = append(conns, conn)
	}
	b.activeMu.Unlock()

	if len(conns) == 0 {
		return
	}
	logger.Debug(b.opts.Protocol+": Sending graceful shutdown message to active connections", "name", b.opts.Name, "count", len(conns))

	for _, conn := range conns {
		if b.opts.ShutdownMessage != "" {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = conn.Write([]byte(b.opts.ShutdownMessage))
		}
		// Unblocks sessions waiting on reads.
		conn.Close()
	}
}

// AuthenticatedInc records a session that completed authentication.
func (b *BaseServer) AuthenticatedInc() int64 {
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(b.metric).Inc()
	return b.authenticatedConnections.Add(1)
}

// AuthenticatedDec undoes AuthenticatedInc when such a session ends.
func (b *BaseServer) AuthenticatedDec() {
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(b.metric).Dec()
	b.authenticatedConnections.Add(-1)
}

// RecordAuth counts an authentication attempt.
func (b *BaseServer) RecordAuth(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AuthenticationAttempts.WithLabelValues(b.metric, result).Inc()
}

// RecordCommand counts a processed command and its duration.
func (b *BaseServer) RecordCommand(command string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
	}
	metrics.CommandsTotal.WithLabelValues(b.metric, command, status).Inc()
	metrics.CommandDuration.WithLabelValues(b.metric, command).Observe(time.Since(start).Seconds())
}

func (b *BaseServer) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

func (b *BaseServer) GetAuthenticatedConnections() int64 {
	return b.authenticatedConnections.Load()
}
