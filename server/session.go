package server

import (
	"fmt"
	"log/slog"

	"github.com/litongjava/tio-mail-wing/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity of one client connection. Protocol sessions
// embed it for logging.
type Session struct {
	Id       string
	RemoteIP string
	*User
	HostName   string
	ServerName string // Name of the server instance (e.g., "imap", "pop3-backup")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) logArgs(format string, args []any) []any {
	user := "none"
	if s.User != nil {
		user = fmt.Sprintf("%s/%d", s.FullAddress(), s.AccountID())
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" && s.ServerName != s.Protocol {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocolPrefix, "conn", fmt.Sprintf("remote=%s", s.RemoteIP), "user", user, "session", s.Id}
	if s.Stats != nil {
		if s.Protocol == "SMTP" {
			attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections())
		} else {
			attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
		}
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) log(level slog.Level, format string, args []any) {
	attrs := s.logArgs(format, args)
	switch level {
	case slog.LevelDebug:
		logger.Debug("Session", attrs...)
	case slog.LevelWarn:
		logger.Warn("Session", attrs...)
	default:
		logger.Info("Session", attrs...)
	}
}

func (s *Session) Log(format string, args ...any) {
	s.log(slog.LevelInfo, format, args)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args)
}
