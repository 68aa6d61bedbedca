package imap

import (
	"strings"
	"time"

	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
)

type lineResult struct {
	line string
	err  error
}

// handleIdle waits for DONE while pushing EXISTS/RECENT as deliveries
// arrive. The line reader runs on its own goroutine so the session can
// select on it together with the subscription.
func (s *IMAPSession) handleIdle(tag string) error {
	s.writer.WriteString("+ idling\r\n")
	if err := s.writer.Flush(); err != nil {
		s.closing = true
		return err
	}
	metrics.IMAPIdleConnections.Inc()
	defer metrics.IMAPIdleConnections.Dec()
	s.DebugLog("entered IDLE")

	lines := make(chan lineResult, 1)
	go func() {
		s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		line, err := s.reader.ReadString('\n')
		lines <- lineResult{line: line, err: err}
	}()

	var updates <-chan notify.Event
	if s.sub != nil {
		updates = s.sub.C
	}

	for {
		select {
		case r := <-lines:
			if r.err != nil {
				s.closing = true
				return r.err
			}
			if strings.EqualFold(strings.TrimSpace(r.line), "DONE") {
				s.ok(tag, "IDLE terminated")
				return nil
			}
			s.bad(tag, "Expected DONE")
			return server.Errorf(server.KindMalformed, "unexpected line during IDLE")

		case <-updates:
			s.drain()
			s.syncMailbox()
			if err := s.writer.Flush(); err != nil {
				s.closing = true
				return err
			}

		case <-s.ctx.Done():
			s.closing = true
			return s.ctx.Err()
		}
	}
}
