package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/delivery"
)

type state int

const (
	stateConnected state = iota
	stateGreeted
	stateAuthWaitUsername
	stateAuthWaitPassword
	stateMailFrom
	stateRcptTo
	stateData
)

func (st state) String() string {
	switch st {
	case stateConnected:
		return "CONNECTED"
	case stateGreeted:
		return "GREETED"
	case stateAuthWaitUsername:
		return "AUTH_WAIT_USERNAME"
	case stateAuthWaitPassword:
		return "AUTH_WAIT_PASSWORD"
	case stateMailFrom:
		return "MAIL_FROM_RECEIVED"
	case stateRcptTo:
		return "RCPT_TO_RECEIVED"
	case stateData:
		return "DATA_RECEIVING"
	}
	return "UNKNOWN"
}

type command int

const (
	cmdUnknown command = iota
	cmdHELO
	cmdEHLO
	cmdAUTH
	cmdMAIL
	cmdRCPT
	cmdDATA
	cmdRSET
	cmdNOOP
	cmdQUIT
)

var commandNames = map[string]command{
	"HELO": cmdHELO,
	"EHLO": cmdEHLO,
	"AUTH": cmdAUTH,
	"MAIL": cmdMAIL,
	"RCPT": cmdRCPT,
	"DATA": cmdDATA,
	"RSET": cmdRSET,
	"NOOP": cmdNOOP,
	"QUIT": cmdQUIT,
}

func parseCommand(name string) command {
	if c, ok := commandNames[strings.ToUpper(name)]; ok {
		return c
	}
	return cmdUnknown
}

func (c command) String() string {
	for name, v := range commandNames {
		if v == c {
			return name
		}
	}
	return "UNKNOWN"
}

func reply(code int, msg string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{Code: code, EnhancedCode: gosmtp.NoEnhancedCode, Message: msg}
}

var (
	replyOK              = reply(250, "OK")
	replyBye             = reply(221, "Bye")
	replyBadSequence     = reply(503, "Bad sequence of commands")
	replyNotAuthed       = reply(503, "Bad sequence of commands or not authenticated")
	replyInvalidAddress  = reply(501, "Invalid address")
	replySyntax          = reply(501, "Syntax error in parameters or arguments")
	replyNoSuchUser      = reply(550, "No such user here")
	replyStartInput      = reply(354, "Start mail input; end with <CRLF>.<CRLF>")
	replyAuthOK          = reply(235, "Authentication successful")
	replyAuthFailed      = reply(535, "Authentication failed")
	replyAuthCancelled   = reply(501, "Authentication cancelled")
	replyAuthSequence    = reply(501, "Authentication sequence error")
	replyInvalidBase64   = reply(501, "Invalid base64 data")
	replyMechUnsupported = reply(504, "Authentication mechanism not supported")
	replyUnrecognized    = reply(500, "Syntax error, command unrecognized")
	replyInternal        = reply(500, "Internal server error")
	replyLocalError      = &gosmtp.SMTPError{Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "Requested action aborted: local error in processing"}
	replyTooManyRcpts    = &gosmtp.SMTPError{Code: 452, EnhancedCode: gosmtp.EnhancedCode{4, 5, 3}, Message: "Too many recipients"}
	replyTooLarge        = &gosmtp.SMTPError{Code: 552, EnhancedCode: gosmtp.EnhancedCode{5, 3, 4}, Message: "Message exceeds fixed maximum message size"}
)

type SMTPSession struct {
	server.Session
	server *SMTPServer
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context

	state         state
	authenticated bool
	authUsername  string
	from          string
	recipients    []delivery.RecipientInfo
	closing       bool
}

func newSession(ctx context.Context, srv *SMTPServer, conn net.Conn, sess *server.Session) *SMTPSession {
	return &SMTPSession{
		Session: *sess,
		server:  srv,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		ctx:     ctx,
	}
}

func (s *SMTPSession) handleConnection() {
	defer s.close()

	s.writeLine(fmt.Sprintf("220 %s ESMTP %s", s.server.hostname, consts.ServerName))
	s.writer.Flush()
	s.Log("connected")

	for !s.closing {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.dispatch(line)
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

// readLine reads one CRLF terminated line under the command timeout. Errors
// are logged here; the caller only needs to stop.
func (s *SMTPSession) readLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			s.write(&gosmtp.SMTPError{Code: 421, EnhancedCode: gosmtp.EnhancedCode{4, 4, 2}, Message: "Idle timeout, closing connection"})
			s.writer.Flush()
			s.Log("timed out in state %s", s.state)
		case server.IsConnectionError(err):
			s.Log("client dropped connection")
		default:
			s.Log("read error: %v", err)
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *SMTPSession) dispatch(line string) {
	start := time.Now()
	var cmd command
	var cmdErr error
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in %s: %v\n%s", cmd, r, debug.Stack())
			s.write(replyInternal)
			cmdErr = fmt.Errorf("panic: %v", r)
		}
		s.server.base.RecordCommand(cmd.String(), start, cmdErr)
	}()

	switch s.state {
	case stateAuthWaitUsername, stateAuthWaitPassword:
		cmd = cmdAUTH
		s.DebugLog("C: [auth response]")
		cmdErr = s.handleAuthResponse(line)
		return
	}

	_, name, rest := server.SplitCommand(line, false)
	cmd = parseCommand(name)
	s.DebugLog("C: %s", helpers.MaskSensitive(line, name, "AUTH"))

	switch cmd {
	case cmdHELO, cmdEHLO:
		cmdErr = s.handleHello(rest)
	case cmdAUTH:
		cmdErr = s.handleAuth(rest)
	case cmdMAIL:
		cmdErr = s.handleMail(rest)
	case cmdRCPT:
		cmdErr = s.handleRcpt(rest)
	case cmdDATA:
		cmdErr = s.handleData()
	case cmdRSET:
		s.resetTransaction()
		s.write(replyOK)
	case cmdNOOP:
		s.write(replyOK)
	case cmdQUIT:
		s.write(replyBye)
		s.closing = true
	default:
		s.write(replyUnrecognized)
		cmdErr = server.Errorf(server.KindMalformed, "unrecognized command %q", name)
	}
}

func (s *SMTPSession) handleHello(domain string) error {
	if s.state != stateConnected {
		s.write(replyBadSequence)
		return server.Errorf(server.KindSequence, "HELO/EHLO in state %s", s.state)
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		s.write(replySyntax)
		return server.Errorf(server.KindMalformed, "missing domain")
	}
	s.writeLine(fmt.Sprintf("250-%s says hello to %s", s.server.hostname, domain))
	s.writeLine("250 AUTH LOGIN")
	s.state = stateGreeted
	return nil
}

func (s *SMTPSession) handleAuth(args string) error {
	if s.state != stateGreeted || s.authenticated {
		s.write(replyBadSequence)
		return server.Errorf(server.KindSequence, "AUTH in state %s", s.state)
	}
	mechanism, initial, _ := strings.Cut(strings.TrimSpace(args), " ")
	if !strings.EqualFold(mechanism, "LOGIN") {
		s.write(replyMechUnsupported)
		return server.Errorf(server.KindMalformed, "unsupported mechanism %q", mechanism)
	}

	initial = strings.TrimSpace(initial)
	if initial == "" {
		s.state = stateAuthWaitUsername
		s.writeLine("334 " + server.LoginUsernameChallenge)
		return nil
	}
	// An initial response carries the username.
	s.state = stateAuthWaitUsername
	return s.handleAuthResponse(initial)
}

func (s *SMTPSession) handleAuthResponse(line string) error {
	data, err := server.DecodeSASLResponse(line)
	if err != nil {
		s.failTransaction()
		if errors.Is(err, server.ErrSASLCancelled) {
			s.write(replyAuthCancelled)
		} else {
			s.write(replyInvalidBase64)
		}
		return server.Errorf(server.KindMalformed, "auth response: %v", err)
	}

	switch s.state {
	case stateAuthWaitUsername:
		s.authUsername = string(data)
		s.state = stateAuthWaitPassword
		s.writeLine("334 " + server.LoginPasswordChallenge)
		return nil
	case stateAuthWaitPassword:
		return s.authenticate(s.authUsername, string(data))
	default:
		s.failTransaction()
		s.write(replyAuthSequence)
		return server.Errorf(server.KindSequence, "auth response in state %s", s.state)
	}
}

func (s *SMTPSession) authenticate(username, password string) error {
	address, err := server.NewAddress(username)
	if err != nil {
		s.server.base.RecordAuth(err)
		s.failTransaction()
		s.write(replyAuthFailed)
		return &server.ProtocolError{Kind: server.KindAuth, Msg: "authentication failed", Err: err}
	}

	s.Log("authentication attempt for %s", address.FullAddress())
	userID, err := s.server.store.Authenticate(s.ctx, address.FullAddress(), password)
	s.server.base.RecordAuth(err)
	if err != nil {
		s.failTransaction()
		if server.Classify(err) != server.KindAuth {
			s.WarnLog("authentication error: %v", err)
			s.write(replyLocalError)
			return err
		}
		s.Log("authentication failed")
		s.write(replyAuthFailed)
		return err
	}

	s.User = server.NewUser(address, userID)
	s.authenticated = true
	s.authUsername = ""
	s.state = stateGreeted
	s.server.base.AuthenticatedInc()
	s.Log("authenticated")
	s.write(replyAuthOK)
	return nil
}

func (s *SMTPSession) handleMail(args string) error {
	if s.state != stateGreeted || !s.authenticated {
		s.write(replyNotAuthed)
		return server.Errorf(server.KindSequence, "MAIL in state %s (authenticated=%t)", s.state, s.authenticated)
	}
	if !hasPathPrefix(args, "FROM:") {
		s.write(replySyntax)
		return server.Errorf(server.KindMalformed, "MAIL without FROM:")
	}
	from := helpers.ExtractPathAddress(args)
	if from == "" {
		s.write(replyInvalidAddress)
		return server.Errorf(server.KindMalformed, "empty reverse path")
	}
	s.from = from
	s.recipients = nil
	s.state = stateMailFrom
	s.write(replyOK)
	return nil
}

func (s *SMTPSession) handleRcpt(args string) error {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		s.write(replyBadSequence)
		return server.Errorf(server.KindSequence, "RCPT in state %s", s.state)
	}
	if !hasPathPrefix(args, "TO:") {
		s.write(replySyntax)
		return server.Errorf(server.KindMalformed, "RCPT without TO:")
	}
	to := helpers.ExtractPathAddress(args)
	if to == "" {
		s.write(replyInvalidAddress)
		return server.Errorf(server.KindMalformed, "empty forward path")
	}
	if len(s.recipients) >= s.server.maxRecipients {
		s.write(replyTooManyRcpts)
		return server.Errorf(server.KindMalformed, "too many recipients")
	}

	rcpt, err := s.server.deliveryContext(s).LookupRecipient(s.ctx, to)
	if err != nil {
		switch server.Classify(err) {
		case server.KindMalformed:
			s.write(replyInvalidAddress)
		case server.KindNotFound:
			s.Log("rejected unknown recipient %s", to)
			s.write(replyNoSuchUser)
		default:
			s.WarnLog("recipient lookup for %s failed: %v", to, err)
			s.write(replyLocalError)
		}
		return err
	}

	s.recipients = append(s.recipients, *rcpt)
	s.state = stateRcptTo
	s.write(replyOK)
	return nil
}

func (s *SMTPSession) handleData() error {
	if s.state != stateRcptTo {
		s.write(replyBadSequence)
		return server.Errorf(server.KindSequence, "DATA in state %s", s.state)
	}
	s.state = stateData
	s.write(replyStartInput)
	if err := s.writer.Flush(); err != nil {
		s.closing = true
		return err
	}

	body, tooLarge, err := s.readData()
	if err != nil {
		s.closing = true
		return err
	}
	defer s.resetTransaction()

	if tooLarge {
		s.Log("rejected message over %d bytes", s.server.maxMessageSize)
		s.write(replyTooLarge)
		return delivery.ErrMessageTooLarge
	}

	queueID := uuid.New().String()
	dc := s.server.deliveryContext(s)
	if _, err := dc.DeliverAll(s.ctx, s.recipients, body); err != nil {
		s.WarnLog("queue %s: delivery failed, nothing stored: %v", queueID, err)
		if errors.Is(err, delivery.ErrMessageTooLarge) {
			s.write(replyTooLarge)
		} else {
			s.write(replyLocalError)
		}
		return err
	}
	s.Log("queue %s: from=%s recipients=%d size=%d", queueID, s.from, len(s.recipients), len(body))
	s.writeLine("250 OK: queued as " + queueID)
	return nil
}

// readData collects the message up to the lone "." line, undoing dot
// stuffing. Once the size limit is passed the rest is read and discarded.
func (s *SMTPSession) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooLarge := false
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, false, err
		}
		if line == "." {
			return buf.Bytes(), tooLarge, nil
		}
		if tooLarge {
			continue
		}
		line = strings.TrimPrefix(line, ".")
		if int64(buf.Len()+len(line)+2) > s.server.maxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
}

// resetTransaction drops the envelope. Authentication survives.
func (s *SMTPSession) resetTransaction() {
	s.from = ""
	s.recipients = nil
	if s.state != stateConnected {
		s.state = stateGreeted
	}
}

// failTransaction is resetTransaction for a failed or aborted AUTH exchange.
func (s *SMTPSession) failTransaction() {
	s.authUsername = ""
	s.resetTransaction()
}

func (s *SMTPSession) write(r *gosmtp.SMTPError) {
	if r.EnhancedCode == gosmtp.NoEnhancedCode || r.EnhancedCode == gosmtp.EnhancedCodeNotSet {
		s.writeLine(fmt.Sprintf("%d %s", r.Code, r.Message))
		return
	}
	e := r.EnhancedCode
	s.writeLine(fmt.Sprintf("%d %d.%d.%d %s", r.Code, e[0], e[1], e[2], r.Message))
}

func (s *SMTPSession) writeLine(line string) {
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
}

func (s *SMTPSession) close() {
	s.writer.Flush()
	s.conn.Close()
	if s.authenticated {
		s.server.base.AuthenticatedDec()
	}
	s.Log("closed")
}

func hasPathPrefix(args, prefix string) bool {
	return len(args) >= len(prefix) && strings.EqualFold(args[:len(prefix)], prefix)
}
