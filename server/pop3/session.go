package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/store"
)

type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

type command int

const (
	cmdUnknown command = iota
	cmdCAPA
	cmdUSER
	cmdPASS
	cmdSTAT
	cmdLIST
	cmdUIDL
	cmdRETR
	cmdTOP
	cmdDELE
	cmdNOOP
	cmdRSET
	cmdQUIT
)

var commandNames = map[string]command{
	"CAPA": cmdCAPA,
	"USER": cmdUSER,
	"PASS": cmdPASS,
	"STAT": cmdSTAT,
	"LIST": cmdLIST,
	"UIDL": cmdUIDL,
	"RETR": cmdRETR,
	"TOP":  cmdTOP,
	"DELE": cmdDELE,
	"NOOP": cmdNOOP,
	"RSET": cmdRSET,
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

const (
	replyInternalError = "-ERR Internal server error\r\n"
	replyNoSuchMessage = "-ERR No such message.\r\n"
	replySignOff       = "+OK " + consts.ServerName + " POP3 server signing off.\r\n"
)

type POP3Session struct {
	server.Session
	server *POP3Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context

	state       state
	username    string
	mailboxID   int64
	messages    []store.MailInstance // INBOX snapshot taken at login
	deleted     map[int]bool         // indexes into messages marked by DELE
	errorsCount int
	closing     bool
}

func newSession(ctx context.Context, srv *POP3Server, conn net.Conn, sess *server.Session) *POP3Session {
	return &POP3Session{
		Session: *sess,
		server:  srv,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		ctx:     ctx,
		deleted: make(map[int]bool),
	}
}

func (s *POP3Session) handleConnection() {
	defer s.close()

	s.writer.WriteString("+OK " + consts.ServerName + " POP3 server ready.\r\n")
	s.writer.Flush()
	s.Log("connected")

	for !s.closing {
		s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.writer.WriteString("-ERR Connection timed out due to inactivity\r\n")
				s.writer.Flush()
				s.Log("timed out")
			case server.IsConnectionError(err):
				s.Log("client dropped connection")
			default:
				s.Log("read error: %v", err)
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.dispatch(line)
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

// dispatch runs one command. A panic is reported to the client as an
// internal error and the session continues.
func (s *POP3Session) dispatch(line string) {
	_, name, rest := server.SplitCommand(line, false)
	cmd := parseCommand(name)
	s.DebugLog("C: %s", helpers.MaskSensitive(line, name, "PASS"))

	start := time.Now()
	var cmdErr error
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in %s: %v\n%s", cmd, r, debug.Stack())
			s.writer.WriteString(replyInternalError)
			cmdErr = fmt.Errorf("panic: %v", r)
		}
		s.server.base.RecordCommand(cmd.String(), start, cmdErr)
	}()

	args := strings.Fields(rest)
	switch s.state {
	case stateAuthorization:
		cmdErr = s.handleAuthorization(cmd, name, args)
	case stateTransaction:
		cmdErr = s.handleTransaction(cmd, args)
	default:
		cmdErr = s.clientError("-ERR Command not allowed in UPDATE state.\r\n")
	}
}

func (s *POP3Session) handleAuthorization(cmd command, name string, args []string) error {
	switch cmd {
	case cmdCAPA:
		s.writeCapabilities()
		return nil

	case cmdUSER:
		if len(args) < 1 {
			return s.clientError("-ERR Username required.\r\n")
		}
		s.username = args[0]
		s.writer.WriteString(fmt.Sprintf("+OK Password required for %s\r\n", args[0]))
		return nil

	case cmdPASS:
		if s.username == "" {
			return s.clientError("-ERR USER command first.\r\n")
		}
		if len(args) < 1 {
			return s.clientError("-ERR Password required.\r\n")
		}
		return s.authenticate(strings.Join(args, " "))

	case cmdQUIT:
		s.writer.WriteString(replySignOff)
		s.closing = true
		return nil

	case cmdNOOP:
		s.writer.WriteString("+OK\r\n")
		return nil

	default:
		s.Log("command %s not allowed before authentication", name)
		return s.clientError("-ERR Unknown command or command not allowed.\r\n")
	}
}

func (s *POP3Session) authenticate(password string) error {
	address, err := server.NewAddress(s.username)
	if err != nil {
		s.username = ""
		s.server.base.RecordAuth(err)
		return s.clientError("-ERR Authentication failed.\r\n")
	}

	s.Log("authentication attempt for %s", address.FullAddress())
	userID, err := s.server.store.Authenticate(s.ctx, address.FullAddress(), password)
	s.server.base.RecordAuth(err)
	if err != nil {
		s.username = ""
		if server.Classify(err) != server.KindAuth {
			s.WarnLog("authentication error: %v", err)
			s.writer.WriteString(replyInternalError)
			return err
		}
		s.Log("authentication failed")
		return s.clientError("-ERR Authentication failed.\r\n")
	}

	inbox, err := s.server.store.GetMailboxByName(s.ctx, userID, consts.MailboxInbox)
	if err != nil {
		s.WarnLog("INBOX lookup failed: %v", err)
		s.writer.WriteString(fmt.Sprintf("-ERR %s\r\n", server.ClientMessage(err)))
		return err
	}
	messages, err := s.server.store.ListActive(s.ctx, inbox.ID)
	if err != nil {
		s.WarnLog("INBOX listing failed: %v", err)
		s.writer.WriteString(replyInternalError)
		return err
	}

	s.User = server.NewUser(address, userID)
	s.mailboxID = inbox.ID
	s.messages = messages
	s.state = stateTransaction

	authCount := s.server.base.AuthenticatedInc()
	s.Log("authenticated (connections: total=%d, authenticated=%d)", s.server.base.GetTotalConnections(), authCount)
	s.writer.WriteString("+OK Mailbox open.\r\n")
	return nil
}

func (s *POP3Session) handleTransaction(cmd command, args []string) error {
	switch cmd {
	case cmdCAPA:
		s.writeCapabilities()

	case cmdUSER, cmdPASS:
		return s.clientError("-ERR Already authenticated.\r\n")

	case cmdSTAT:
		count, size := mailboxTotals(s.messages, s.deleted)
		s.writer.WriteString(fmt.Sprintf("+OK %d %d\r\n", count, size))

	case cmdLIST:
		if len(args) > 0 {
			msg, err := s.messageArg(args[0])
			if err != nil {
				return err
			}
			s.writer.WriteString(fmt.Sprintf("+OK %s %d\r\n", args[0], msg.Size))
			return nil
		}
		count, _ := mailboxTotals(s.messages, s.deleted)
		s.writer.WriteString(fmt.Sprintf("+OK %d messages\r\n", count))
		s.writer.WriteString(multiline(joinLines(buildListResponseLines(s.messages, s.deleted))))

	case cmdUIDL:
		if len(args) > 0 {
			msg, err := s.messageArg(args[0])
			if err != nil {
				return err
			}
			s.writer.WriteString(fmt.Sprintf("+OK %s %d\r\n", args[0], msg.UID))
			return nil
		}
		s.writer.WriteString("+OK Unique-ID listing follows\r\n")
		s.writer.WriteString(multiline(joinLines(buildUIDLResponseLines(s.messages, s.deleted))))

	case cmdRETR:
		if len(args) < 1 {
			return s.clientError("-ERR Message ID required.\r\n")
		}
		msg, err := s.messageArg(args[0])
		if err != nil {
			return err
		}
		body, err := s.server.store.GetMessageContent(s.ctx, msg)
		if err != nil {
			s.WarnLog("RETR %d failed: %v", msg.UID, err)
			s.writer.WriteString(replyInternalError)
			return err
		}
		s.writer.WriteString(fmt.Sprintf("+OK Message %s follows\r\n", args[0]))
		s.writer.WriteString(multiline(string(body)))
		s.DebugLog("retrieved message uid=%d size=%d", msg.UID, len(body))

	case cmdTOP:
		if len(args) < 2 {
			return s.clientError("-ERR Message number and number of lines required.\r\n")
		}
		lines, err := strconv.Atoi(args[1])
		if err != nil || lines < 0 {
			return s.clientError("-ERR Invalid arguments for TOP command.\r\n")
		}
		msg, err := s.messageArg(args[0])
		if err != nil {
			return err
		}
		body, err := s.server.store.GetMessageContent(s.ctx, msg)
		if err != nil {
			s.WarnLog("TOP %d failed: %v", msg.UID, err)
			s.writer.WriteString(replyInternalError)
			return err
		}
		s.writer.WriteString("+OK Top of message follows\r\n")
		s.writer.WriteString(multiline(string(helpers.TopLines(body, lines))))

	case cmdDELE:
		if len(args) < 1 {
			return s.clientError("-ERR Message ID required.\r\n")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return s.clientError("-ERR Invalid message ID.\r\n")
		}
		msg, ok := lookupMessage(s.messages, s.deleted, n)
		if !ok {
			return s.clientError(replyNoSuchMessage)
		}
		s.deleted[n-1] = true
		s.writer.WriteString("+OK Message marked for deletion.\r\n")
		s.Log("marked message uid=%d for deletion", msg.UID)

	case cmdNOOP:
		s.writer.WriteString("+OK\r\n")

	case cmdRSET:
		s.deleted = make(map[int]bool)
		s.writer.WriteString("+OK Deletion marks removed.\r\n")

	case cmdQUIT:
		return s.quit()

	default:
		return s.clientError("-ERR Unknown command.\r\n")
	}
	return nil
}

// quit enters the UPDATE state and commits the DELE marks once.
func (s *POP3Session) quit() error {
	s.state = stateUpdate
	s.closing = true

	var uids []imap.UID
	for i, msg := range s.messages {
		if s.deleted[i] {
			uids = append(uids, msg.UID)
		}
	}
	s.deleted = make(map[int]bool)

	if len(uids) > 0 {
		removed, err := s.server.store.DeleteMessages(s.ctx, s.mailboxID, uids)
		if err != nil {
			s.WarnLog("error removing messages: %v", err)
			s.writer.WriteString("-ERR Some deleted messages not removed.\r\n")
			return err
		}
		s.Log("removed %d messages", removed)
	}
	s.writer.WriteString(replySignOff)
	return nil
}

// messageArg parses a message number and resolves it against the snapshot.
// Failures are already reported to the client.
func (s *POP3Session) messageArg(arg string) (store.MailInstance, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return store.MailInstance{}, s.clientError("-ERR Invalid message ID.\r\n")
	}
	msg, ok := lookupMessage(s.messages, s.deleted, n)
	if !ok {
		return store.MailInstance{}, s.clientError(replyNoSuchMessage)
	}
	return msg, nil
}

func (s *POP3Session) writeCapabilities() {
	s.writer.WriteString("+OK Capability list follows\r\n")
	s.writer.WriteString(multiline("TOP\r\nUSER\r\nUIDL\r\nPIPELINING\r\n"))
}

// clientError writes errMsg and counts it against the error budget. Once
// the budget is exhausted the session is closed instead.
func (s *POP3Session) clientError(errMsg string) error {
	s.errorsCount++
	if s.errorsCount > s.server.maxErrors {
		s.writer.WriteString("-ERR Too many errors, closing connection\r\n")
		s.closing = true
		return server.Errorf(server.KindSequence, "too many errors")
	}
	if s.server.errorDelay > 0 {
		time.Sleep(time.Duration(s.errorsCount) * s.server.errorDelay)
	}
	s.writer.WriteString(errMsg)
	return server.Errorf(server.KindMalformed, "%s", strings.TrimSpace(errMsg))
}

func (s *POP3Session) close() {
	s.writer.Flush()
	s.conn.Close()
	if s.User != nil {
		s.server.base.AuthenticatedDec()
		s.Log("closed (connections: total=%d, authenticated=%d)", s.server.base.GetTotalConnections(), s.server.base.GetAuthenticatedConnections())
		return
	}
	s.Log("closed unauthenticated connection")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
