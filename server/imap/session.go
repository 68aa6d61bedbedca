package imap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

type state int

const (
	stateNotAuthenticated state = iota
	stateAuthWaitUsername
	stateAuthWaitPassword
	stateAuthenticated
	stateSelected
	stateLogout
)

func (st state) String() string {
	switch st {
	case stateNotAuthenticated:
		return "NON_AUTHENTICATED"
	case stateAuthWaitUsername:
		return "AUTH_WAIT_USERNAME"
	case stateAuthWaitPassword:
		return "AUTH_WAIT_PASSWORD"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateSelected:
		return "SELECTED"
	case stateLogout:
		return "LOGOUT"
	}
	return "UNKNOWN"
}

type command int

const (
	cmdUnknown command = iota
	cmdCAPABILITY
	cmdID
	cmdNOOP
	cmdLOGOUT
	cmdAUTHENTICATE
	cmdLOGIN
	cmdSELECT
	cmdEXAMINE
	cmdCREATE
	cmdLIST
	cmdLSUB
	cmdSUBSCRIBE
	cmdUNSUBSCRIBE
	cmdSTATUS
	cmdIDLE
	cmdFETCH
	cmdSTORE
	cmdCOPY
	cmdMOVE
	cmdEXPUNGE
	cmdCLOSE
	cmdUID
)

var commandNames = map[string]command{
	"CAPABILITY":   cmdCAPABILITY,
	"ID":           cmdID,
	"NOOP":         cmdNOOP,
	"LOGOUT":       cmdLOGOUT,
	"AUTHENTICATE": cmdAUTHENTICATE,
	"LOGIN":        cmdLOGIN,
	"SELECT":       cmdSELECT,
	"EXAMINE":      cmdEXAMINE,
	"CREATE":       cmdCREATE,
	"LIST":         cmdLIST,
	"LSUB":         cmdLSUB,
	"SUBSCRIBE":    cmdSUBSCRIBE,
	"UNSUBSCRIBE":  cmdUNSUBSCRIBE,
	"STATUS":       cmdSTATUS,
	"IDLE":         cmdIDLE,
	"FETCH":        cmdFETCH,
	"STORE":        cmdSTORE,
	"COPY":         cmdCOPY,
	"MOVE":         cmdMOVE,
	"EXPUNGE":      cmdEXPUNGE,
	"CLOSE":        cmdCLOSE,
	"UID":          cmdUID,
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

// access is the lowest state a command is valid in.
type access int

const (
	anyState access = iota
	notAuthenticatedOnly
	authenticatedOnly
	selectedOnly
)

func (c command) access() access {
	switch c {
	case cmdAUTHENTICATE, cmdLOGIN:
		return notAuthenticatedOnly
	case cmdSELECT, cmdEXAMINE, cmdCREATE, cmdLIST, cmdLSUB, cmdSUBSCRIBE, cmdUNSUBSCRIBE, cmdSTATUS, cmdIDLE:
		return authenticatedOnly
	case cmdFETCH, cmdSTORE, cmdCOPY, cmdMOVE, cmdEXPUNGE, cmdCLOSE, cmdUID:
		return selectedOnly
	}
	return anyState
}

const capabilities = "IMAP4rev1 AUTH=LOGIN AUTH=PLAIN IDLE UIDPLUS ID LITERAL+ MOVE"

var errLiteralTooLarge = errors.New("literal too large")

type IMAPSession struct {
	server.Session
	server *IMAPServer
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context

	state        state
	authTag      string
	authMech     string
	authUsername string

	selected *store.Mailbox
	readOnly bool
	// recent holds the UIDs this session reports as \Recent. The store
	// flag is cleared as soon as the session claims them.
	recent  map[imap.UID]struct{}
	uidHigh imap.UID // highest UID this session has announced
	sub     *notify.Subscription
	closing bool
}

func newSession(ctx context.Context, srv *IMAPServer, conn net.Conn, sess *server.Session) *IMAPSession {
	return &IMAPSession{
		Session: *sess,
		server:  srv,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		ctx:     ctx,
	}
}

func (s *IMAPSession) handleConnection() {
	defer s.close()

	s.untagged("OK " + consts.ServerName + " IMAP4rev1 server ready")
	s.writer.Flush()
	s.Log("connected")

	for !s.closing {
		line, err := s.readCommand()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, errLiteralTooLarge):
				s.untagged("BAD Literal too large")
				s.writer.Flush()
				s.Log("closing: client literal over %d bytes", s.server.maxLiteralSize)
			case errors.As(err, &netErr) && netErr.Timeout():
				s.untagged("BYE Autologout; idle for too long")
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
		if strings.TrimSpace(line) == "" {
			continue
		}

		s.pushUpdates()
		s.dispatch(line)
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

func (s *IMAPSession) readLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readCommand reads one command line. Literals ({n} and {n+}) are read and
// spliced into the line as quoted strings, so handlers only ever see
// quoted or atom arguments.
func (s *IMAPSession) readCommand() (string, error) {
	var b strings.Builder
	for {
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		prefix, n, nonSync, ok := literalSuffix(line)
		if !ok {
			b.WriteString(line)
			return b.String(), nil
		}
		if n > s.server.maxLiteralSize {
			return "", errLiteralTooLarge
		}
		b.WriteString(prefix)
		if !nonSync {
			s.writer.WriteString("+ Ready for literal data\r\n")
			if err := s.writer.Flush(); err != nil {
				return "", err
			}
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.reader, buf); err != nil {
			return "", err
		}
		b.WriteString(quoteString(string(buf)))
	}
}

// literalSuffix reports whether line ends in a literal marker and returns
// the text before it.
func literalSuffix(line string) (prefix string, n int, nonSync bool, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return "", 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return "", 0, false, false
	}
	num := line[open+1 : len(line)-1]
	if strings.HasSuffix(num, "+") {
		nonSync = true
		num = num[:len(num)-1]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return "", 0, false, false
	}
	return line[:open], n, nonSync, true
}

func (s *IMAPSession) dispatch(line string) {
	if s.state == stateAuthWaitUsername || s.state == stateAuthWaitPassword {
		start := time.Now()
		s.DebugLog("C: [auth response]")
		err := s.handleAuthResponse(line)
		s.server.base.RecordCommand("AUTHENTICATE", start, err)
		return
	}

	tag, name, rest := server.SplitCommand(line, true)
	if tag == "" || name == "" {
		s.untagged("BAD Missing tag or command")
		return
	}
	cmd := parseCommand(name)
	s.DebugLog("C: %s", helpers.MaskSensitive(line, name, "LOGIN", "AUTHENTICATE"))

	start := time.Now()
	var cmdErr error
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in %s: %v\n%s", cmd, r, debug.Stack())
			s.bad(tag, "Internal server error")
			cmdErr = fmt.Errorf("panic: %v", r)
		}
		s.server.base.RecordCommand(cmd.String(), start, cmdErr)
	}()

	if cmd == cmdUnknown {
		s.bad(tag, "Unknown or unimplemented command")
		cmdErr = server.Errorf(server.KindMalformed, "unknown command %q", name)
		return
	}
	if err := s.checkAccess(tag, cmd); err != nil {
		cmdErr = err
		return
	}

	switch cmd {
	case cmdCAPABILITY:
		s.untagged("CAPABILITY " + capabilities)
		s.ok(tag, "CAPABILITY completed.")
	case cmdID:
		s.untagged(`ID ("name" "` + consts.ServerName + `")`)
		s.ok(tag, "ID completed.")
	case cmdNOOP:
		s.ok(tag, "NOOP completed.")
	case cmdLOGOUT:
		cmdErr = s.handleLogout(tag)
	case cmdAUTHENTICATE:
		cmdErr = s.handleAuthenticate(tag, rest)
	case cmdLOGIN:
		cmdErr = s.handleLogin(tag, rest)
	case cmdSELECT:
		cmdErr = s.handleSelect(tag, cmd, rest, false)
	case cmdEXAMINE:
		cmdErr = s.handleSelect(tag, cmd, rest, true)
	case cmdCREATE:
		cmdErr = s.handleCreate(tag, rest)
	case cmdLIST, cmdLSUB:
		cmdErr = s.handleList(tag, cmd, rest)
	case cmdSUBSCRIBE, cmdUNSUBSCRIBE:
		s.ok(tag, cmd.String()+" completed.")
	case cmdSTATUS:
		cmdErr = s.handleStatus(tag, rest)
	case cmdIDLE:
		cmdErr = s.handleIdle(tag)
	case cmdFETCH:
		cmdErr = s.handleFetch(tag, rest, false)
	case cmdSTORE:
		cmdErr = s.handleStore(tag, rest, false)
	case cmdCOPY:
		cmdErr = s.handleCopy(tag, rest, false, false)
	case cmdMOVE:
		cmdErr = s.handleCopy(tag, rest, true, false)
	case cmdEXPUNGE:
		cmdErr = s.handleExpunge(tag)
	case cmdCLOSE:
		cmdErr = s.handleClose(tag)
	case cmdUID:
		cmdErr = s.handleUID(tag, rest)
	}
}

func (s *IMAPSession) checkAccess(tag string, cmd command) error {
	switch cmd.access() {
	case notAuthenticatedOnly:
		if s.state != stateNotAuthenticated {
			s.bad(tag, "Already authenticated")
			return server.Errorf(server.KindSequence, "%s in state %s", cmd, s.state)
		}
	case authenticatedOnly:
		if s.state != stateAuthenticated && s.state != stateSelected {
			s.bad(tag, "Please authenticate first")
			return server.Errorf(server.KindSequence, "%s in state %s", cmd, s.state)
		}
	case selectedOnly:
		if s.state != stateSelected {
			s.bad(tag, "No mailbox selected")
			return server.Errorf(server.KindSequence, "%s in state %s", cmd, s.state)
		}
	}
	return nil
}

func (s *IMAPSession) handleUID(tag, rest string) error {
	sub, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	switch strings.ToUpper(sub) {
	case "FETCH":
		return s.handleFetch(tag, args, true)
	case "STORE":
		return s.handleStore(tag, args, true)
	case "COPY":
		return s.handleCopy(tag, args, false, true)
	case "MOVE":
		return s.handleCopy(tag, args, true, true)
	}
	s.bad(tag, "Unsupported UID command: "+sub)
	return server.Errorf(server.KindMalformed, "unsupported UID command %q", sub)
}

func (s *IMAPSession) handleLogout(tag string) error {
	var err error
	if s.state == stateSelected {
		err = s.deselect(true)
	}
	s.untagged("BYE " + consts.ServerName + " IMAP4rev1 server signing off")
	s.ok(tag, "LOGOUT completed.")
	s.state = stateLogout
	s.closing = true
	return err
}

// deselect leaves the SELECTED state. With expunge set, a read-write
// selection is expunged silently first.
func (s *IMAPSession) deselect(expunge bool) error {
	var err error
	if expunge && s.selected != nil && !s.readOnly {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		var seqs []uint32
		seqs, err = s.server.store.Expunge(ctx, s.AccountID(), s.selected.Name)
		cancel()
		if err != nil {
			s.WarnLog("implicit expunge of %s failed: %v", s.selected.Name, err)
		} else if len(seqs) > 0 {
			s.Log("implicitly expunged %d messages from %s", len(seqs), s.selected.Name)
		}
	}
	s.sub.Close()
	s.sub = nil
	s.selected = nil
	s.readOnly = false
	s.recent = nil
	s.uidHigh = 0
	if s.state == stateSelected {
		s.state = stateAuthenticated
	}
	return err
}

// pushUpdates reports deliveries that arrived since the last command. It
// runs as a new command is read, so untagged lines never split a response.
func (s *IMAPSession) pushUpdates() {
	if s.sub == nil || !s.drain() {
		return
	}
	s.syncMailbox()
}

// drain empties the subscription channel and reports whether anything
// was pending.
func (s *IMAPSession) drain() bool {
	pending := false
	for {
		select {
		case <-s.sub.C:
			pending = true
		default:
			return pending
		}
	}
}

// syncMailbox claims recent instances of the selected mailbox, rereads it
// and writes EXISTS and RECENT. Dropped notifications are harmless because
// new instances are found by UID rather than from the events.
func (s *IMAPSession) syncMailbox() {
	if s.selected == nil {
		return
	}
	s.claimRecent()
	active, err := s.server.store.ListActive(s.ctx, s.selected.ID)
	if err != nil {
		s.WarnLog("refresh of %s failed: %v", s.selected.Name, err)
		return
	}
	for _, inst := range active {
		if inst.UID > s.uidHigh {
			s.uidHigh = inst.UID
			if s.readOnly && inst.Flags.Has(store.FlagRecent) {
				s.recent[inst.UID] = struct{}{}
			}
		}
	}
	s.untagged(fmt.Sprintf("%d EXISTS", len(active)))
	s.untagged(fmt.Sprintf("%d RECENT", s.recentCount(active)))
}

// claimRecent moves the stored \Recent flags of the selected mailbox into
// this session's view. Read-only sessions never claim.
func (s *IMAPSession) claimRecent() {
	if s.selected == nil || s.readOnly {
		return
	}
	claimed, err := s.server.store.ClaimRecent(s.ctx, s.selected.ID)
	if err != nil {
		s.WarnLog("claiming recent in %s failed: %v", s.selected.Name, err)
		return
	}
	for _, uid := range claimed {
		s.recent[uid] = struct{}{}
	}
}

func (s *IMAPSession) recentCount(active []store.MailInstance) int {
	n := 0
	for _, inst := range active {
		if _, ok := s.recent[inst.UID]; ok {
			n++
		}
	}
	return n
}

// viewFlags is the flag set this session shows for inst.
func (s *IMAPSession) viewFlags(inst store.MailInstance) store.Flags {
	flags := inst.Flags &^ store.FlagRecent
	if _, ok := s.recent[inst.UID]; ok {
		flags |= store.FlagRecent
	}
	return flags
}

func (s *IMAPSession) untagged(text string) {
	s.writer.WriteString("* " + text + "\r\n")
}

func (s *IMAPSession) ok(tag, text string) {
	s.writer.WriteString(tag + " OK " + text + "\r\n")
}

func (s *IMAPSession) no(tag string, cmd command, reason string) {
	s.writer.WriteString(fmt.Sprintf("%s NO %s failed: %s\r\n", tag, cmd, reason))
}

func (s *IMAPSession) bad(tag, text string) {
	s.writer.WriteString(tag + " BAD " + text + "\r\n")
}

// fail reports err as the tagged completion of cmd and returns it.
func (s *IMAPSession) fail(tag string, cmd command, err error) error {
	switch server.Classify(err) {
	case server.KindMalformed, server.KindSequence:
		s.bad(tag, server.ClientMessage(err))
	case server.KindStorage:
		s.WarnLog("%s failed: %v", cmd, err)
		s.bad(tag, server.ClientMessage(err))
	default:
		s.no(tag, cmd, server.ClientMessage(err))
	}
	return err
}

func (s *IMAPSession) close() {
	if s.state == stateSelected {
		s.deselect(true)
	}
	s.writer.Flush()
	s.conn.Close()
	if s.User != nil {
		s.server.base.AuthenticatedDec()
		s.Log("closed (connections: total=%d, authenticated=%d)", s.server.base.GetTotalConnections(), s.server.base.GetAuthenticatedConnections())
		return
	}
	s.Log("closed unauthenticated connection")
}

// quoteString renders s as an IMAP quoted string.
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// argument unquotes one command argument.
func argument(tok string) string {
	return server.UnquoteString(tok)
}
