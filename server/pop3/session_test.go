package pop3

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testUser = "alice@example.com"

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) cmd(line string) string {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
	return c.readLine()
}

// multi reads a dot-terminated body and returns its lines, unstuffed.
func (c *testClient) multi() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, strings.TrimPrefix(line, "."))
	}
}

func newTestServer(t *testing.T) (*POP3Server, *memstore.Store, int64) {
	t.Helper()
	st := memstore.New(memstore.WithBcryptCost(bcrypt.MinCost))
	userID, err := st.CreateAccount(context.Background(), testUser, "secret")
	require.NoError(t, err)

	srv, err := New(context.Background(), st, POP3ServerOptions{MaxErrors: 5})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	t.Cleanup(srv.Close)
	return srv, st, userID
}

func dial(t *testing.T, srv *POP3Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "+OK "+consts.ServerName+" POP3 server ready.", c.readLine())
	return c
}

func deliver(t *testing.T, st *memstore.Store, userID int64, subject, body string) {
	t.Helper()
	raw := fmt.Sprintf("From: bob@example.com\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", testUser, subject, body)
	_, err := st.Deliver(context.Background(), userID, consts.MailboxInbox, []byte(raw))
	require.NoError(t, err)
}

func login(t *testing.T, c *testClient) {
	t.Helper()
	require.Equal(t, "+OK Password required for "+testUser, c.cmd("USER "+testUser))
	require.Equal(t, "+OK Mailbox open.", c.cmd("PASS secret"))
}

func TestAuthorizationState(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := dial(t, srv)

	assert.Equal(t, "-ERR Unknown command or command not allowed.", c.cmd("STAT"))
	assert.Equal(t, "-ERR USER command first.", c.cmd("PASS secret"))

	assert.Equal(t, "+OK Capability list follows", c.cmd("CAPA"))
	assert.Equal(t, []string{"TOP", "USER", "UIDL", "PIPELINING"}, c.multi())

	assert.Equal(t, "+OK Password required for "+testUser, c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed.", c.cmd("PASS wrong"))
	assert.Equal(t, "-ERR USER command first.", c.cmd("PASS secret"))

	login(t, c)
	assert.Equal(t, "-ERR Already authenticated.", c.cmd("USER "+testUser))
	assert.Equal(t, replySignOff, c.cmd("QUIT")+"\r\n")
}

func TestTransactionListRetrTop(t *testing.T) {
	srv, st, userID := newTestServer(t)
	deliver(t, st, userID, "first", "line 1\r\n.dotted\r\nline 3\r\n")
	deliver(t, st, userID, "second", "hello\r\n")

	c := dial(t, srv)
	login(t, c)

	stat := c.cmd("STAT")
	assert.True(t, strings.HasPrefix(stat, "+OK 2 "), stat)

	assert.Equal(t, "+OK 2 messages", c.cmd("LIST"))
	list := c.multi()
	require.Len(t, list, 2)
	assert.True(t, strings.HasPrefix(list[0], "1 "))

	assert.Equal(t, "+OK Unique-ID listing follows", c.cmd("UIDL"))
	assert.Equal(t, []string{"1 1", "2 2"}, c.multi())
	assert.Equal(t, "+OK 2 2", c.cmd("UIDL 2"))

	assert.Equal(t, "+OK Message 1 follows", c.cmd("RETR 1"))
	body := c.multi()
	assert.Contains(t, body, "Subject: first")
	assert.Contains(t, body, ".dotted")

	assert.Equal(t, "+OK Top of message follows", c.cmd("TOP 1 1"))
	top := c.multi()
	assert.Contains(t, top, "Subject: first")
	assert.Contains(t, top, "line 1")
	assert.NotContains(t, top, "line 3")

	assert.Equal(t, "-ERR No such message.", c.cmd("RETR 3"))
	assert.Equal(t, "-ERR Invalid message ID.", c.cmd("RETR abc"))
	assert.Equal(t, "+OK", c.cmd("NOOP"))
}

func TestSnapshotIgnoresLaterDeliveries(t *testing.T) {
	srv, st, userID := newTestServer(t)
	deliver(t, st, userID, "one", "x\r\n")

	c := dial(t, srv)
	login(t, c)
	deliver(t, st, userID, "two", "y\r\n")

	assert.Equal(t, "+OK 1 messages", c.cmd("LIST"))
	c.multi()
	assert.Equal(t, "-ERR No such message.", c.cmd("RETR 2"))
}

func TestDeleCommitsOnlyOnQuit(t *testing.T) {
	srv, st, userID := newTestServer(t)
	deliver(t, st, userID, "one", "x\r\n")
	deliver(t, st, userID, "two", "y\r\n")
	deliver(t, st, userID, "three", "z\r\n")
	ctx := context.Background()
	inbox, err := st.GetMailboxByName(ctx, userID, consts.MailboxInbox)
	require.NoError(t, err)

	c := dial(t, srv)
	login(t, c)
	assert.Equal(t, "+OK Message marked for deletion.", c.cmd("DELE 2"))
	assert.Equal(t, "-ERR No such message.", c.cmd("DELE 2"))
	assert.Equal(t, "-ERR No such message.", c.cmd("RETR 2"))

	assert.Equal(t, "+OK 2 messages", c.cmd("LIST"))
	assert.Equal(t, []string{"1", "3"}, firstFields(c.multi()))

	assert.Equal(t, "+OK Deletion marks removed.", c.cmd("RSET"))
	assert.Equal(t, "+OK Message marked for deletion.", c.cmd("DELE 1"))
	assert.Equal(t, "+OK Message marked for deletion.", c.cmd("DELE 3"))

	active, err := st.ListActive(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Len(t, active, 3, "nothing is removed before QUIT")

	assert.Equal(t, replySignOff, c.cmd("QUIT")+"\r\n")

	active, err = st.ListActive(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.EqualValues(t, 2, active[0].UID)
}

func TestDroppedConnectionKeepsMessages(t *testing.T) {
	srv, st, userID := newTestServer(t)
	deliver(t, st, userID, "one", "x\r\n")
	ctx := context.Background()
	inbox, err := st.GetMailboxByName(ctx, userID, consts.MailboxInbox)
	require.NoError(t, err)

	c := dial(t, srv)
	login(t, c)
	assert.Equal(t, "+OK Message marked for deletion.", c.cmd("DELE 1"))
	c.conn.Close()

	assert.Eventually(t, func() bool { return srv.GetTotalConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	active, err := st.ListActive(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTooManyErrorsClosesConnection(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := dial(t, srv)

	for i := 0; i < 5; i++ {
		assert.Equal(t, "-ERR Unknown command or command not allowed.", c.cmd("BOGUS"))
	}
	assert.Equal(t, "-ERR Too many errors, closing connection", c.cmd("BOGUS"))

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}

func firstFields(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.Fields(l)[0]
	}
	return out
}
