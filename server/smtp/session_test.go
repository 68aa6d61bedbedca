package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
	"github.com/litongjava/tio-mail-wing/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUser     = "alice@example.com"
	testPassword = "secret"
	testHost     = "mx.example.com"
)

// loginClient is a minimal sasl.Client for AUTH LOGIN.
type loginClient struct {
	username, password string
}

func (c *loginClient) Start() (string, []byte, error) {
	return "LOGIN", []byte(c.username), nil
}

func (c *loginClient) Next(challenge []byte) ([]byte, error) {
	if string(challenge) == "Password:" {
		return []byte(c.password), nil
	}
	return nil, fmt.Errorf("unexpected challenge %q", challenge)
}

type testEnv struct {
	srv    *SMTPServer
	store  *memstore.Store
	userID int64
	hub    *notify.Hub
}

func newTestEnv(t *testing.T, opts SMTPServerOptions) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, opts, nil)
}

func newTestEnvWithStore(t *testing.T, opts SMTPServerOptions, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()
	st := memstore.New(memstore.WithBcryptCost(bcrypt.MinCost))
	userID, err := st.CreateAccount(context.Background(), testUser, testPassword)
	require.NoError(t, err)

	var served store.Store = st
	if wrap != nil {
		served = wrap(st)
	}
	hub := notify.NewHub(8)
	opts.Hostname = testHost
	opts.Notifier = hub
	srv, err := New(context.Background(), served, opts)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, userID: userID, hub: hub}
}

func (e *testEnv) inbox(t *testing.T) ([]string, int64) {
	t.Helper()
	return e.inboxOf(t, e.userID)
}

func (e *testEnv) inboxOf(t *testing.T, userID int64) ([]string, int64) {
	t.Helper()
	ctx := context.Background()
	mbox, err := e.store.GetMailboxByName(ctx, userID, consts.MailboxInbox)
	require.NoError(t, err)
	active, err := e.store.ListActive(ctx, mbox.ID)
	require.NoError(t, err)
	var bodies []string
	for _, inst := range active {
		raw, err := e.store.GetMessageContent(ctx, inst)
		require.NoError(t, err)
		bodies = append(bodies, string(raw))
	}
	return bodies, mbox.ID
}

type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, srv *SMTPServer) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "220 "+testHost+" ESMTP "+consts.ServerName, c.readLine())
	return c
}

func (c *rawClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *rawClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
}

func (c *rawClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

func (c *rawClient) ehlo() {
	c.t.Helper()
	require.Equal(c.t, "250-"+testHost+" says hello to client.test", c.cmd("EHLO client.test"))
	require.Equal(c.t, "250 AUTH LOGIN", c.readLine())
}

func (c *rawClient) login(user, pass string) string {
	c.t.Helper()
	require.Equal(c.t, "334 VXNlcm5hbWU6", c.cmd("AUTH LOGIN"))
	require.Equal(c.t, "334 UGFzc3dvcmQ6", c.cmd(base64.StdEncoding.EncodeToString([]byte(user))))
	return c.cmd(base64.StdEncoding.EncodeToString([]byte(pass)))
}

func TestMailFromRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	c := dialRaw(t, env.srv)

	assert.Equal(t, "503 Bad sequence of commands or not authenticated", c.cmd("MAIL FROM:<bob@example.com>"))
	c.ehlo()
	assert.Equal(t, "503 Bad sequence of commands or not authenticated", c.cmd("MAIL FROM:<bob@example.com>"))

	assert.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	assert.Equal(t, "221 Bye", c.cmd("QUIT"))
}

func TestCommandSequencing(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	c := dialRaw(t, env.srv)

	assert.Equal(t, "503 Bad sequence of commands", c.cmd("AUTH LOGIN"))
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("RCPT TO:<alice@example.com>"))
	c.ehlo()
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("EHLO again.test"))
	assert.Equal(t, "504 Authentication mechanism not supported", c.cmd("AUTH CRAM-MD5"))
	assert.Equal(t, "500 Syntax error, command unrecognized", c.cmd("VRFY alice"))
	assert.Equal(t, "250 OK", c.cmd("NOOP"))

	assert.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("AUTH LOGIN"))
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("DATA"))
	assert.Equal(t, "501 Invalid address", c.cmd("MAIL FROM:<>"))
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("DATA"))
	assert.Equal(t, "550 No such user here", c.cmd("RCPT TO:<nobody@example.com>"))
	assert.Equal(t, "501 Invalid address", c.cmd("RCPT TO:<not an address>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))

	assert.Equal(t, "250 OK", c.cmd("RSET"))
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("RCPT TO:<alice@example.com>"))
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"), "authentication survives RSET")
}

func TestAuthFailures(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	c := dialRaw(t, env.srv)
	c.ehlo()

	assert.Equal(t, "535 Authentication failed", c.login(testUser, "wrong"))
	assert.Equal(t, "535 Authentication failed", c.login("nobody@example.com", testPassword))

	assert.Equal(t, "334 VXNlcm5hbWU6", c.cmd("AUTH LOGIN"))
	assert.Equal(t, "501 Invalid base64 data", c.cmd("!!!not-base64"))

	assert.Equal(t, "334 VXNlcm5hbWU6", c.cmd("AUTH LOGIN"))
	assert.Equal(t, "501 Authentication cancelled", c.cmd("*"))

	assert.Equal(t, "503 Bad sequence of commands or not authenticated", c.cmd("MAIL FROM:<bob@example.com>"))
	assert.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
}

func TestAuthLoginInitialResponse(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	c := dialRaw(t, env.srv)
	c.ehlo()

	user := base64.StdEncoding.EncodeToString([]byte(testUser))
	assert.Equal(t, "334 UGFzc3dvcmQ6", c.cmd("AUTH LOGIN "+user))
	assert.Equal(t, "235 Authentication successful", c.cmd(base64.StdEncoding.EncodeToString([]byte(testPassword))))
}

func TestDataDeliversDotUnstuffed(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	_, mailboxID := env.inbox(t)
	sub := env.hub.Subscribe(mailboxID)
	defer sub.Close()

	c := dialRaw(t, env.srv)
	c.ehlo()
	require.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<Alice@Example.com>"))
	require.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", c.cmd("DATA"))

	c.send("Subject: hi")
	c.send("")
	c.send("..leading dot")
	c.send("body")
	reply := c.cmd(".")
	assert.True(t, strings.HasPrefix(reply, "250 OK: queued as "), reply)

	bodies, _ := env.inbox(t)
	require.Len(t, bodies, 1)
	assert.Equal(t, "Subject: hi\r\n\r\n.leading dot\r\nbody\r\n", bodies[0])

	select {
	case ev := <-sub.C:
		assert.EqualValues(t, 1, ev.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery notification")
	}

	// The transaction resets to GREETED and stays authenticated.
	assert.Equal(t, "503 Bad sequence of commands", c.cmd("RCPT TO:<alice@example.com>"))
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
}

func TestDataTooLarge(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{MaxMessageSize: 64})
	c := dialRaw(t, env.srv)
	c.ehlo()
	require.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))
	require.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", c.cmd("DATA"))
	for i := 0; i < 10; i++ {
		c.send(strings.Repeat("x", 40))
	}
	assert.Equal(t, "552 5.3.4 Message exceeds fixed maximum message size", c.cmd("."))

	bodies, _ := env.inbox(t)
	assert.Empty(t, bodies)
	assert.Equal(t, "250 OK", c.cmd("NOOP"))
}

// vanishingMailbox points the last target of a multi-recipient delivery at
// a mailbox that no longer exists.
type vanishingMailbox struct {
	store.Store
}

func (v vanishingMailbox) DeliverAll(ctx context.Context, targets []store.DeliveryTarget, raw []byte) ([]*store.MailInstance, error) {
	if len(targets) > 1 {
		targets = append([]store.DeliveryTarget(nil), targets...)
		targets[len(targets)-1].MailboxName = "Gone"
	}
	return v.Store.DeliverAll(ctx, targets, raw)
}

func TestDataFailureStoresNothing(t *testing.T) {
	env := newTestEnvWithStore(t, SMTPServerOptions{}, func(st store.Store) store.Store {
		return vanishingMailbox{Store: st}
	})
	carolID, err := env.store.CreateAccount(context.Background(), "carol@example.com", "pw")
	require.NoError(t, err)

	c := dialRaw(t, env.srv)
	c.ehlo()
	require.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<carol@example.com>"))
	require.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", c.cmd("DATA"))
	c.send("Subject: twice")
	c.send("")
	c.send("body")
	assert.Equal(t, "451 4.3.0 Requested action aborted: local error in processing", c.cmd("."))

	aliceBodies, _ := env.inbox(t)
	carolBodies, _ := env.inboxOf(t, carolID)
	assert.Empty(t, aliceBodies, "a failed DATA leaves no partial copies")
	assert.Empty(t, carolBodies)

	// A retry with a single recipient is stored once.
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))
	require.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", c.cmd("DATA"))
	c.send("Subject: twice")
	c.send("")
	c.send("body")
	reply := c.cmd(".")
	assert.True(t, strings.HasPrefix(reply, "250 OK: queued as "), reply)
	aliceBodies, _ = env.inbox(t)
	assert.Len(t, aliceBodies, 1)
}

func TestDataDeliversToEveryRecipient(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})
	carolID, err := env.store.CreateAccount(context.Background(), "carol@example.com", "pw")
	require.NoError(t, err)

	c := dialRaw(t, env.srv)
	c.ehlo()
	require.Equal(t, "235 Authentication successful", c.login(testUser, testPassword))
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<bob@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))
	require.Equal(t, "250 OK", c.cmd("RCPT TO:<carol@example.com>"))
	require.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", c.cmd("DATA"))
	c.send("Subject: both")
	c.send("")
	c.send("body")
	reply := c.cmd(".")
	assert.True(t, strings.HasPrefix(reply, "250 OK: queued as "), reply)

	aliceBodies, _ := env.inbox(t)
	carolBodies, _ := env.inboxOf(t, carolID)
	assert.Equal(t, []string{"Subject: both\r\n\r\nbody\r\n"}, aliceBodies)
	assert.Equal(t, aliceBodies, carolBodies)
}

func TestGoSMTPClientRoundTrip(t *testing.T) {
	env := newTestEnv(t, SMTPServerOptions{})

	client, err := gosmtp.Dial(env.srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Hello("client.test"))
	ok, params := client.Extension("AUTH")
	require.True(t, ok)
	assert.Equal(t, "LOGIN", params)

	err = client.Mail("bob@example.com", nil)
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "MAIL before AUTH must fail: %v", err)
	assert.Equal(t, 503, smtpErr.Code)

	require.NoError(t, client.Auth(&loginClient{username: testUser, password: testPassword}))
	require.NoError(t, client.Mail("bob@example.com", nil))

	err = client.Rcpt("ghost@example.com", nil)
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 550, smtpErr.Code)

	require.NoError(t, client.Rcpt(testUser, nil))
	wc, err := client.Data()
	require.NoError(t, err)
	_, err = wc.Write([]byte("From: bob@example.com\r\nTo: alice@example.com\r\nSubject: via client\r\n\r\n.hidden dot\r\n"))
	require.NoError(t, err)
	require.NoError(t, wc.Close())
	require.NoError(t, client.Quit())

	bodies, _ := env.inbox(t)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "Subject: via client")
	assert.Contains(t, bodies[0], "\r\n.hidden dot\r\n")
}
