package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Log(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func setup(t *testing.T) (*DeliveryContext, *memstore.Store, int64) {
	t.Helper()
	st := memstore.New(memstore.WithBcryptCost(bcrypt.MinCost))
	userID, err := st.CreateAccount(context.Background(), "bob@example.com", "pw")
	require.NoError(t, err)
	return &DeliveryContext{
		Store:        st,
		Notifier:     notify.NewHub(8),
		MetricsLabel: "test",
		Logger:       &recordingLogger{},
	}, st, userID
}

func TestLookupRecipient(t *testing.T) {
	d, _, userID := setup(t)
	ctx := context.Background()

	rcpt, err := d.LookupRecipient(ctx, "Bob@Example.com")
	require.NoError(t, err)
	assert.Equal(t, userID, rcpt.AccountID)
	assert.Equal(t, "bob@example.com", rcpt.Address.FullAddress())

	_, err = d.LookupRecipient(ctx, "carol@example.com")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
	assert.Equal(t, server.KindNotFound, server.Classify(err))

	_, err = d.LookupRecipient(ctx, "not an address")
	require.Error(t, err)
	assert.Equal(t, server.KindMalformed, server.Classify(err))
}

func TestDeliverMessageNormalizesAndNotifies(t *testing.T) {
	d, st, _ := setup(t)
	ctx := context.Background()

	rcpt, err := d.LookupRecipient(ctx, "bob@example.com")
	require.NoError(t, err)
	inbox, err := st.GetMailboxByName(ctx, rcpt.AccountID, consts.MailboxInbox)
	require.NoError(t, err)
	sub := d.Notifier.Subscribe(inbox.ID)
	defer sub.Close()

	res, err := d.DeliverMessage(ctx, *rcpt, []byte("Subject: alarm\n\nline one\nline two\n"))
	require.NoError(t, err)
	assert.Equal(t, consts.MailboxInbox, res.MailboxName)
	assert.EqualValues(t, 1, res.UID)
	assert.EqualValues(t, 1, res.Seq)
	assert.Equal(t, "alarm", res.Subject)

	ev := <-sub.C
	assert.Equal(t, inbox.ID, ev.MailboxID)
	assert.EqualValues(t, 1, ev.UID)

	active, err := st.ListActive(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	body, err := st.GetMessageContent(ctx, active[0])
	require.NoError(t, err)
	assert.Equal(t, "Subject: alarm\r\n\r\nline one\r\nline two\r\n", string(body))
}

func TestDeliverMessageTargetMailbox(t *testing.T) {
	d, _, _ := setup(t)
	ctx := context.Background()
	rcpt, err := d.LookupRecipient(ctx, "bob@example.com")
	require.NoError(t, err)

	rcpt.TargetMailbox = "Junk"
	res, err := d.DeliverMessage(ctx, *rcpt, []byte("Subject: x\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Junk", res.MailboxName)

	rcpt.TargetMailbox = "Nope"
	_, err = d.DeliverMessage(ctx, *rcpt, []byte("Subject: x\r\n\r\nbody\r\n"))
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
}

func TestDeliverAllRecipientsOrNone(t *testing.T) {
	d, st, bobID := setup(t)
	ctx := context.Background()
	_, err := st.CreateAccount(ctx, "carol@example.com", "pw")
	require.NoError(t, err)

	bob, err := d.LookupRecipient(ctx, "bob@example.com")
	require.NoError(t, err)
	carol, err := d.LookupRecipient(ctx, "carol@example.com")
	require.NoError(t, err)

	broken := *carol
	broken.TargetMailbox = "Nope"
	_, err = d.DeliverAll(ctx, []RecipientInfo{*bob, broken}, []byte("Subject: x\r\n\r\nbody\r\n"))
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	inbox, err := st.GetMailboxByName(ctx, bobID, consts.MailboxInbox)
	require.NoError(t, err)
	active, err := st.ListActive(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	results, err := d.DeliverAll(ctx, []RecipientInfo{*bob, *carol}, []byte("Subject: x\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, consts.MailboxInbox, res.MailboxName)
		assert.EqualValues(t, 1, res.UID)
		assert.Equal(t, "x", res.Subject)
	}
	assert.NotEqual(t, results[0].MailboxID, results[1].MailboxID)
}

func TestDeliverMessageTooLarge(t *testing.T) {
	d, _, _ := setup(t)
	d.MaxMessageSize = 10
	ctx := context.Background()
	rcpt, err := d.LookupRecipient(ctx, "bob@example.com")
	require.NoError(t, err)

	_, err = d.DeliverMessage(ctx, *rcpt, []byte(strings.Repeat("x", 11)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
