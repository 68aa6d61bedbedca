package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*Store, int64) {
	t.Helper()
	s := New(WithBcryptCost(bcrypt.MinCost))
	userID, err := s.CreateAccount(context.Background(), "user1@example.com", "secret")
	require.NoError(t, err)
	return s, userID
}

func raw(subject string) []byte {
	return []byte("From: a@example.com\r\nTo: user1@example.com\r\nSubject: " + subject + "\r\nMessage-ID: <" + subject + "@example.com>\r\n\r\nbody " + subject + "\r\n")
}

func TestAuthenticate(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()

	id, err := s.Authenticate(ctx, "USER1@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, userID, id)

	_, err = s.Authenticate(ctx, "user1@example.com", "wrong")
	assert.ErrorIs(t, err, consts.ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "nobody@example.com", "secret")
	assert.ErrorIs(t, err, consts.ErrInvalidCredentials)

	_, err = s.CreateAccount(ctx, "user1@example.com", "x")
	assert.ErrorIs(t, err, consts.ErrUserExists)

	require.NoError(t, s.SetPassword(ctx, "user1@example.com", "new"))
	_, err = s.Authenticate(ctx, "user1@example.com", "new")
	assert.NoError(t, err)
}

func TestDefaultMailboxesCreated(t *testing.T) {
	s, userID := newTestStore(t)
	boxes, err := s.ListMailboxes(context.Background(), userID)
	require.NoError(t, err)
	var names []string
	for _, b := range boxes {
		names = append(names, b.Name)
		assert.Equal(t, imap.UID(1), b.UIDNext)
	}
	assert.Equal(t, consts.DefaultMailboxes, names)

	mbox, err := s.GetMailboxByName(context.Background(), userID, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", mbox.Name)
}

func TestDeliverAllocatesUIDsAndRecent(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()

	first, err := s.Deliver(ctx, userID, "INBOX", raw("one"))
	require.NoError(t, err)
	second, err := s.Deliver(ctx, userID, "INBOX", raw("two"))
	require.NoError(t, err)

	assert.Equal(t, imap.UID(1), first.UID)
	assert.Equal(t, imap.UID(2), second.UID)
	assert.Equal(t, uint32(2), second.Seq)
	assert.True(t, first.Flags.Has(store.FlagRecent))

	mbox, err := s.GetMailboxByName(ctx, userID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(3), mbox.UIDNext)

	_, err = s.Deliver(ctx, userID, "Nope", raw("x"))
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	_, err = s.Deliver(ctx, 999, "INBOX", raw("x"))
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestConcurrentDeliverUniqueUIDs(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()

	const n = 50
	uids := make([]imap.UID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := s.Deliver(ctx, userID, "INBOX", raw(string(rune('a'+i%26))+"-"+string(rune('0'+i/26))))
			if assert.NoError(t, err) {
				uids[i] = inst.UID
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for i := range uids {
		assert.Equal(t, imap.UID(i+1), uids[i])
	}

	mbox, _ := s.GetMailboxByName(ctx, userID, "INBOX")
	active, err := s.ListActive(ctx, mbox.ID)
	require.NoError(t, err)
	require.Len(t, active, n)
	for i := 1; i < len(active); i++ {
		assert.Less(t, active[i-1].UID, active[i].UID)
		assert.Equal(t, uint32(i+1), active[i].Seq)
	}
}

func TestDeliverDeduplicatesContent(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	body := raw("same")

	a, err := s.Deliver(ctx, userID, "INBOX", body)
	require.NoError(t, err)
	b, err := s.Deliver(ctx, userID, "Archive", body)
	require.NoError(t, err)

	assert.Equal(t, 1, s.MessageCount())
	assert.Equal(t, 2, s.InstanceCount())
	assert.Equal(t, a.MessageID, b.MessageID)
	assert.NotEqual(t, a.MailboxID, b.MailboxID)

	content, err := s.GetMessageContent(ctx, *b)
	require.NoError(t, err)
	assert.Equal(t, body, content)
}

func TestDeliverAllIsAllOrNothing(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	carolID, err := s.CreateAccount(ctx, "carol@example.com", "pw")
	require.NoError(t, err)

	_, err = s.DeliverAll(ctx, []store.DeliveryTarget{
		{UserID: userID, MailboxName: "INBOX"},
		{UserID: carolID, MailboxName: "Missing"},
	}, raw("partial"))
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	assert.Zero(t, s.MessageCount())
	assert.Zero(t, s.InstanceCount())

	out, err := s.DeliverAll(ctx, []store.DeliveryTarget{
		{UserID: userID, MailboxName: "INBOX"},
		{UserID: carolID, MailboxName: "inbox"},
	}, raw("both"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, userID, out[0].UserID)
	assert.Equal(t, carolID, out[1].UserID)
	assert.Equal(t, out[0].MessageID, out[1].MessageID)
	assert.Equal(t, imap.UID(1), out[0].UID)
	assert.Equal(t, imap.UID(1), out[1].UID)
	assert.Equal(t, 1, s.MessageCount())
	assert.Equal(t, 2, s.InstanceCount())
}

func TestSetFlagsIdempotent(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	inst, err := s.Deliver(ctx, userID, "INBOX", raw("f"))
	require.NoError(t, err)

	once, err := s.SetFlags(ctx, inst.MailboxID, []imap.UID{inst.UID}, store.FlagSeen, true)
	require.NoError(t, err)
	twice, err := s.SetFlags(ctx, inst.MailboxID, []imap.UID{inst.UID}, store.FlagSeen, true)
	require.NoError(t, err)
	assert.Equal(t, once[0].Flags, twice[0].Flags)

	removed, err := s.SetFlags(ctx, inst.MailboxID, []imap.UID{inst.UID}, store.FlagFlagged, false)
	require.NoError(t, err)
	assert.Equal(t, twice[0].Flags, removed[0].Flags)
	assert.Equal(t, uint32(1), removed[0].Seq)

	none, err := s.SetFlags(ctx, inst.MailboxID, []imap.UID{99}, store.FlagSeen, true)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExpungeOnlyDeleted(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	var last *store.MailInstance
	for _, subj := range []string{"1", "2", "3", "4"} {
		inst, err := s.Deliver(ctx, userID, "INBOX", raw(subj))
		require.NoError(t, err)
		last = inst
	}
	mboxID := last.MailboxID

	_, err := s.SetFlags(ctx, mboxID, []imap.UID{2, 4}, store.FlagDeleted, true)
	require.NoError(t, err)

	seqs, err := s.Expunge(ctx, userID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 4}, seqs)

	seqs, err = s.Expunge(ctx, userID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, seqs)

	active, err := s.ListActive(ctx, mboxID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, imap.UID(1), active[0].UID)
	assert.Equal(t, imap.UID(3), active[1].UID)
	assert.Equal(t, uint32(2), active[1].Seq)

	next, err := s.Deliver(ctx, userID, "INBOX", raw("5"))
	require.NoError(t, err)
	assert.Equal(t, imap.UID(5), next.UID)
}

func TestClaimRecentAndStatus(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Deliver(ctx, userID, "INBOX", raw("a"))
	_, _ = s.Deliver(ctx, userID, "INBOX", raw("b"))

	st, err := s.GetMailboxStatus(ctx, a.MailboxID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Messages)
	assert.Equal(t, uint32(2), st.Recent)
	assert.Equal(t, imap.UID(1), st.FirstUnseenUID)

	claimed, err := s.ClaimRecent(ctx, a.MailboxID)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{1, 2}, claimed)
	again, err := s.ClaimRecent(ctx, a.MailboxID)
	require.NoError(t, err)
	assert.Empty(t, again)
	_, _ = s.SetFlags(ctx, a.MailboxID, []imap.UID{1}, store.FlagSeen, true)

	st, err = s.GetMailboxStatus(ctx, a.MailboxID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), st.Recent)
	assert.Equal(t, uint32(1), st.Unseen)
	assert.Equal(t, imap.UID(2), st.FirstUnseenUID)
	assert.Equal(t, imap.UID(3), st.UIDNext)
}

func TestClaimRecentIsExclusive(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	var mailboxID int64
	for i := 0; i < 50; i++ {
		inst, err := s.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		mailboxID = inst.MailboxID
	}

	const claimers = 8
	results := make([][]imap.UID, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uids, err := s.ClaimRecent(ctx, mailboxID)
			assert.NoError(t, err)
			results[i] = uids
		}(i)
	}
	wg.Wait()

	seen := map[imap.UID]int{}
	for _, uids := range results {
		for _, uid := range uids {
			seen[uid]++
		}
	}
	assert.Len(t, seen, 50)
	for uid, n := range seen {
		assert.Equal(t, 1, n, "uid %d claimed more than once", uid)
	}
}

func TestCopyAndMove(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Deliver(ctx, userID, "INBOX", raw("a"))
	_, _ = s.Deliver(ctx, userID, "INBOX", raw("b"))
	_, _ = s.Deliver(ctx, userID, "INBOX", raw("c"))
	inbox := a.MailboxID

	res, err := s.CopyMessages(ctx, userID, inbox, []imap.UID{1, 3, 42}, "Archive")
	require.NoError(t, err)
	assert.Equal(t, []store.UIDPair{{Source: 1, Dest: 1}, {Source: 3, Dest: 2}}, res.Pairs)
	assert.Empty(t, res.ExpungedSeqNums)
	assert.Equal(t, 3, s.MessageCount())

	res, err = s.MoveMessages(ctx, userID, inbox, []imap.UID{2, 3}, "Trash")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, res.ExpungedSeqNums)
	assert.Len(t, res.Pairs, 2)

	active, _ := s.ListActive(ctx, inbox)
	require.Len(t, active, 1)
	assert.Equal(t, imap.UID(1), active[0].UID)

	_, err = s.CopyMessages(ctx, userID, inbox, []imap.UID{1}, "Missing")
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	active, _ = s.ListActive(ctx, inbox)
	assert.Len(t, active, 1)
}

func TestDeleteMessages(t *testing.T) {
	s, userID := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Deliver(ctx, userID, "INBOX", raw("a"))
	_, _ = s.Deliver(ctx, userID, "INBOX", raw("b"))

	n, err := s.DeleteMessages(ctx, a.MailboxID, []imap.UID{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, _ := s.ListActive(ctx, a.MailboxID)
	require.Len(t, active, 1)
	assert.Equal(t, imap.UID(2), active[0].UID)

	stats, err := s.GetMetricsStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAccounts)
	assert.Equal(t, int64(1), stats.TotalMessages)
}
