package db_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/cache"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/store"
	"github.com/litongjava/tio-mail-wing/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(subject string) []byte {
	return []byte("From: a@example.com\r\nTo: user@example.com\r\nSubject: " + subject + "\r\nMessage-ID: <" + subject + "@example.com>\r\n\r\nbody " + subject + "\r\n")
}

func countRows(t *testing.T, td *testutils.TestDatabase, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, td.WritePool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func inbox(t *testing.T, td *testutils.TestDatabase, userID int64) *store.Mailbox {
	t.Helper()
	mbox, err := td.GetMailboxByName(context.Background(), userID, "inbox")
	require.NoError(t, err)
	return mbox
}

func TestDatabaseStore(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	t.Run("accounts", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "Accounts@Example.com", "secret")

		id, err := td.Authenticate(ctx, "accounts@example.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, userID, id)

		_, err = td.Authenticate(ctx, "accounts@example.com", "wrong")
		assert.ErrorIs(t, err, consts.ErrInvalidCredentials)
		_, err = td.Authenticate(ctx, "missing@example.com", "secret")
		assert.ErrorIs(t, err, consts.ErrInvalidCredentials)

		_, err = td.CreateAccount(ctx, "accounts@example.com", "x")
		assert.ErrorIs(t, err, consts.ErrUserExists)

		require.NoError(t, td.SetPassword(ctx, "accounts@example.com", "new"))
		_, err = td.Authenticate(ctx, "accounts@example.com", "new")
		assert.NoError(t, err)
		assert.ErrorIs(t, td.SetPassword(ctx, "missing@example.com", "x"), consts.ErrUserNotFound)

		exists, err := td.UserExists(ctx, "ACCOUNTS@example.com")
		require.NoError(t, err)
		assert.True(t, exists)
		_, err = td.GetUserIDByAddress(ctx, "missing@example.com")
		assert.ErrorIs(t, err, consts.ErrUserNotFound)
	})

	t.Run("default mailboxes", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "boxes@example.com", "secret")
		boxes, err := td.ListMailboxes(ctx, userID)
		require.NoError(t, err)
		var names []string
		for _, b := range boxes {
			names = append(names, b.Name)
			assert.Equal(t, imap.UID(1), b.UIDNext)
			assert.NotZero(t, b.UIDValidity)
		}
		assert.Equal(t, consts.DefaultMailboxes, names)

		_, err = td.CreateMailbox(ctx, userID, "Sent")
		assert.ErrorIs(t, err, consts.ErrMailboxExists)
		created, err := td.CreateMailbox(ctx, userID, "Projects")
		require.NoError(t, err)
		assert.Equal(t, "Projects", created.Name)

		_, err = td.GetMailboxByName(ctx, userID, "Nope")
		assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
		_, err = td.GetMailboxByName(ctx, 999999, "INBOX")
		assert.ErrorIs(t, err, consts.ErrUserNotFound)
	})

	t.Run("deliver allocates uids and recent", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "deliver@example.com", "secret")
		for i := 1; i <= 3; i++ {
			inst, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("deliver-%d", i)))
			require.NoError(t, err)
			assert.Equal(t, imap.UID(i), inst.UID)
			assert.Equal(t, uint32(i), inst.Seq)
			assert.True(t, inst.Flags.Has(store.FlagRecent))
		}
		mbox := inbox(t, td, userID)
		assert.Equal(t, imap.UID(4), mbox.UIDNext)

		active, err := td.ListActive(ctx, mbox.ID)
		require.NoError(t, err)
		require.Len(t, active, 3)
		content, err := td.GetMessageContent(ctx, active[1])
		require.NoError(t, err)
		assert.Equal(t, raw("deliver-2"), content)

		_, err = td.Deliver(ctx, userID, "Missing", raw("x"))
		assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
		_, err = td.Deliver(ctx, 999999, "INBOX", raw("x"))
		assert.ErrorIs(t, err, consts.ErrUserNotFound)
	})

	t.Run("concurrent deliver yields unique uids", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "concurrent@example.com", "secret")
		const n = 20
		var wg sync.WaitGroup
		uids := make([]imap.UID, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				inst, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("concurrent-%d", i)))
				errs[i] = err
				if err == nil {
					uids[i] = inst.UID
				}
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for i, u := range uids {
			assert.Equal(t, imap.UID(i+1), u)
		}
	})

	t.Run("deliver deduplicates content", func(t *testing.T) {
		a := td.CreateTestAccount(t, "dedup-a@example.com", "secret")
		b := td.CreateTestAccount(t, "dedup-b@example.com", "secret")
		body := raw("dedup")
		hash := helpers.HashContent(body)

		_, err := td.Deliver(ctx, a, "INBOX", body)
		require.NoError(t, err)
		_, err = td.Deliver(ctx, b, "INBOX", body)
		require.NoError(t, err)
		_, err = td.Deliver(ctx, a, "Archive", body)
		require.NoError(t, err)

		assert.Equal(t, 1, countRows(t, td, `SELECT COUNT(*) FROM messages WHERE content_hash = $1`, hash))
		assert.Equal(t, 3, countRows(t, td, `SELECT COUNT(*) FROM mail_instances mi JOIN messages m ON m.id = mi.message_id WHERE m.content_hash = $1`, hash))
	})

	t.Run("set flags is idempotent", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "flags@example.com", "secret")
		_, err := td.Deliver(ctx, userID, "INBOX", raw("flags-1"))
		require.NoError(t, err)
		mbox := inbox(t, td, userID)

		for i := 0; i < 2; i++ {
			updated, err := td.SetFlags(ctx, mbox.ID, []imap.UID{1}, store.FlagSeen|store.FlagFlagged, true)
			require.NoError(t, err)
			require.Len(t, updated, 1)
			assert.Equal(t, store.FlagSeen|store.FlagFlagged|store.FlagRecent, updated[0].Flags)
			assert.Equal(t, uint32(1), updated[0].Seq)
		}

		updated, err := td.SetFlags(ctx, mbox.ID, []imap.UID{1, 99}, store.FlagFlagged, false)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, store.FlagSeen|store.FlagRecent, updated[0].Flags)
	})

	t.Run("expunge removes only deleted", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "expunge@example.com", "secret")
		for i := 1; i <= 4; i++ {
			_, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("expunge-%d", i)))
			require.NoError(t, err)
		}
		mbox := inbox(t, td, userID)

		seqs, err := td.Expunge(ctx, userID, "INBOX")
		require.NoError(t, err)
		assert.Empty(t, seqs)

		_, err = td.SetFlags(ctx, mbox.ID, []imap.UID{2, 4}, store.FlagDeleted, true)
		require.NoError(t, err)
		seqs, err = td.Expunge(ctx, userID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, []uint32{2, 4}, seqs)

		active, err := td.ListActive(ctx, mbox.ID)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, imap.UID(1), active[0].UID)
		assert.Equal(t, imap.UID(3), active[1].UID)
		assert.Equal(t, uint32(2), active[1].Seq)

		inst, err := td.Deliver(ctx, userID, "INBOX", raw("expunge-5"))
		require.NoError(t, err)
		assert.Equal(t, imap.UID(5), inst.UID)
	})

	t.Run("deliver all is atomic", func(t *testing.T) {
		daveID := td.CreateTestAccount(t, "dave@example.com", "secret")
		erinID := td.CreateTestAccount(t, "erin@example.com", "secret")

		_, err := td.DeliverAll(ctx, []store.DeliveryTarget{
			{UserID: daveID, MailboxName: "INBOX"},
			{UserID: erinID, MailboxName: "Missing"},
		}, raw("fan-out"))
		assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
		active, err := td.ListActive(ctx, inbox(t, td, daveID).ID)
		require.NoError(t, err)
		assert.Empty(t, active)

		out, err := td.DeliverAll(ctx, []store.DeliveryTarget{
			{UserID: erinID, MailboxName: "INBOX"},
			{UserID: daveID, MailboxName: "INBOX"},
		}, raw("fan-out"))
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, erinID, out[0].UserID)
		assert.Equal(t, daveID, out[1].UserID)
		assert.Equal(t, out[0].MessageID, out[1].MessageID)
		assert.Equal(t, imap.UID(1), out[0].UID)
		assert.Equal(t, imap.UID(1), out[1].UID)
	})

	t.Run("claim recent and status", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "status@example.com", "secret")
		for i := 1; i <= 3; i++ {
			_, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("status-%d", i)))
			require.NoError(t, err)
		}
		mbox := inbox(t, td, userID)
		_, err := td.SetFlags(ctx, mbox.ID, []imap.UID{1}, store.FlagSeen, true)
		require.NoError(t, err)

		st, err := td.GetMailboxStatus(ctx, mbox.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), st.Messages)
		assert.Equal(t, uint32(3), st.Recent)
		assert.Equal(t, uint32(2), st.Unseen)
		assert.Equal(t, imap.UID(2), st.FirstUnseenUID)
		assert.Equal(t, imap.UID(4), st.UIDNext)
		assert.Equal(t, mbox.UIDValidity, st.UIDValidity)

		claimed, err := td.ClaimRecent(ctx, mbox.ID)
		require.NoError(t, err)
		assert.Equal(t, []imap.UID{1, 2, 3}, claimed)
		claimed, err = td.ClaimRecent(ctx, mbox.ID)
		require.NoError(t, err)
		assert.Empty(t, claimed)
		st, err = td.GetMailboxStatus(ctx, mbox.ID)
		require.NoError(t, err)
		assert.Zero(t, st.Recent)
	})

	t.Run("copy and move", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "copy@example.com", "secret")
		for i := 1; i <= 3; i++ {
			_, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("copy-%d", i)))
			require.NoError(t, err)
		}
		src := inbox(t, td, userID)

		res, err := td.CopyMessages(ctx, userID, src.ID, []imap.UID{1, 3}, "Archive")
		require.NoError(t, err)
		assert.Equal(t, []store.UIDPair{{Source: 1, Dest: 1}, {Source: 3, Dest: 2}}, res.Pairs)
		assert.Empty(t, res.ExpungedSeqNums)

		res, err = td.MoveMessages(ctx, userID, src.ID, []imap.UID{2, 3}, "Archive")
		require.NoError(t, err)
		assert.Equal(t, []store.UIDPair{{Source: 2, Dest: 3}, {Source: 3, Dest: 4}}, res.Pairs)
		assert.Equal(t, []uint32{2, 3}, res.ExpungedSeqNums)

		active, err := td.ListActive(ctx, src.ID)
		require.NoError(t, err)
		require.Len(t, active, 1)
		archived, err := td.ListActive(ctx, res.DestMailboxID)
		require.NoError(t, err)
		assert.Len(t, archived, 4)
		for _, inst := range archived {
			assert.True(t, inst.Flags.Has(store.FlagRecent))
		}

		_, err = td.CopyMessages(ctx, userID, src.ID, []imap.UID{1}, "Nope")
		assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
		assert.Equal(t, 0, countRows(t, td, `SELECT COUNT(*) FROM mail_instances WHERE mailbox_id = $1 AND uid > 4`, res.DestMailboxID))
	})

	t.Run("delete messages", func(t *testing.T) {
		userID := td.CreateTestAccount(t, "dele@example.com", "secret")
		for i := 1; i <= 3; i++ {
			_, err := td.Deliver(ctx, userID, "INBOX", raw(fmt.Sprintf("dele-%d", i)))
			require.NoError(t, err)
		}
		mbox := inbox(t, td, userID)

		n, err := td.DeleteMessages(ctx, mbox.ID, []imap.UID{1, 3, 7})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		active, err := td.ListActive(ctx, mbox.ID)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, imap.UID(2), active[0].UID)
	})

	t.Run("metrics stats", func(t *testing.T) {
		stats, err := td.GetMetricsStats(ctx)
		require.NoError(t, err)
		assert.Positive(t, stats.TotalAccounts)
		assert.Equal(t, stats.TotalAccounts*int64(len(consts.DefaultMailboxes))+1, stats.TotalMailboxes)
		assert.Positive(t, stats.TotalMessages)
	})
}

func TestDatabaseBodyOffload(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	bodies, err := testutils.NewFileBodyStore(t.TempDir())
	require.NoError(t, err)
	bodyCache, err := cache.New(t.TempDir(), 1<<20, 1<<16, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { bodyCache.Close() })
	td.Bodies = bodies
	td.Cache = bodyCache

	userID := td.CreateTestAccount(t, "offload@example.com", "secret")
	body := raw("offload")
	hash := helpers.HashContent(body)

	_, err = td.Deliver(ctx, userID, "INBOX", body)
	require.NoError(t, err)
	_, err = td.Deliver(ctx, userID, "Archive", body)
	require.NoError(t, err)

	assert.Equal(t, 1, bodies.PutCount())
	assert.Equal(t, []string{helpers.NewS3Key(hash)}, bodies.Keys())
	assert.Equal(t, 1, countRows(t, td, `SELECT COUNT(*) FROM messages WHERE content_hash = $1 AND raw_content IS NULL`, hash))

	active, err := td.ListActive(ctx, inbox(t, td, userID).ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, bodyCache.Delete(hash))
	content, err := td.GetMessageContent(ctx, active[0])
	require.NoError(t, err)
	assert.Equal(t, body, content)

	exists, err := bodyCache.Exists(hash)
	require.NoError(t, err)
	assert.True(t, exists)
}
