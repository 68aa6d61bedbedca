package db

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/store"
)

// querier is satisfied by both pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const mailboxColumns = `id, account_id, name, uid_validity, uid_next, created_at`

func scanMailbox(row pgx.Row) (*store.Mailbox, error) {
	var mbox store.Mailbox
	var uidValidity, uidNext int64
	if err := row.Scan(&mbox.ID, &mbox.UserID, &mbox.Name, &uidValidity, &uidNext, &mbox.CreatedAt); err != nil {
		return nil, err
	}
	mbox.UIDValidity = uint32(uidValidity)
	mbox.UIDNext = imap.UID(uidNext)
	return &mbox, nil
}

func (db *Database) CreateMailbox(ctx context.Context, userID int64, name string) (*store.Mailbox, error) {
	var mbox *store.Mailbox
	err := db.inTx(ctx, "create_mailbox", func(tx pgx.Tx) error {
		var err error
		mbox, err = insertMailbox(ctx, tx, userID, name)
		return err
	})
	return mbox, err
}

// mailboxByName resolves a live mailbox of an existing user. With forUpdate
// the row stays locked until the transaction ends.
func mailboxByName(ctx context.Context, q querier, userID int64, name string, forUpdate bool) (*store.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes
		WHERE account_id = $1 AND name = $2 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	mbox, err := scanMailbox(q.QueryRow(ctx, query, userID, store.CanonicalMailboxName(name)))
	if err == nil {
		return mbox, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to fetch mailbox: %w", err)
	}

	var userExists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1 AND deleted_at IS NULL)`, userID).Scan(&userExists); err != nil {
		return nil, fmt.Errorf("failed to check account: %w", err)
	}
	if !userExists {
		return nil, consts.ErrUserNotFound
	}
	return nil, consts.ErrMailboxNotFound
}

func mailboxByID(ctx context.Context, q querier, mailboxID int64) (*store.Mailbox, error) {
	mbox, err := scanMailbox(q.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes
		WHERE id = $1 AND deleted_at IS NULL`, mailboxID))
	if err != nil {
		if isNoRows(err) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to fetch mailbox: %w", err)
	}
	return mbox, nil
}

func (db *Database) GetMailboxByName(ctx context.Context, userID int64, name string) (*store.Mailbox, error) {
	return mailboxByName(ctx, db.GetReadPoolWithContext(ctx), userID, name, false)
}

func (db *Database) ListMailboxes(ctx context.Context, userID int64) ([]*store.Mailbox, error) {
	rows, err := db.TimedQuery(ctx, "list_mailboxes", `SELECT `+mailboxColumns+` FROM mailboxes
		WHERE account_id = $1 AND deleted_at IS NULL ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*store.Mailbox
	for rows.Next() {
		mbox, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		out = append(out, mbox)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := db.getUserByID(ctx, userID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *Database) getUserByID(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := db.TimedQueryRow(ctx, "get_user", `SELECT id FROM accounts WHERE id = $1 AND deleted_at IS NULL`, userID).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to look up account: %w", err)
	}
	return id, nil
}

// GetMailboxStatus derives the message counters from a single aggregate
// query over the active instances.
func (db *Database) GetMailboxStatus(ctx context.Context, mailboxID int64) (*store.MailboxStatus, error) {
	pool := db.GetReadPoolWithContext(ctx)
	mbox, err := mailboxByID(ctx, pool, mailboxID)
	if err != nil {
		return nil, err
	}

	st := &store.MailboxStatus{UIDNext: mbox.UIDNext, UIDValidity: mbox.UIDValidity}
	var firstUnseen *int64
	err = db.TimedQueryRow(ctx, "mailbox_status", `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE flags & $2 <> 0),
			COUNT(*) FILTER (WHERE flags & $3 = 0),
			MIN(uid) FILTER (WHERE flags & $3 = 0)
		FROM mail_instances
		WHERE mailbox_id = $1 AND expunged_at IS NULL`,
		mailboxID, int(store.FlagRecent), int(store.FlagSeen)).Scan(&st.Messages, &st.Recent, &st.Unseen, &firstUnseen)
	if err != nil {
		return nil, fmt.Errorf("failed to compute mailbox status: %w", err)
	}
	if firstUnseen != nil {
		st.FirstUnseenUID = imap.UID(*firstUnseen)
	}
	return st, nil
}
