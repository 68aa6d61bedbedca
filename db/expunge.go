package db

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/store"
)

// Expunge soft-deletes every \Deleted instance of the mailbox. Sequence
// numbers are computed under the mailbox row lock, before removal.
func (db *Database) Expunge(ctx context.Context, userID int64, mailboxName string) ([]uint32, error) {
	var seqs []uint32
	err := db.inTx(ctx, "expunge", func(tx pgx.Tx) error {
		mbox, err := mailboxByName(ctx, tx, userID, mailboxName, true)
		if err != nil {
			return err
		}
		active, err := listActive(ctx, tx, mbox.ID)
		if err != nil {
			return err
		}
		seqs = store.DeletedSeqNums(active)
		if len(seqs) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE mail_instances SET expunged_at = now()
			WHERE mailbox_id = $1 AND expunged_at IS NULL AND flags & $2 <> 0`,
			mbox.ID, int(store.FlagDeleted))
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		logger.Debug("Database: expunged", "user_id", userID, "mailbox", mailboxName, "count", len(seqs))
	}
	return seqs, nil
}

// DeleteMessages flags the UIDs \Deleted and soft-deletes them at once.
func (db *Database) DeleteMessages(ctx context.Context, mailboxID int64, uids []imap.UID) (int, error) {
	var n int64
	err := db.inTx(ctx, "delete_messages", func(tx pgx.Tx) error {
		if _, err := mailboxByID(ctx, tx, mailboxID); err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `
			UPDATE mail_instances SET flags = flags | $3, expunged_at = now()
			WHERE mailbox_id = $1 AND uid = ANY($2) AND expunged_at IS NULL`,
			mailboxID, uidArgs(uids), int(store.FlagDeleted))
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}
