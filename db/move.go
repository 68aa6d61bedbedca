package db

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/store"
)

// lockMailboxes takes transaction-scoped advisory locks on both mailboxes in
// ascending id order.
func lockMailboxes(ctx context.Context, tx pgx.Tx, a, b int64) error {
	if a > b {
		a, b = b, a
	}
	for _, id := range []int64{a, b} {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::integer, $2::integer)`, consts.MailboxLockNamespace, int32(id)); err != nil {
			return fmt.Errorf("failed to lock mailbox %d: %w", id, err)
		}
		if a == b {
			break
		}
	}
	return nil
}

func (db *Database) copyMessages(ctx context.Context, operation string, userID, srcMailboxID int64, uids []imap.UID, destName string, move bool) (*store.CopyResult, error) {
	var res *store.CopyResult
	err := db.inTx(ctx, operation, func(tx pgx.Tx) error {
		src, err := mailboxByID(ctx, tx, srcMailboxID)
		if err != nil {
			return err
		}
		if src.UserID != userID {
			return consts.ErrMailboxNotFound
		}
		dest, err := mailboxByName(ctx, tx, userID, destName, false)
		if err != nil {
			return err
		}
		if err := lockMailboxes(ctx, tx, src.ID, dest.ID); err != nil {
			return err
		}

		active, err := listActive(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		selected := filterByUID(active, uids)
		res = &store.CopyResult{DestMailboxID: dest.ID, DestUIDValidity: dest.UIDValidity}
		if len(selected) == 0 {
			return nil
		}

		first, err := allocateUIDs(ctx, tx, dest.ID, len(selected))
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(selected))
		for i, inst := range selected {
			created := store.MailInstance{
				UserID:       userID,
				MailboxID:    dest.ID,
				MessageID:    inst.MessageID,
				UID:          first + imap.UID(i),
				Flags:        inst.Flags | store.FlagRecent,
				InternalDate: inst.InternalDate,
			}
			if err := insertInstance(ctx, tx, &created); err != nil {
				return err
			}
			res.Pairs = append(res.Pairs, store.UIDPair{Source: inst.UID, Dest: created.UID})
			ids = append(ids, inst.ID)
		}

		if move {
			res.ExpungedSeqNums = store.SeqNumsForUIDs(active, uids)
			if _, err := tx.Exec(ctx, `UPDATE mail_instances SET expunged_at = now() WHERE id = ANY($1)`, ids); err != nil {
				return fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CopyMessages re-delivers the selected instances into destName, sharing
// the message rows and allocating fresh UIDs.
func (db *Database) CopyMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*store.CopyResult, error) {
	return db.copyMessages(ctx, "copy_messages", userID, srcMailboxID, uids, destName, false)
}

// MoveMessages copies and then removes the source instances in the same
// transaction.
func (db *Database) MoveMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*store.CopyResult, error) {
	return db.copyMessages(ctx, "move_messages", userID, srcMailboxID, uids, destName, true)
}
