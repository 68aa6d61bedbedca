package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/store"
)

func uidArgs(uids []imap.UID) []int64 {
	out := make([]int64, len(uids))
	for i, u := range uids {
		out[i] = int64(u)
	}
	return out
}

func filterByUID(active []store.MailInstance, uids []imap.UID) []store.MailInstance {
	want := make(map[imap.UID]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}
	var out []store.MailInstance
	for _, inst := range active {
		if _, ok := want[inst.UID]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// SetFlags adds or removes flags on the active instances with the given
// UIDs. The returned instances carry their post-update flags and sequence
// numbers from the same transaction.
func (db *Database) SetFlags(ctx context.Context, mailboxID int64, uids []imap.UID, flags store.Flags, add bool) ([]store.MailInstance, error) {
	query := `UPDATE mail_instances SET flags = flags | $3
		WHERE mailbox_id = $1 AND uid = ANY($2) AND expunged_at IS NULL`
	if !add {
		query = `UPDATE mail_instances SET flags = flags & ~$3::integer
		WHERE mailbox_id = $1 AND uid = ANY($2) AND expunged_at IS NULL`
	}

	var updated []store.MailInstance
	err := db.inTx(ctx, "set_flags", func(tx pgx.Tx) error {
		if _, err := mailboxByID(ctx, tx, mailboxID); err != nil {
			return err
		}
		if len(uids) > 0 {
			if _, err := tx.Exec(ctx, query, mailboxID, uidArgs(uids), int(flags)); err != nil {
				return fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
			}
		}
		active, err := listActive(ctx, tx, mailboxID)
		if err != nil {
			return err
		}
		updated = filterByUID(active, uids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (db *Database) ClaimRecent(ctx context.Context, mailboxID int64) ([]imap.UID, error) {
	start := time.Now()
	rows, err := db.WritePool.Query(ctx, `
		UPDATE mail_instances SET flags = flags & ~$2::integer
		WHERE mailbox_id = $1 AND expunged_at IS NULL AND flags & $2 <> 0
		RETURNING uid`,
		mailboxID, int(store.FlagRecent))
	observe("claim_recent", "write", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
	}
	defer rows.Close()

	var claimed []imap.UID
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan claimed uid: %w", err)
		}
		claimed = append(claimed, imap.UID(uid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	return claimed, nil
}
