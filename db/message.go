package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/store"
)

type parsedHeaders struct {
	messageID string
	subject   string
	from      string
	to        string
}

func parseHeaders(raw []byte) parsedHeaders {
	hdr, err := helpers.ReadHeader(raw)
	if err != nil {
		return parsedHeaders{}
	}
	return parsedHeaders{
		messageID: helpers.SanitizeUTF8(hdr.Get("Message-Id")),
		subject:   helpers.SanitizeUTF8(hdr.Get("Subject")),
		from:      helpers.SanitizeUTF8(hdr.Get("From")),
		to:        helpers.SanitizeUTF8(hdr.Get("To")),
	}
}

// offloadBody uploads raw to the body store unless a row with the same hash
// already exists. It returns the object key, or "" when the body stays inline.
func (db *Database) offloadBody(ctx context.Context, hash string, raw []byte) (string, error) {
	if db.Bodies == nil {
		return "", nil
	}
	var s3Key *string
	err := db.WritePool.QueryRow(ctx, `SELECT s3_key FROM messages WHERE content_hash = $1`, hash).Scan(&s3Key)
	if err == nil {
		if s3Key != nil {
			return *s3Key, nil
		}
		return "", nil
	}
	if !isNoRows(err) {
		return "", fmt.Errorf("failed to look up message by hash: %w", err)
	}

	key := helpers.NewS3Key(hash)
	if err := db.Bodies.Put(ctx, key, raw); err != nil {
		return "", fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	return key, nil
}

// upsertMessage returns the id of the message row for hash, inserting it
// when absent. inserted is false when an existing row was reused.
func upsertMessage(ctx context.Context, tx pgx.Tx, hash, s3Key string, raw []byte) (id int64, inserted bool, err error) {
	h := parseHeaders(raw)
	var inline []byte
	var key *string
	if s3Key != "" {
		key = &s3Key
	} else {
		inline = raw
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (content_hash, raw_content, s3_key, size_bytes, message_id_header, subject, from_header, to_header)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (content_hash) DO UPDATE SET content_hash = EXCLUDED.content_hash
		RETURNING id, (xmax = 0)`,
		hash, inline, key, int64(len(raw)), h.messageID, h.subject, h.from, h.to).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return id, inserted, nil
}

// allocateUIDs reserves n consecutive UIDs and returns the first. The row
// lock taken by the UPDATE serializes allocators on the same mailbox.
func allocateUIDs(ctx context.Context, tx pgx.Tx, mailboxID int64, n int) (imap.UID, error) {
	var first int64
	err := tx.QueryRow(ctx, `
		UPDATE mailboxes SET uid_next = uid_next + $2
		WHERE id = $1
		RETURNING uid_next - $2`, mailboxID, n).Scan(&first)
	if err != nil {
		if isNoRows(err) {
			return 0, consts.ErrMailboxNotFound
		}
		return 0, fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
	}
	return imap.UID(first), nil
}

func insertInstance(ctx context.Context, tx pgx.Tx, inst *store.MailInstance) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO mail_instances (account_id, mailbox_id, message_id, uid, flags, internal_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		inst.UserID, inst.MailboxID, inst.MessageID, int64(inst.UID), int(inst.Flags), inst.InternalDate).Scan(&inst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			logger.Error("Database: UID already taken", "mailbox_id", inst.MailboxID, "uid", inst.UID)
			return fmt.Errorf("%w: mailbox %d uid %d", consts.ErrDuplicateUID, inst.MailboxID, inst.UID)
		}
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return nil
}

// Deliver stores raw once per content hash, allocates the next UID of the
// mailbox and creates a \Recent instance, all in one transaction.
func (db *Database) Deliver(ctx context.Context, userID int64, mailboxName string, raw []byte) (*store.MailInstance, error) {
	out, err := db.DeliverAll(ctx, []store.DeliveryTarget{{UserID: userID, MailboxName: mailboxName}}, raw)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// DeliverAll stores the body once and creates one instance per target in a
// single transaction. UIDs are allocated in ascending mailbox id order so
// concurrent multi-recipient deliveries lock mailboxes the same way.
func (db *Database) DeliverAll(ctx context.Context, targets []store.DeliveryTarget, raw []byte) ([]*store.MailInstance, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	hash := helpers.HashContent(raw)
	s3Key, err := db.offloadBody(ctx, hash, raw)
	if err != nil {
		return nil, err
	}

	var out []*store.MailInstance
	var deduplicated bool
	err = db.inTx(ctx, "deliver", func(tx pgx.Tx) error {
		mailboxes := make([]*store.Mailbox, len(targets))
		for i, t := range targets {
			mbox, err := mailboxByName(ctx, tx, t.UserID, t.MailboxName, false)
			if err != nil {
				return err
			}
			mailboxes[i] = mbox
		}
		msgID, inserted, err := upsertMessage(ctx, tx, hash, s3Key, raw)
		if err != nil {
			return err
		}
		deduplicated = !inserted

		order := make([]int, len(targets))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return mailboxes[order[a]].ID < mailboxes[order[b]].ID })

		now := time.Now().UTC().Truncate(time.Microsecond)
		out = make([]*store.MailInstance, len(targets))
		for _, i := range order {
			mbox := mailboxes[i]
			uid, err := allocateUIDs(ctx, tx, mbox.ID, 1)
			if err != nil {
				return err
			}
			inst := &store.MailInstance{
				UserID:       targets[i].UserID,
				MailboxID:    mbox.ID,
				MessageID:    msgID,
				UID:          uid,
				Flags:        store.FlagRecent,
				InternalDate: now,
				Size:         int64(len(raw)),
				ContentHash:  hash,
			}
			if err := insertInstance(ctx, tx, inst); err != nil {
				return err
			}
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM mail_instances
				WHERE mailbox_id = $1 AND expunged_at IS NULL AND uid <= $2`,
				mbox.ID, int64(uid)).Scan(&inst.Seq); err != nil {
				return fmt.Errorf("failed to compute sequence number: %w", err)
			}
			out[i] = inst
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deduplicated {
		metrics.MessagesDeduplicated.Inc()
	}
	if db.Cache != nil && s3Key != "" {
		if err := db.Cache.Put(hash, raw); err != nil {
			logger.Debug("Database: body not cached", "hash", hash, "error", err)
		}
	}
	return out, nil
}

const instanceColumns = `mi.id, mi.account_id, mi.mailbox_id, mi.message_id, mi.uid, mi.flags, mi.internal_date, m.size_bytes, m.content_hash`

func listActive(ctx context.Context, q querier, mailboxID int64) ([]store.MailInstance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM mail_instances mi
		JOIN messages m ON m.id = mi.message_id
		WHERE mi.mailbox_id = $1 AND mi.expunged_at IS NULL
		ORDER BY mi.uid`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []store.MailInstance
	for rows.Next() {
		var inst store.MailInstance
		var uid int64
		var flags int
		if err := rows.Scan(&inst.ID, &inst.UserID, &inst.MailboxID, &inst.MessageID, &uid, &flags, &inst.InternalDate, &inst.Size, &inst.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.UID = imap.UID(uid)
		inst.Flags = store.Flags(flags)
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.AssignSequence(out)
	return out, nil
}

func (db *Database) ListActive(ctx context.Context, mailboxID int64) ([]store.MailInstance, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	out, err := listActive(ctx, pool, mailboxID)
	observe("list_active", "read", start, err)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := mailboxByID(ctx, pool, mailboxID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetMessageContent reads the body through the cache, then the messages
// row, then the body store.
func (db *Database) GetMessageContent(ctx context.Context, inst store.MailInstance) ([]byte, error) {
	if db.Cache != nil && inst.ContentHash != "" {
		if data, err := db.Cache.Get(inst.ContentHash); err == nil {
			return data, nil
		}
	}

	var raw []byte
	var s3Key *string
	var hash string
	err := db.TimedQueryRow(ctx, "get_message_content", `
		SELECT raw_content, s3_key, content_hash FROM messages WHERE id = $1`,
		inst.MessageID).Scan(&raw, &s3Key, &hash)
	if err != nil {
		if isNoRows(err) {
			return nil, consts.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to fetch message content: %w", err)
	}
	if raw != nil {
		return raw, nil
	}
	if s3Key == nil || db.Bodies == nil {
		return nil, consts.ErrMessageNotAvailable
	}

	data, err := db.Bodies.Get(ctx, *s3Key)
	if err != nil {
		return nil, errors.Join(consts.ErrMessageNotAvailable, err)
	}
	if db.Cache != nil {
		if err := db.Cache.Put(hash, data); err != nil {
			logger.Debug("Database: body not cached", "hash", hash, "error", err)
		}
	}
	return data, nil
}
