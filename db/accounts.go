package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/store"
)

// Authenticate verifies address/password and returns the account id. An
// unknown address and a wrong password are indistinguishable to callers.
func (db *Database) Authenticate(ctx context.Context, address, password string) (int64, error) {
	var id int64
	var hash string
	err := db.TimedQueryRow(ctx, "authenticate", `
		SELECT id, password_hash FROM accounts
		WHERE address = $1 AND deleted_at IS NULL`,
		helpers.NormalizeAddress(address)).Scan(&id, &hash)
	if err != nil {
		if isNoRows(err) {
			return 0, consts.ErrInvalidCredentials
		}
		return 0, fmt.Errorf("failed to fetch credentials: %w", err)
	}

	match, err := store.VerifyPassword(hash, password)
	if err != nil {
		logger.Warn("Database: stored password hash is unusable", "account_id", id, "error", err)
		return 0, consts.ErrInvalidCredentials
	}
	if !match {
		return 0, consts.ErrInvalidCredentials
	}
	return id, nil
}

func (db *Database) UserExists(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "user_exists", `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE address = $1 AND deleted_at IS NULL)`,
		helpers.NormalizeAddress(address)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

func (db *Database) GetUserIDByAddress(ctx context.Context, address string) (int64, error) {
	var id int64
	err := db.TimedQueryRow(ctx, "get_user_id", `
		SELECT id FROM accounts WHERE address = $1 AND deleted_at IS NULL`,
		helpers.NormalizeAddress(address)).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to look up account: %w", err)
	}
	return id, nil
}

// CreateAccount inserts the account and its default mailboxes in one
// transaction.
func (db *Database) CreateAccount(ctx context.Context, address, password string) (int64, error) {
	hash, err := store.HashPassword(password, db.BcryptCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	addr := helpers.NormalizeAddress(address)

	var id int64
	err = db.inTx(ctx, "create_account", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO accounts (address, password_hash) VALUES ($1, $2)
			RETURNING id`, addr, hash).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return consts.ErrUserExists
			}
			return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		}
		for _, name := range consts.DefaultMailboxes {
			if _, err := insertMailbox(ctx, tx, id, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info("Database: account created", "address", addr, "account_id", id)
	return id, nil
}

func (db *Database) SetPassword(ctx context.Context, address, password string) error {
	hash, err := store.HashPassword(password, db.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	tag, err := db.TimedExec(ctx, "set_password", `
		UPDATE accounts SET password_hash = $2
		WHERE address = $1 AND deleted_at IS NULL`,
		helpers.NormalizeAddress(address), hash)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

func insertMailbox(ctx context.Context, tx pgx.Tx, userID int64, name string) (*store.Mailbox, error) {
	mbox := &store.Mailbox{
		UserID:      userID,
		Name:        store.CanonicalMailboxName(name),
		UIDValidity: uint32(time.Now().Unix()),
		UIDNext:     1,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO mailboxes (account_id, name, uid_validity, uid_next)
		VALUES ($1, $2, $3, 1)
		RETURNING id, created_at`,
		userID, mbox.Name, int64(mbox.UIDValidity)).Scan(&mbox.ID, &mbox.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrMailboxExists
		}
		if isForeignKeyViolation(err) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return mbox, nil
}
