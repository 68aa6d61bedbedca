package consts

import (
	"errors"
	"fmt"
)

var (
	ErrMailboxNotFound    = errors.New("mailbox not found")
	ErrMailboxExists      = errors.New("mailbox already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrMessageNotFound    = errors.New("message not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInternalError      = errors.New("internal server error")
	ErrMalformedMessage   = errors.New("malformed message")

	// Returned when a message body is referenced but cannot be read from any tier.
	ErrMessageNotAvailable = errors.New("message content not available")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")
	ErrDBUpdateFailed            = errors.New("update failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")

	ErrSerializationFailed = errors.New("serialization failed")

	// A second active instance with an existing UID. Never recoverable.
	ErrDuplicateUID = fmt.Errorf("duplicate uid in mailbox: %w", ErrDBUniqueViolation)
)
