// Package store defines the mailbox repository shared by the SMTP, POP3 and
// IMAP sessions and the HTTP alarm endpoint.
//
// Two implementations exist: db (PostgreSQL) and store/memstore (in process).
// Both guarantee that UIDs within a mailbox are allocated from uid_next inside
// one critical section, that identical message bytes are stored once, and
// that EXPUNGE only ever removes instances flagged \Deleted.
package store

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
)

// Mailbox is a named folder owned by one user.
type Mailbox struct {
	ID          int64
	UserID      int64
	Name        string
	UIDValidity uint32
	UIDNext     imap.UID
	CreatedAt   time.Time
}

// Message is a deduplicated raw message body with a few parsed headers.
type Message struct {
	ID          int64
	ContentHash string
	Size        int64
	MessageID   string
	Subject     string
	From        string
	To          string
}

// MailInstance places a Message into a mailbox under a UID. Seq is derived
// per query from the ascending UID order of active instances.
type MailInstance struct {
	ID           int64
	UserID       int64
	MailboxID    int64
	MessageID    int64
	UID          imap.UID
	Seq          uint32
	Flags        Flags
	InternalDate time.Time
	Size         int64
	ContentHash  string
}

// MailboxStatus carries the counters reported by SELECT and STATUS.
type MailboxStatus struct {
	Messages    uint32
	Recent      uint32
	Unseen      uint32
	UIDNext     imap.UID
	UIDValidity uint32
	// FirstUnseenUID is the UID of the first instance lacking \Seen, by
	// ascending UID. Zero when every instance has been seen.
	FirstUnseenUID imap.UID
}

// UIDPair maps a source UID to the UID allocated in the destination mailbox.
type UIDPair struct {
	Source imap.UID
	Dest   imap.UID
}

// CopyResult describes a completed COPY or MOVE.
type CopyResult struct {
	DestMailboxID   int64
	DestUIDValidity uint32
	Pairs           []UIDPair
	// ExpungedSeqNums lists the source sequence numbers removed by MOVE,
	// ascending and computed before removal. Empty for COPY.
	ExpungedSeqNums []uint32
}

// DeliveryTarget names one mailbox a message is delivered to.
type DeliveryTarget struct {
	UserID      int64
	MailboxName string
}

// Store is the repository contract. Every method is safe for concurrent use.
type Store interface {
	// Authenticate returns the user id for a valid address/password pair, or
	// consts.ErrInvalidCredentials. Unknown users are reported the same way.
	Authenticate(ctx context.Context, address, password string) (int64, error)
	UserExists(ctx context.Context, address string) (bool, error)
	GetUserIDByAddress(ctx context.Context, address string) (int64, error)
	// CreateAccount provisions a user and its default mailboxes.
	CreateAccount(ctx context.Context, address, password string) (int64, error)
	SetPassword(ctx context.Context, address, password string) error

	CreateMailbox(ctx context.Context, userID int64, name string) (*Mailbox, error)
	GetMailboxByName(ctx context.Context, userID int64, name string) (*Mailbox, error)
	ListMailboxes(ctx context.Context, userID int64) ([]*Mailbox, error)
	GetMailboxStatus(ctx context.Context, mailboxID int64) (*MailboxStatus, error)

	// Deliver stores raw (deduplicated by content hash), allocates the next
	// UID of the named mailbox and creates a \Recent instance, atomically.
	Deliver(ctx context.Context, userID int64, mailboxName string, raw []byte) (*MailInstance, error)
	// DeliverAll delivers raw to every target in one step: either all
	// instances are created or none is. Instances are returned in target
	// order.
	DeliverAll(ctx context.Context, targets []DeliveryTarget, raw []byte) ([]*MailInstance, error)
	// ListActive returns the mailbox's active instances by ascending UID with
	// Seq filled in.
	ListActive(ctx context.Context, mailboxID int64) ([]MailInstance, error)
	GetMessageContent(ctx context.Context, inst MailInstance) ([]byte, error)

	// SetFlags adds or removes flags on the given UIDs and returns the
	// affected instances with their post-mutation flags, ascending by UID.
	SetFlags(ctx context.Context, mailboxID int64, uids []imap.UID, flags Flags, add bool) ([]MailInstance, error)
	// ClaimRecent clears \Recent on every instance of the mailbox that still
	// carries it and returns their UIDs, ascending. Concurrent callers never
	// receive the same UID.
	ClaimRecent(ctx context.Context, mailboxID int64) ([]imap.UID, error)
	// Expunge removes every \Deleted instance of the mailbox and returns the
	// vacated sequence numbers, ascending, computed before removal.
	Expunge(ctx context.Context, userID int64, mailboxName string) ([]uint32, error)
	// DeleteMessages flags the UIDs \Deleted and removes them in one step.
	DeleteMessages(ctx context.Context, mailboxID int64, uids []imap.UID) (int, error)

	CopyMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*CopyResult, error)
	MoveMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*CopyResult, error)

	GetMetricsStats(ctx context.Context) (*metrics.MetricsStats, error)
	Close()
}
