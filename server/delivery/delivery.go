// Package delivery provides the message delivery path shared by SMTP DATA
// and the HTTP alarm endpoint.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

// ErrMessageTooLarge is returned for bodies above MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Logger interface for logging delivery operations.
type Logger interface {
	Log(format string, args ...any)
}

// DeliveryContext contains the collaborators of a delivery.
type DeliveryContext struct {
	Store          store.Store
	Notifier       *notify.Hub // optional
	MetricsLabel   string      // "smtp" or "http_alarm"
	MaxMessageSize int64       // zero disables the check
	Logger         Logger
}

// RecipientInfo identifies a local recipient.
type RecipientInfo struct {
	AccountID     int64
	Address       server.Address
	TargetMailbox string // empty means INBOX
}

// DeliveryResult describes the stored instance.
type DeliveryResult struct {
	MailboxName string
	MailboxID   int64
	UID         imap.UID
	Seq         uint32
	Subject     string
}

// LookupRecipient resolves an address to a local account. Unknown users
// yield an error wrapping consts.ErrUserNotFound.
func (d *DeliveryContext) LookupRecipient(ctx context.Context, recipient string) (*RecipientInfo, error) {
	addr, err := server.NewAddress(recipient)
	if err != nil {
		return nil, &server.ProtocolError{Kind: server.KindMalformed, Msg: "invalid recipient address", Err: err}
	}
	accountID, err := d.Store.GetUserIDByAddress(ctx, addr.FullAddress())
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", addr.FullAddress(), consts.ErrUserNotFound)
		}
		return nil, fmt.Errorf("recipient lookup failed: %w", err)
	}
	return &RecipientInfo{AccountID: accountID, Address: addr}, nil
}

// DeliverMessage stores messageBytes for recipient and wakes up sessions
// that have the target mailbox selected. Line endings are normalized to
// CRLF first so stored sizes match what IMAP and POP3 send.
func (d *DeliveryContext) DeliverMessage(ctx context.Context, recipient RecipientInfo, messageBytes []byte) (*DeliveryResult, error) {
	results, err := d.DeliverAll(ctx, []RecipientInfo{recipient}, messageBytes)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// DeliverAll stores one copy per recipient in a single store call. Either
// every recipient receives the message or none does.
func (d *DeliveryContext) DeliverAll(ctx context.Context, recipients []RecipientInfo, messageBytes []byte) ([]*DeliveryResult, error) {
	label := d.MetricsLabel
	if label == "" {
		label = "unknown"
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	if d.MaxMessageSize > 0 && int64(len(messageBytes)) > d.MaxMessageSize {
		metrics.MessageDeliveries.WithLabelValues(label, "rejected").Add(float64(len(recipients)))
		return nil, ErrMessageTooLarge
	}

	raw := helpers.NormalizeCRLF(messageBytes)
	var subject string
	if mh, err := helpers.ReadMailHeader(raw); err == nil {
		if s, err := mh.Subject(); err == nil {
			subject = s
		}
	} else if d.Logger != nil {
		d.Logger.Log("delivering message with unparseable header: %v", err)
	}

	targets := make([]store.DeliveryTarget, len(recipients))
	for i, rcpt := range recipients {
		mailboxName := rcpt.TargetMailbox
		if mailboxName == "" {
			mailboxName = consts.MailboxInbox
		}
		targets[i] = store.DeliveryTarget{UserID: rcpt.AccountID, MailboxName: mailboxName}
	}

	instances, err := d.Store.DeliverAll(ctx, targets, raw)
	if err != nil {
		metrics.MessageDeliveries.WithLabelValues(label, "failure").Add(float64(len(recipients)))
		if len(recipients) == 1 {
			return nil, fmt.Errorf("delivery to %s/%s failed: %w", recipients[0].Address.FullAddress(), targets[0].MailboxName, err)
		}
		return nil, fmt.Errorf("delivery to %d recipients failed: %w", len(recipients), err)
	}

	results := make([]*DeliveryResult, len(instances))
	for i, inst := range instances {
		mailboxName := targets[i].MailboxName
		metrics.MessageDeliveries.WithLabelValues(label, "success").Inc()
		metrics.MessageSizeBytes.WithLabelValues(label).Observe(float64(len(raw)))
		results[i] = &DeliveryResult{
			MailboxName: mailboxName,
			MailboxID:   inst.MailboxID,
			UID:         inst.UID,
			Seq:         inst.Seq,
			Subject:     subject,
		}

		if d.Notifier != nil {
			n := d.Notifier.Publish(notify.Event{MailboxID: inst.MailboxID, UID: inst.UID, Flags: inst.Flags})
			if d.Logger != nil && n > 0 {
				d.Logger.Log("notified %d live sessions of uid %d in %s", n, inst.UID, mailboxName)
			}
		}
		if d.Logger != nil {
			d.Logger.Log("delivered to %s/%s uid=%d size=%d", recipients[i].Address.FullAddress(), mailboxName, inst.UID, len(raw))
		}
	}
	return results, nil
}
