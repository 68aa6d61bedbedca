package imap

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/pkg/msgset"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

// handleCopy serves COPY, MOVE and their UID forms. The store runs each as
// a single transaction, so a missing destination leaves both mailboxes
// untouched.
func (s *IMAPSession) handleCopy(tag, rest string, move, byUID bool) error {
	cmd := cmdCOPY
	if move {
		cmd = cmdMOVE
	}
	name := cmd.String()
	if byUID {
		name = "UID " + name
	}

	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 2 {
		s.bad(tag, "Invalid "+name+" arguments")
		return server.Errorf(server.KindMalformed, "%s arguments", name)
	}
	set, err := msgset.Parse(args[0])
	if err != nil {
		s.bad(tag, "Invalid message set: "+args[0])
		return err
	}
	dest := store.CanonicalMailboxName(argument(args[1]))
	if move && s.readOnly {
		s.no(tag, cmd, "mailbox is read-only")
		return server.Errorf(server.KindSequence, "MOVE from read-only mailbox")
	}

	kind := msgset.SeqNum
	if byUID {
		kind = msgset.UID
	}
	active, err := s.server.store.ListActive(s.ctx, s.selected.ID)
	if err != nil {
		return s.fail(tag, cmd, err)
	}
	uids := msgset.UIDs(set.Resolve(kind, active))
	if len(uids) == 0 {
		s.ok(tag, name+" completed.")
		return nil
	}

	var res *store.CopyResult
	if move {
		res, err = s.server.store.MoveMessages(s.ctx, s.AccountID(), s.selected.ID, uids, dest)
	} else {
		res, err = s.server.store.CopyMessages(s.ctx, s.AccountID(), s.selected.ID, uids, dest)
	}
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.writer.WriteString(fmt.Sprintf("%s NO [TRYCREATE] %s failed: mailbox not found: %s\r\n", tag, cmd, dest))
			return err
		}
		return s.fail(tag, cmd, err)
	}

	s.publishCopies(res)
	srcUIDs := make([]imap.UID, len(res.Pairs))
	destUIDs := make([]imap.UID, len(res.Pairs))
	for i, p := range res.Pairs {
		srcUIDs[i], destUIDs[i] = p.Source, p.Dest
	}
	copyUID := fmt.Sprintf("[COPYUID %d %s %s]", res.DestUIDValidity, msgset.FormatUIDs(srcUIDs), msgset.FormatUIDs(destUIDs))

	if !move {
		s.ok(tag, copyUID+" "+name+" completed.")
		s.Log("copied %d messages from %s to %s", len(res.Pairs), s.selected.Name, dest)
		return nil
	}

	s.untagged("OK " + copyUID + " Moved.")
	for _, seq := range res.ExpungedSeqNums {
		s.untagged(fmt.Sprintf("%d EXPUNGE", seq))
	}
	s.ok(tag, name+" completed.")
	s.Log("moved %d messages from %s to %s", len(res.Pairs), s.selected.Name, dest)
	return nil
}

// publishCopies wakes sessions that have the destination selected.
func (s *IMAPSession) publishCopies(res *store.CopyResult) {
	if s.server.notifier == nil {
		return
	}
	for _, p := range res.Pairs {
		s.server.notifier.Publish(notify.Event{MailboxID: res.DestMailboxID, UID: p.Dest})
	}
}
