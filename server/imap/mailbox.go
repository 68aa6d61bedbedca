package imap

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/store"
)

func (s *IMAPSession) handleSelect(tag string, cmd command, rest string, readOnly bool) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 1 {
		s.bad(tag, cmd.String()+" expects a mailbox name")
		return server.Errorf(server.KindMalformed, "%s arguments", cmd)
	}
	name := store.CanonicalMailboxName(argument(args[0]))

	mbox, err := s.server.store.GetMailboxByName(s.ctx, s.AccountID(), name)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.no(tag, cmd, "mailbox not found: "+name)
			return err
		}
		return s.fail(tag, cmd, err)
	}
	// A read-write select claims \Recent before listing, so a concurrent
	// SELECT of the same mailbox cannot report the same instances.
	var claimed []imap.UID
	if !readOnly {
		if claimed, err = s.server.store.ClaimRecent(s.ctx, mbox.ID); err != nil {
			return s.fail(tag, cmd, err)
		}
	}
	active, err := s.server.store.ListActive(s.ctx, mbox.ID)
	if err != nil {
		return s.fail(tag, cmd, err)
	}

	if s.state == stateSelected {
		s.deselect(false)
	}

	recent := make(map[imap.UID]struct{}, len(claimed))
	for _, uid := range claimed {
		recent[uid] = struct{}{}
	}
	var high imap.UID
	for _, inst := range active {
		if readOnly && inst.Flags.Has(store.FlagRecent) {
			recent[inst.UID] = struct{}{}
		}
		high = inst.UID
	}
	status := store.ComputeStatus(mbox, active)
	status.Recent = 0
	for _, inst := range active {
		if _, ok := recent[inst.UID]; ok {
			status.Recent++
		}
	}

	s.selected = mbox
	s.readOnly = readOnly
	s.recent = recent
	s.uidHigh = high
	s.state = stateSelected
	if s.server.notifier != nil {
		s.sub = s.server.notifier.Subscribe(mbox.ID)
	}

	s.untagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	if readOnly {
		s.untagged("OK [PERMANENTFLAGS ()] Read-only mailbox.")
	} else {
		s.untagged(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Flags permitted.`)
	}
	s.untagged(fmt.Sprintf("%d EXISTS", status.Messages))
	s.untagged(fmt.Sprintf("%d RECENT", status.Recent))
	if status.FirstUnseenUID != 0 {
		s.untagged(fmt.Sprintf("OK [UNSEEN %d] First unseen.", status.FirstUnseenUID))
	}
	s.untagged(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid.", status.UIDValidity))
	s.untagged(fmt.Sprintf("OK [UIDNEXT %d] Predicted next UID.", status.UIDNext))
	if readOnly {
		s.ok(tag, "[READ-ONLY] EXAMINE completed.")
	} else {
		s.ok(tag, "[READ-WRITE] SELECT completed.")
	}
	s.Log("selected %s (exists=%d recent=%d read_only=%t)", name, status.Messages, status.Recent, readOnly)
	return nil
}

func (s *IMAPSession) handleCreate(tag, rest string) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 1 {
		s.bad(tag, "CREATE expects a mailbox name")
		return server.Errorf(server.KindMalformed, "CREATE arguments")
	}
	name := strings.TrimRight(argument(args[0]), string(consts.MailboxDelimiter))
	if name == "" {
		s.bad(tag, "CREATE expects a mailbox name")
		return server.Errorf(server.KindMalformed, "empty mailbox name")
	}
	name = store.CanonicalMailboxName(name)
	if _, err := s.server.store.CreateMailbox(s.ctx, s.AccountID(), name); err != nil {
		if errors.Is(err, consts.ErrMailboxExists) {
			s.no(tag, cmdCREATE, "mailbox already exists")
			return err
		}
		return s.fail(tag, cmdCREATE, err)
	}
	s.ok(tag, "CREATE completed.")
	return nil
}

// handleList serves LIST and LSUB. Every mailbox counts as subscribed.
func (s *IMAPSession) handleList(tag string, cmd command, rest string) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 2 {
		s.bad(tag, cmd.String()+" expects a reference and a pattern")
		return server.Errorf(server.KindMalformed, "%s arguments", cmd)
	}
	reference, pattern := argument(args[0]), argument(args[1])

	if pattern == "" {
		if cmd == cmdLIST {
			s.untagged(`LIST (\Noselect) "/" ""`)
		}
		s.ok(tag, cmd.String()+" completed.")
		return nil
	}

	mailboxes, err := s.server.store.ListMailboxes(s.ctx, s.AccountID())
	if err != nil {
		return s.fail(tag, cmd, err)
	}
	match := mailboxMatcher(reference + pattern)
	for _, mbox := range mailboxes {
		if match(mbox.Name) {
			s.untagged(fmt.Sprintf(`%s (\HasNoChildren) "/" %s`, cmd, mailboxName(mbox.Name)))
		}
	}
	s.ok(tag, cmd.String()+" completed.")
	return nil
}

// mailboxMatcher compiles a LIST pattern: "*" matches anything, "%" anything
// but the hierarchy delimiter. INBOX matches case-insensitively.
func mailboxMatcher(pattern string) func(string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	return func(name string) bool {
		if re.MatchString(name) {
			return true
		}
		return name == consts.MailboxInbox && re.MatchString(strings.ToLower(name))
	}
}

// mailboxName renders a mailbox name as an atom when possible.
func mailboxName(name string) string {
	if name == "" || strings.ContainsAny(name, " \"\\(){}%*]") {
		return quoteString(name)
	}
	return name
}

var statusItems = map[string]bool{
	"MESSAGES":    true,
	"RECENT":      true,
	"UIDNEXT":     true,
	"UIDVALIDITY": true,
	"UNSEEN":      true,
}

func (s *IMAPSession) handleStatus(tag, rest string) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 2 {
		s.bad(tag, "STATUS expects a mailbox name and an item list")
		return server.Errorf(server.KindMalformed, "STATUS arguments")
	}
	items, err := server.ParseList(args[1])
	if err != nil || len(items) == 0 {
		s.bad(tag, "Invalid STATUS item list")
		return server.Errorf(server.KindMalformed, "STATUS items")
	}
	for i, item := range items {
		items[i] = strings.ToUpper(item)
		if !statusItems[items[i]] {
			s.bad(tag, "Unknown STATUS item: "+item)
			return server.Errorf(server.KindMalformed, "STATUS item %q", item)
		}
	}

	name := store.CanonicalMailboxName(argument(args[0]))
	mbox, err := s.server.store.GetMailboxByName(s.ctx, s.AccountID(), name)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.no(tag, cmdSTATUS, "mailbox not found: "+name)
			return err
		}
		return s.fail(tag, cmdSTATUS, err)
	}
	status, err := s.server.store.GetMailboxStatus(s.ctx, mbox.ID)
	if err != nil {
		return s.fail(tag, cmdSTATUS, err)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		var v uint64
		switch item {
		case "MESSAGES":
			v = uint64(status.Messages)
		case "RECENT":
			v = uint64(status.Recent)
		case "UIDNEXT":
			v = uint64(status.UIDNext)
		case "UIDVALIDITY":
			v = uint64(status.UIDValidity)
		case "UNSEEN":
			v = uint64(status.Unseen)
		}
		parts = append(parts, fmt.Sprintf("%s %d", item, v))
	}
	s.untagged(fmt.Sprintf("STATUS %s (%s)", mailboxName(name), strings.Join(parts, " ")))
	s.ok(tag, "STATUS completed.")
	return nil
}
