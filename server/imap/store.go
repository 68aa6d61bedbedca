package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/pkg/msgset"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/store"
)

type storeMode int

const (
	storeReplace storeMode = iota
	storeAdd
	storeRemove
)

// parseStoreItem parses FLAGS, +FLAGS and -FLAGS with an optional .SILENT.
func parseStoreItem(item string) (mode storeMode, silent bool, err error) {
	upper := strings.ToUpper(item)
	if strings.HasSuffix(upper, ".SILENT") {
		silent = true
		upper = strings.TrimSuffix(upper, ".SILENT")
	}
	switch upper {
	case "FLAGS":
		return storeReplace, silent, nil
	case "+FLAGS":
		return storeAdd, silent, nil
	case "-FLAGS":
		return storeRemove, silent, nil
	}
	return 0, false, server.Errorf(server.KindMalformed, "Invalid STORE item: %s", item)
}

func (s *IMAPSession) handleStore(tag, rest string, byUID bool) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) < 3 {
		s.bad(tag, "Invalid STORE arguments")
		return server.Errorf(server.KindMalformed, "STORE arguments")
	}
	set, err := msgset.Parse(args[0])
	if err != nil {
		s.bad(tag, "Invalid message set: "+args[0])
		return err
	}
	mode, silent, err := parseStoreItem(args[1])
	if err != nil {
		return s.fail(tag, cmdSTORE, err)
	}
	// Both "(\Seen \Deleted)" and a bare "\Seen \Deleted" are accepted.
	flagList, err := server.ParseList(strings.Join(args[2:], " "))
	if err != nil {
		s.bad(tag, "Invalid flag list")
		return server.Errorf(server.KindMalformed, "STORE flag list")
	}
	if s.readOnly {
		s.no(tag, cmdSTORE, "mailbox is read-only")
		return server.Errorf(server.KindSequence, "STORE on read-only mailbox")
	}

	names := make([]imap.Flag, len(flagList))
	for i, f := range flagList {
		names[i] = imap.Flag(f)
	}
	flags := store.FlagsToBitwise(names) & store.PermanentFlags

	kind := msgset.SeqNum
	if byUID {
		kind = msgset.UID
	}
	active, err := s.server.store.ListActive(s.ctx, s.selected.ID)
	if err != nil {
		return s.fail(tag, cmdSTORE, err)
	}
	uids := msgset.UIDs(set.Resolve(kind, active))
	seqOf := make(map[imap.UID]uint32, len(active))
	for _, inst := range active {
		seqOf[inst.UID] = inst.Seq
	}

	var updated []store.MailInstance
	if len(uids) > 0 {
		updated, err = s.applyFlags(uids, flags, mode)
		if err != nil {
			return s.fail(tag, cmdSTORE, err)
		}
	}

	if !silent {
		for _, inst := range updated {
			s.untagged(fmt.Sprintf("%d FETCH (FLAGS (%s) UID %d)", seqOf[inst.UID], store.FormatFlags(s.viewFlags(inst)), inst.UID))
		}
	}
	if byUID {
		s.ok(tag, "UID STORE completed.")
	} else {
		s.ok(tag, "STORE completed.")
	}
	return nil
}

func (s *IMAPSession) applyFlags(uids []imap.UID, flags store.Flags, mode storeMode) ([]store.MailInstance, error) {
	switch mode {
	case storeAdd:
		return s.server.store.SetFlags(s.ctx, s.selected.ID, uids, flags, true)
	case storeRemove:
		return s.server.store.SetFlags(s.ctx, s.selected.ID, uids, flags, false)
	}
	if _, err := s.server.store.SetFlags(s.ctx, s.selected.ID, uids, store.PermanentFlags&^flags, false); err != nil {
		return nil, err
	}
	return s.server.store.SetFlags(s.ctx, s.selected.ID, uids, flags, true)
}
