package imap

import (
	"fmt"

	"github.com/litongjava/tio-mail-wing/server"
)

// handleExpunge reports each removed instance by its pre-removal sequence
// number, ascending, as the store returns them.
func (s *IMAPSession) handleExpunge(tag string) error {
	if s.readOnly {
		s.no(tag, cmdEXPUNGE, "mailbox is read-only")
		return server.Errorf(server.KindSequence, "EXPUNGE on read-only mailbox")
	}
	seqs, err := s.server.store.Expunge(s.ctx, s.AccountID(), s.selected.Name)
	if err != nil {
		return s.fail(tag, cmdEXPUNGE, err)
	}
	for _, seq := range seqs {
		s.untagged(fmt.Sprintf("%d EXPUNGE", seq))
	}
	s.ok(tag, "EXPUNGE completed.")
	if len(seqs) > 0 {
		s.Log("expunged %d messages from %s", len(seqs), s.selected.Name)
	}
	return nil
}

func (s *IMAPSession) handleClose(tag string) error {
	err := s.deselect(true)
	if err != nil {
		return s.fail(tag, cmdCLOSE, err)
	}
	s.ok(tag, "CLOSE completed.")
	return nil
}
