package store

import (
	"strings"

	"github.com/litongjava/tio-mail-wing/consts"
)

// CanonicalMailboxName folds any casing of INBOX to "INBOX". Other names are
// case-sensitive and returned unchanged.
func CanonicalMailboxName(name string) string {
	if strings.EqualFold(name, consts.MailboxInbox) {
		return consts.MailboxInbox
	}
	return name
}
