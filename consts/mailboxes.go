package consts

const MailboxDelimiter = '/'

const MailboxInbox = "INBOX"

var DefaultMailboxes = []string{
	MailboxInbox,
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}

// ServerName is used in greetings, BYE lines and the IMAP ID response.
const ServerName = "tio-mail-wing"
