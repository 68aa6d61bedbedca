package pop3

import (
	"fmt"
	"strings"

	"github.com/litongjava/tio-mail-wing/store"
)

// buildListResponseLines builds the multi-line body of LIST. Message numbers
// stay stable for the whole session: deleted messages are skipped but the
// remaining ones keep their original numbers.
func buildListResponseLines(messages []store.MailInstance, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line body of UIDL. The unique id
// of a message is its IMAP UID.
func buildUIDLResponseLines(messages []store.MailInstance, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.UID))
		}
	}
	return lines
}

// mailboxTotals returns the count and total size of messages not marked as
// deleted.
func mailboxTotals(messages []store.MailInstance, deleted map[int]bool) (count int, size int64) {
	for i, msg := range messages {
		if !deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// lookupMessage resolves a 1-based message number. It fails for numbers out
// of range and for messages marked as deleted.
func lookupMessage(messages []store.MailInstance, deleted map[int]bool, msgNumber int) (store.MailInstance, bool) {
	if msgNumber < 1 || msgNumber > len(messages) || deleted[msgNumber-1] {
		return store.MailInstance{}, false
	}
	return messages[msgNumber-1], true
}

// dotStuff doubles a leading "." on every line of a multi-line response
// body.
func dotStuff(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	atLineStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if atLineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		atLineStart = c == '\n'
	}
	return b.String()
}

// multiline renders a body terminated by ".", making sure the body ends with
// CRLF before the terminator.
func multiline(body string) string {
	body = dotStuff(body)
	if body != "" && !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body + ".\r\n"
}
