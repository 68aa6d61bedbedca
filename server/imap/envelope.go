package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/litongjava/tio-mail-wing/helpers"
)

// envelope renders the ENVELOPE structure of a raw message.
func envelope(raw []byte) string {
	h, err := helpers.ReadMailHeader(raw)
	if err != nil {
		return "(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)"
	}

	from := addressList(h, "From")
	sender := addressList(h, "Sender")
	if sender == "NIL" {
		sender = from
	}
	replyTo := addressList(h, "Reply-To")
	if replyTo == "NIL" {
		replyTo = from
	}

	fields := []string{
		nstring(h.Get("Date")),
		nstring(h.Get("Subject")),
		from,
		sender,
		replyTo,
		addressList(h, "To"),
		addressList(h, "Cc"),
		addressList(h, "Bcc"),
		nstring(h.Get("In-Reply-To")),
		nstring(h.Get("Message-Id")),
	}
	return "(" + strings.Join(fields, " ") + ")"
}

func addressList(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		mailbox, host := a.Address, ""
		if at := strings.LastIndexByte(a.Address, '@'); at >= 0 {
			mailbox, host = a.Address[:at], a.Address[at+1:]
		}
		parts = append(parts, fmt.Sprintf("(%s NIL %s %s)", nstring(a.Name), nstring(mailbox), nstring(host)))
	}
	return "(" + strings.Join(parts, "") + ")"
}

// nstring renders NIL for an empty value, a quoted string for plain ASCII
// and a literal otherwise.
func nstring(v string) string {
	if v == "" {
		return "NIL"
	}
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 || v[i] == '\r' || v[i] == '\n' {
			return fmt.Sprintf("{%d}\r\n%s", len(v), v)
		}
	}
	return quoteString(v)
}
