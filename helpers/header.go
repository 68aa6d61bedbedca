package helpers

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// SplitMessage separates the header block (including the terminating empty
// line) from the body. A message without a blank line is all header.
func SplitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// ReadHeader parses the header block of a raw message.
func ReadHeader(raw []byte) (textproto.Header, error) {
	hdr, _ := SplitMessage(raw)
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(hdr)))
}

// ReadMailHeader parses the header block of a raw message for address and
// subject decoding.
func ReadMailHeader(raw []byte) (mail.Header, error) {
	hdr, err := ReadHeader(raw)
	if err != nil {
		return mail.Header{}, err
	}
	return mail.Header{Header: message.Header{Header: hdr}}, nil
}

// HeaderFields renders the named header fields in the order requested,
// each as "Name: value\r\n", followed by the empty line that closes a header
// block. Fields absent from the message are skipped. When a field occurs more
// than once every occurrence is emitted.
func HeaderFields(raw []byte, names []string) []byte {
	var out bytes.Buffer
	hdr, err := ReadHeader(raw)
	if err == nil {
		for _, name := range names {
			fields := hdr.FieldsByKey(name)
			for fields.Next() {
				out.WriteString(fields.Key())
				out.WriteString(": ")
				out.WriteString(fields.Value())
				out.WriteString("\r\n")
			}
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// NormalizeCRLF converts bare LF line endings to CRLF.
func NormalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	var out bytes.Buffer
	out.Grow(len(b) + len(b)/40)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}

// TopLines returns the header block followed by at most n lines of the body.
// Blank body lines are emitted but do not count toward n.
func TopLines(raw []byte, n int) []byte {
	hdr, body := SplitMessage(raw)
	var out bytes.Buffer
	out.Write(hdr)
	if n <= 0 || len(body) == 0 {
		return out.Bytes()
	}
	counted := 0
	for _, line := range strings.SplitAfter(string(body), "\n") {
		if line == "" {
			continue
		}
		out.WriteString(line)
		if strings.TrimRight(line, "\r\n") != "" {
			counted++
			if counted >= n {
				break
			}
		}
	}
	return out.Bytes()
}
