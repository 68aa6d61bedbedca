package imap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/pkg/msgset"
	"github.com/litongjava/tio-mail-wing/server"
	"github.com/litongjava/tio-mail-wing/store"
)

const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

type sectionKind int

const (
	sectionFull sectionKind = iota
	sectionHeader
	sectionText
	sectionHeaderFields
	sectionHeaderFieldsNot
)

// bodyItem is one literal-valued FETCH item.
type bodyItem struct {
	name    string // as echoed in the response, e.g. "BODY[HEADER.FIELDS (From)]"
	section sectionKind
	fields  []string
	peek    bool
}

type fetchRequest struct {
	uid          bool
	size         bool
	flags        bool
	internalDate bool
	envelope     bool
	bodies       []bodyItem
}

func (r *fetchRequest) needsContent() bool {
	return len(r.bodies) > 0 || r.envelope
}

func (r *fetchRequest) setsSeen() bool {
	for _, b := range r.bodies {
		if !b.peek {
			return true
		}
	}
	return false
}

// parseFetchItems parses a FETCH item list or a single item or macro.
func parseFetchItems(items string) (*fetchRequest, error) {
	tokens, err := server.ParseList(items)
	if err != nil {
		return nil, server.Errorf(server.KindMalformed, "Invalid FETCH item list")
	}
	if len(tokens) == 0 {
		return nil, server.Errorf(server.KindMalformed, "Empty FETCH item list")
	}

	req := &fetchRequest{}
	for _, tok := range tokens {
		upper := strings.ToUpper(tok)
		switch upper {
		case "ALL":
			req.flags, req.internalDate, req.size, req.envelope = true, true, true, true
		case "FAST":
			req.flags, req.internalDate, req.size = true, true, true
		case "UID":
			req.uid = true
		case "FLAGS":
			req.flags = true
		case "RFC822.SIZE":
			req.size = true
		case "INTERNALDATE":
			req.internalDate = true
		case "ENVELOPE":
			req.envelope = true
		case "RFC822":
			req.bodies = append(req.bodies, bodyItem{name: "RFC822", section: sectionFull})
		case "RFC822.HEADER":
			req.bodies = append(req.bodies, bodyItem{name: "RFC822.HEADER", section: sectionHeader, peek: true})
		case "RFC822.TEXT":
			req.bodies = append(req.bodies, bodyItem{name: "RFC822.TEXT", section: sectionText})
		default:
			item, err := parseBodyItem(tok)
			if err != nil {
				return nil, err
			}
			req.bodies = append(req.bodies, item)
		}
	}
	return req, nil
}

// parseBodyItem parses BODY[<section>] and BODY.PEEK[<section>].
func parseBodyItem(tok string) (bodyItem, error) {
	upper := strings.ToUpper(tok)
	var item bodyItem
	var inner string
	switch {
	case strings.HasPrefix(upper, "BODY.PEEK[") && strings.HasSuffix(tok, "]"):
		item.peek = true
		inner = tok[len("BODY.PEEK[") : len(tok)-1]
	case strings.HasPrefix(upper, "BODY[") && strings.HasSuffix(tok, "]"):
		inner = tok[len("BODY[") : len(tok)-1]
	default:
		return item, server.Errorf(server.KindMalformed, "Unsupported FETCH item: %s", tok)
	}

	keyword, list, _ := strings.Cut(strings.TrimSpace(inner), " ")
	switch strings.ToUpper(keyword) {
	case "":
		item.section = sectionFull
		item.name = "BODY[]"
		return item, nil
	case "HEADER":
		item.section = sectionHeader
		item.name = "BODY[HEADER]"
		return item, nil
	case "TEXT":
		item.section = sectionText
		item.name = "BODY[TEXT]"
		return item, nil
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		fields, err := server.ParseList(list)
		if err != nil || !strings.HasPrefix(strings.TrimSpace(list), "(") {
			return item, server.Errorf(server.KindMalformed, "Invalid header field list in %s", tok)
		}
		for i := range fields {
			fields[i] = argument(fields[i])
		}
		keyword = strings.ToUpper(keyword)
		item.section = sectionHeaderFields
		if keyword == "HEADER.FIELDS.NOT" {
			item.section = sectionHeaderFieldsNot
		} else if len(fields) == 0 {
			fields = append([]string(nil), defaultHeaderFields...)
		}
		item.fields = fields
		item.name = fmt.Sprintf("BODY[%s (%s)]", keyword, strings.Join(fields, " "))
		return item, nil
	}
	return item, server.Errorf(server.KindMalformed, "Unsupported BODY section: %s", inner)
}

// defaultHeaderFields is used for an empty HEADER.FIELDS list.
var defaultHeaderFields = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date", "Message-ID", "Priority", "X-Priority",
	"References", "Newsgroups", "In-Reply-To", "Content-Type", "Reply-To",
}

func (s *IMAPSession) handleFetch(tag, rest string, byUID bool) error {
	setExpr, itemSpec, ok := strings.Cut(strings.TrimSpace(rest), " ")
	if !ok {
		s.bad(tag, "Invalid FETCH arguments: "+rest)
		return server.Errorf(server.KindMalformed, "FETCH arguments")
	}
	set, err := msgset.Parse(setExpr)
	if err != nil {
		s.bad(tag, "Invalid message set: "+setExpr)
		return err
	}
	req, err := parseFetchItems(itemSpec)
	if err != nil {
		return s.fail(tag, cmdFETCH, err)
	}
	if byUID {
		req.uid = true
	}

	kind := msgset.SeqNum
	if byUID {
		kind = msgset.UID
	}
	active, err := s.server.store.ListActive(s.ctx, s.selected.ID)
	if err != nil {
		return s.fail(tag, cmdFETCH, err)
	}
	targets := set.Resolve(kind, active)

	forceFlags := map[imap.UID]bool{}
	if req.setsSeen() && !s.readOnly {
		var unseen []imap.UID
		for _, inst := range targets {
			if !inst.Flags.Has(store.FlagSeen) {
				unseen = append(unseen, inst.UID)
			}
		}
		if len(unseen) > 0 {
			updated, err := s.server.store.SetFlags(s.ctx, s.selected.ID, unseen, store.FlagSeen, true)
			if err != nil {
				return s.fail(tag, cmdFETCH, err)
			}
			byUIDFlags := make(map[imap.UID]store.Flags, len(updated))
			for _, inst := range updated {
				byUIDFlags[inst.UID] = inst.Flags
				forceFlags[inst.UID] = true
			}
			for i := range targets {
				if f, ok := byUIDFlags[targets[i].UID]; ok {
					targets[i].Flags = f
				}
			}
		}
	}

	for _, inst := range targets {
		var raw []byte
		if req.needsContent() {
			raw, err = s.server.store.GetMessageContent(s.ctx, inst)
			if err != nil {
				return s.fail(tag, cmdFETCH, err)
			}
		}
		s.writer.Write(s.renderFetch(inst, req, raw, forceFlags[inst.UID]))
	}

	s.claimRecent()
	s.ok(tag, fetchCompletion(byUID))
	return nil
}

func fetchCompletion(byUID bool) string {
	if byUID {
		return "UID FETCH completed."
	}
	return "FETCH completed."
}

// renderFetch builds one "* n FETCH (...)" response. Items appear in the
// order UID, RFC822.SIZE, FLAGS, INTERNALDATE, ENVELOPE, then the body
// literals as requested.
func (s *IMAPSession) renderFetch(inst store.MailInstance, req *fetchRequest, raw []byte, forceFlags bool) []byte {
	var parts []string
	if req.uid {
		parts = append(parts, fmt.Sprintf("UID %d", inst.UID))
	}
	if req.size {
		parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", inst.Size))
	}
	if req.flags || forceFlags {
		parts = append(parts, fmt.Sprintf("FLAGS (%s)", store.FormatFlags(s.viewFlags(inst))))
	}
	if req.internalDate {
		parts = append(parts, fmt.Sprintf("INTERNALDATE %q", inst.InternalDate.Format(internalDateLayout)))
	}
	if req.envelope {
		parts = append(parts, "ENVELOPE "+envelope(raw))
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "* %d FETCH (%s", inst.Seq, strings.Join(parts, " "))
	for i, item := range req.bodies {
		if len(parts) > 0 || i > 0 {
			b.WriteByte(' ')
		}
		content := sectionContent(raw, item)
		fmt.Fprintf(&b, "%s {%d}\r\n", item.name, len(content))
		b.Write(content)
	}
	b.WriteString(")\r\n")
	return b.Bytes()
}

func sectionContent(raw []byte, item bodyItem) []byte {
	header, body := helpers.SplitMessage(raw)
	switch item.section {
	case sectionHeader:
		return header
	case sectionText:
		return body
	case sectionHeaderFields:
		return helpers.HeaderFields(raw, item.fields)
	case sectionHeaderFieldsNot:
		return headerFieldsExcept(raw, item.fields)
	}
	return raw
}

// headerFieldsExcept renders every header field not named in exclude, in
// message order, followed by the closing empty line.
func headerFieldsExcept(raw []byte, exclude []string) []byte {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[strings.ToLower(name)] = true
	}
	var out bytes.Buffer
	if hdr, err := helpers.ReadHeader(raw); err == nil {
		fields := hdr.Fields()
		for fields.Next() {
			if skip[strings.ToLower(fields.Key())] {
				continue
			}
			out.WriteString(fields.Key() + ": " + fields.Value() + "\r\n")
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}
