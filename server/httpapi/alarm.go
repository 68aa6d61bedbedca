package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/server"
)

// Alarm request headers.
const (
	headerFromUser  = "mail-from-user"
	headerToUser    = "mail-to-user"
	headerToMailbox = "mail-to-mailbox"
	headerSubject   = "mail-subject"

	defaultAlarmSubject = "server_error"
)

// Alarm is one synthetic error mail.
type Alarm struct {
	From    string
	To      string
	Mailbox string
	Subject string
	Body    []byte
	HTML    bool
}

// handleAlarm turns the request into a mail and delivers it like SMTP DATA
// would. The request body becomes the message body.
func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	alarm := Alarm{
		From:    headerOr(r, headerFromUser, s.alarmFrom),
		To:      strings.TrimSpace(r.Header.Get(headerToUser)),
		Mailbox: headerOr(r, headerToMailbox, consts.MailboxInbox),
		Subject: headerOr(r, headerSubject, defaultAlarmSubject),
		Body:    body,
		HTML:    strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "text/html"),
	}
	if alarm.To == "" {
		s.writeError(w, http.StatusBadRequest, "mail-to-user header is required")
		return
	}
	logger.Info("HTTP API: alarm", "from", alarm.From, "to", alarm.To, "mailbox", alarm.Mailbox, "subject", alarm.Subject)

	raw, err := BuildAlarmMessage(alarm, s.hostname, time.Now())
	if err != nil {
		logger.Warn("HTTP API: failed to build alarm message", "error", err)
		s.writeError(w, http.StatusBadRequest, "Invalid alarm headers")
		return
	}

	ctx := r.Context()
	dc := s.deliveryContext()
	rcpt, err := dc.LookupRecipient(ctx, alarm.To)
	if err != nil {
		switch server.Classify(err) {
		case server.KindMalformed:
			s.writeError(w, http.StatusBadRequest, "Invalid recipient address")
		case server.KindNotFound:
			s.writeError(w, http.StatusNotFound, "Recipient not found")
		default:
			logger.Warn("HTTP API: recipient lookup failed", "to", alarm.To, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Recipient lookup failed")
		}
		return
	}
	rcpt.TargetMailbox = alarm.Mailbox

	result, err := dc.DeliverMessage(ctx, *rcpt, raw)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found: "+alarm.Mailbox)
			return
		}
		logger.Warn("HTTP API: alarm delivery failed", "to", alarm.To, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Delivery failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "delivered",
		"mailbox": result.MailboxName,
		"uid":     uint32(result.UID),
	})
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
		return v
	}
	return fallback
}

// BuildAlarmMessage renders an alarm as an RFC 5322 message. HTML bodies
// are sent as multipart/alternative with a plain-text rendering first.
func BuildAlarmMessage(a Alarm, hostname string, now time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(a.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", a.From, err)
	}
	to, err := mail.ParseAddress(a.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", a.To, err)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(a.Subject)
	h.SetMessageID(uuid.NewString() + "@" + hostname)

	var buf bytes.Buffer
	if !a.HTML {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	iw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	parts := []struct {
		contentType string
		body        []byte
	}{
		{"text/plain", []byte(html2text.HTML2Text(string(a.Body)))},
		{"text/html", a.Body},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(p.body); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
