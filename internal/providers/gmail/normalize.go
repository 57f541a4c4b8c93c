package gmail

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/sync"
)

const labelUnread = "UNREAD"

// normalize converts a Gmail API message in "full" format.
func normalize(m *gmail.Message) (sync.Message, error) {
	if m == nil || m.Id == "" {
		return sync.Message{}, sync.ParseError(sync.ProviderGmail, "normalize", errors.New("message without id"))
	}

	var h mail.Header
	if m.Payload != nil {
		for _, hdr := range m.Payload.Headers {
			if hdr != nil && hdr.Name != "" {
				h.Add(hdr.Name, hdr.Value)
			}
		}
	}

	msg := sync.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  subject(h),
		From:     firstAddress(h, "From"),
		To:       addresses(h, "To"),
		Cc:       addresses(h, "Cc"),
		Bcc:      addresses(h, "Bcc"),
		Date:     date(m, h),
		Labels:   append([]string{}, m.LabelIds...),
	}
	msg.SetRead(!hasLabel(m.LabelIds, labelUnread))

	var parts walked
	parts.walk(m.Payload)
	msg.Body = parts.text
	msg.HTMLBody = parts.html
	msg.Attachments = parts.attachments
	if msg.Body == "" && msg.HTMLBody == "" {
		msg.Body = m.Snippet
	}
	return msg, nil
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

// addresses never returns nil so an absent header stores as an empty list.
func addresses(h mail.Header, key string) []sync.Address {
	out := []sync.Address{}
	if h.Get(key) == "" {
		return out
	}
	list, err := h.AddressList(key)
	if err != nil {
		// Keep what the header says rather than dropping recipients.
		for _, raw := range strings.Split(h.Get(key), ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				out = append(out, sync.Address{Email: raw})
			}
		}
		return out
	}
	for _, a := range list {
		if a != nil {
			out = append(out, sync.Address{Name: a.Name, Email: a.Address})
		}
	}
	return out
}

func firstAddress(h mail.Header, key string) sync.Address {
	if list := addresses(h, key); len(list) > 0 {
		return list[0]
	}
	return sync.Address{}
}

// date prefers Gmail's internal receive time over the Date header.
func date(m *gmail.Message, h mail.Header) time.Time {
	if m.InternalDate > 0 {
		return time.UnixMilli(m.InternalDate).UTC()
	}
	if t, err := h.Date(); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// walked accumulates the first text and html bodies and every attachment of a
// MIME tree.
type walked struct {
	text        string
	html        string
	attachments []sync.Attachment
}

func (w *walked) walk(p *gmail.MessagePart) {
	if p == nil {
		return
	}
	if p.Filename != "" {
		att := sync.Attachment{Name: p.Filename, ContentType: p.MimeType}
		if p.Body != nil {
			att.ID = p.Body.AttachmentId
			att.Size = p.Body.Size
		}
		w.attachments = append(w.attachments, att)
		return
	}

	mimeType := strings.ToLower(p.MimeType)
	switch {
	case strings.HasPrefix(mimeType, "multipart/"):
		for _, child := range p.Parts {
			w.walk(child)
		}
	case mimeType == "text/plain" && w.text == "":
		w.text = bodyText(p)
	case mimeType == "text/html" && w.html == "":
		w.html = bodyText(p)
	}
}

func bodyText(p *gmail.MessagePart) string {
	if p.Body == nil || p.Body.Data == "" {
		return ""
	}
	data, err := decodeBase64URL(p.Body.Data)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeBase64URL accepts Gmail payloads with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
