package gmail

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// buildRawMessage renders an RFC 5322 message for the send endpoint.
func buildRawMessage(msg sync.OutgoingMessage) ([]byte, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, errors.New("message has no recipients")
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	if msg.From.Email != "" {
		h.SetAddressList("From", toMailAddresses([]sync.Address{msg.From}))
	}
	setList(&h, "To", msg.To)
	setList(&h, "Cc", msg.Cc)
	setList(&h, "Bcc", msg.Bcc)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if msg.HTMLBody == "" && len(msg.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, msg.Body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeInline(tw, "text/plain", msg.Body); err != nil {
		return nil, err
	}
	if msg.HTMLBody != "" {
		if err := writeInline(tw, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(att.Name)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func setList(h *mail.Header, key string, addrs []sync.Address) {
	if len(addrs) > 0 {
		h.SetAddressList(key, toMailAddresses(addrs))
	}
}

func toMailAddresses(addrs []sync.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}
