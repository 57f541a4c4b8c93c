package outlook

import (
	"errors"
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// normalize converts a Graph message. Every optional field may be absent.
func normalize(m models.Messageable) (sync.Message, error) {
	if m == nil || str(m.GetId()) == "" {
		return sync.Message{}, sync.ParseError(sync.ProviderOutlook, "normalize", errors.New("message without id"))
	}

	msg := sync.Message{
		ID:       str(m.GetId()),
		ThreadID: str(m.GetConversationId()),
		Subject:  str(m.GetSubject()),
		From:     address(m.GetFrom()),
		To:       addresses(m.GetToRecipients()),
		Cc:       addresses(m.GetCcRecipients()),
		Bcc:      addresses(m.GetBccRecipients()),
		Labels:   append([]string{}, m.GetCategories()...),
	}
	if t := m.GetReceivedDateTime(); t != nil {
		msg.Date = t.UTC()
	}
	read := m.GetIsRead()
	msg.SetRead(read != nil && *read)

	if body := m.GetBody(); body != nil {
		content := str(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.HTMLBody = content
			msg.Body = str(m.GetBodyPreview())
		} else {
			msg.Body = content
		}
	} else {
		msg.Body = str(m.GetBodyPreview())
	}

	for _, att := range m.GetAttachments() {
		if att == nil {
			continue
		}
		a := sync.Attachment{
			ID:          str(att.GetId()),
			Name:        str(att.GetName()),
			ContentType: str(att.GetContentType()),
		}
		if size := att.GetSize(); size != nil {
			a.Size = int64(*size)
		}
		msg.Attachments = append(msg.Attachments, a)
	}
	return msg, nil
}

func address(r models.Recipientable) sync.Address {
	if r == nil {
		return sync.Address{}
	}
	e := r.GetEmailAddress()
	if e == nil {
		return sync.Address{}
	}
	return sync.Address{Name: str(e.GetName()), Email: str(e.GetAddress())}
}

// addresses never returns nil so an absent list stores as an empty list.
func addresses(recipients []models.Recipientable) []sync.Address {
	out := make([]sync.Address, 0, len(recipients))
	for _, r := range recipients {
		if a := address(r); a.Email != "" {
			out = append(out, a)
		}
	}
	return out
}

// outgoing builds the Graph message for sendMail.
func outgoing(msg sync.OutgoingMessage) models.Messageable {
	m := models.NewMessage()
	subject := msg.Subject
	m.SetSubject(&subject)

	body := models.NewItemBody()
	content, contentType := msg.Body, models.TEXT_BODYTYPE
	if msg.HTMLBody != "" {
		content, contentType = msg.HTMLBody, models.HTML_BODYTYPE
	}
	body.SetContent(&content)
	body.SetContentType(&contentType)
	m.SetBody(body)

	if msg.From.Email != "" {
		m.SetFrom(recipient(msg.From))
	}
	m.SetToRecipients(recipients(msg.To))
	m.SetCcRecipients(recipients(msg.Cc))
	m.SetBccRecipients(recipients(msg.Bcc))

	if len(msg.Attachments) > 0 {
		atts := make([]models.Attachmentable, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			fa := models.NewFileAttachment()
			name := a.Name
			fa.SetName(&name)
			ct := a.ContentType
			if strings.TrimSpace(ct) == "" {
				ct = "application/octet-stream"
			}
			fa.SetContentType(&ct)
			fa.SetContentBytes(a.Data)
			atts = append(atts, fa)
		}
		m.SetAttachments(atts)
	}
	return m
}

func recipient(a sync.Address) models.Recipientable {
	r := models.NewRecipient()
	e := models.NewEmailAddress()
	name, addr := a.Name, a.Email
	e.SetName(&name)
	e.SetAddress(&addr)
	r.SetEmailAddress(e)
	return r
}

func recipients(addrs []sync.Address) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient(a))
	}
	return out
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
