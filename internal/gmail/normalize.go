package gmail

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// Normalized is the canonical shape of one provider message, ready to be
// persisted as an email row.
type Normalized struct {
	ProviderMessageID string
	ProviderThreadID  string
	Subject           string
	SenderName        string
	SenderEmail       string
	ReceivedAt        time.Time
	BodyText          string
	BodyHTML          string
	HasAttachments    bool
}

// Normalize converts a raw Gmail message into its canonical form. It is
// deterministic and side-effect free. Missing subject or bodies are fine;
// a message with no payload or no usable From header is ErrMalformed.
func Normalize(m *RawMessage) (*Normalized, error) {
	if m == nil || m.Payload == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	from := header(m.Payload.Headers, "From")
	name, addr := ParseSender(from)
	if addr == "" {
		return nil, fmt.Errorf("%w: no sender address", ErrMalformed)
	}

	n := &Normalized{
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Subject:           decodeSubject(header(m.Payload.Headers, "Subject")),
		SenderName:        name,
		SenderEmail:       addr,
		ReceivedAt:        time.UnixMilli(m.InternalDate),
	}

	collectParts(m.Payload, n)
	return n, nil
}

// ParseSender splits a From header into display name and address. A bare
// address yields an empty name; the raw header is used as the address when
// it cannot be parsed at all.
func ParseSender(from string) (name, addr string) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", ""
	}

	if parsed, err := mail.ParseAddress(from); err == nil {
		return parsed.Name, parsed.Address
	}

	// Header is not RFC-clean; fall back to a manual angle-bracket split.
	if open := strings.Index(from, "<"); open >= 0 {
		if close := strings.Index(from[open:], ">"); close > 0 {
			name = strings.Trim(strings.TrimSpace(from[:open]), `"`)
			addr = strings.TrimSpace(from[open+1 : open+close])
			return name, addr
		}
	}
	return "", from
}

// decodeSubject decodes RFC 2047 encoded words, keeping the raw header on
// failure rather than dropping the subject.
func decodeSubject(subject string) string {
	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(subject)
	if err != nil {
		return subject
	}
	return decoded
}

// collectParts walks the whole MIME tree, picking the first text/plain and
// first text/html bodies and flagging any part that carries a filename.
func collectParts(part *gmail.MessagePart, n *Normalized) {
	if part == nil {
		return
	}

	if part.Filename != "" {
		n.HasAttachments = true
	}

	if part.Body != nil && part.Body.Data != "" {
		switch {
		case n.BodyText == "" && part.MimeType == "text/plain":
			n.BodyText = decodeBody(part.Body.Data)
		case n.BodyHTML == "" && part.MimeType == "text/html":
			n.BodyHTML = decodeBody(part.Body.Data)
		}
	}

	for _, child := range part.Parts {
		collectParts(child, n)
	}
}

// decodeBody decodes the Gmail base64url body encoding. Undecodable data
// yields an empty body, never an error.
func decodeBody(data string) string {
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
