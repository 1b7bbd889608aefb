// Package normalize converts a mailapi.Payload (server wire shape) into
// the store's domain types. It never trusts server HTML beyond treating it
// as opaque body content; it only extracts plain/rich bodies and header
// metadata.
package normalize

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/aerostudio/mailcore/internal/mailapi"
)

// Recipient is a parsed "Name <email>" or bare email address.
type Recipient struct {
	Name  string
	Email string
}

// Normalized is everything extracted from a server payload needed to
// upsert a message.
type Normalized struct {
	MessageID    string
	ThreadID     string
	From         Recipient
	To           []Recipient
	Cc           []Recipient
	Subject      string
	BodyPreview  string
	PlainBody    []byte
	RichBody     []byte
	ReceivedAt   time.Time
	InternalDate int64
	Labels       []string
}

// Message converts a server payload into a Normalized result.
func Message(p mailapi.Payload) Normalized {
	fromHeader := header(p.Headers, "From")
	from := Recipient{Email: "unknown@unknown"}
	if fromHeader != "" {
		from = parseAddress(fromHeader)
	}

	toHeader := header(p.Headers, "To")
	ccHeader := header(p.Headers, "Cc")
	subject := header(p.Headers, "Subject")

	receivedAt := time.UnixMilli(p.InternalDate).UTC()

	plain := extractPart(p, "text/plain")
	rich := extractPart(p, "text/html")

	preview := decodeHTMLEntities(p.Snippet)
	if preview == "" {
		preview = string(plain)
	}

	return Normalized{
		MessageID:    p.ID,
		ThreadID:     p.ThreadID,
		From:         from,
		To:           parseAddressList(toHeader),
		Cc:           parseAddressList(ccHeader),
		Subject:      subject,
		BodyPreview:  preview,
		PlainBody:    plain,
		RichBody:     rich,
		ReceivedAt:   receivedAt,
		InternalDate: p.InternalDate,
		Labels:       p.LabelIDs,
	}
}

// HasAttachment reports whether the payload carries any part that is
// neither a container (multipart/*) nor one of the two body mime types
// normalize already extracts.
func HasAttachment(p mailapi.Payload) bool {
	return partsHaveAttachment(p.Parts)
}

func partsHaveAttachment(parts []mailapi.Part) bool {
	for _, part := range parts {
		if part.MimeType != "" &&
			!strings.HasPrefix(part.MimeType, "multipart/") &&
			!strings.HasPrefix(part.MimeType, "text/plain") &&
			!strings.HasPrefix(part.MimeType, "text/html") {
			return true
		}
		if partsHaveAttachment(part.Parts) {
			return true
		}
	}
	return false
}

func header(headers []mailapi.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// parseAddressList uses go-message's RFC 5322 address-list parser, falling
// back to a permissive comma split for server payloads that don't quite
// round-trip through it (a bare "name, name2@host" listing without angle
// brackets, which the server sometimes reports for single-recipient To
// headers with display names).
func parseAddressList(s string) []Recipient {
	if s == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(s); err == nil {
		out := make([]Recipient, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, Recipient{Name: a.Name, Email: a.Address})
		}
		return out
	}

	parts := strings.Split(s, ",")
	out := make([]Recipient, 0, len(parts))
	for _, p := range parts {
		out = append(out, parseAddress(strings.TrimSpace(p)))
	}
	return out
}

// parseAddress accepts "Name <email@host>" or a bare email address,
// preferring go-message's parser and falling back to manual splitting on
// angle brackets for malformed single addresses it rejects outright.
func parseAddress(s string) Recipient {
	s = strings.TrimSpace(s)
	if a, err := mail.ParseAddress(s); err == nil {
		return Recipient{Name: a.Name, Email: a.Address}
	}

	start := strings.LastIndex(s, "<")
	end := strings.LastIndex(s, ">")
	if start >= 0 && end > start {
		name := strings.TrimSpace(s[:start])
		name = strings.Trim(name, `"`)
		email := strings.TrimSpace(s[start+1 : end])
		return Recipient{Name: name, Email: email}
	}
	return Recipient{Email: s}
}

// extractPart locates and decodes the first part (recursing into
// multipart children) whose mime type has the given prefix, checking the
// top-level body first so single-part messages don't need recursion.
func extractPart(p mailapi.Payload, mimePrefix string) []byte {
	if strings.HasPrefix(p.MimeType, mimePrefix) && p.Body.Data != "" {
		if data, ok := decodeBase64(p.Body.Data); ok {
			return data
		}
	}
	return findInParts(p.Parts, mimePrefix)
}

func findInParts(parts []mailapi.Part, mimePrefix string) []byte {
	for _, part := range parts {
		if strings.HasPrefix(part.MimeType, mimePrefix) && part.Body.Data != "" {
			if data, ok := decodeBase64(part.Body.Data); ok {
				return data
			}
		}
		if nested := findInParts(part.Parts, mimePrefix); nested != nil {
			return nested
		}
	}
	return nil
}

// decodeBase64 tries every encoding variant the server might use, since
// "base64url" payloads are sometimes padded and sometimes not.
func decodeBase64(data string) ([]byte, bool) {
	decoders := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, dec := range decoders {
		if decoded, err := dec.DecodeString(data); err == nil {
			return decoded, true
		}
	}
	return nil, false
}

func decodeHTMLEntities(s string) string {
	return html.UnescapeString(s)
}
