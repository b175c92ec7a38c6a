package mailsync

import (
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

const (
	mimeTextHTML  = "text/html"
	mimeTextPlain = "text/plain"
)

// messageBody is the extracted body. At most one field is set.
type messageBody struct {
	HTML *string
	Text *string
}

// extractBody picks the message body from the part tree: the first text/html
// part in depth-first order, else the first text/plain part. A payload without
// children is used directly. Parts carrying a filename are attachments and are
// never taken as the body.
func extractBody(payload *gmail.Part) messageBody {
	if payload == nil {
		return messageBody{}
	}

	if len(payload.Parts) == 0 {
		if payload.Filename != "" || len(payload.Data) == 0 {
			return messageBody{}
		}
		text := partText(payload)
		if isMIME(payload.MIMEType, mimeTextHTML) {
			return messageBody{HTML: &text}
		}
		return messageBody{Text: &text}
	}

	if part := findPart(payload, mimeTextHTML); part != nil {
		html := partText(part)
		return messageBody{HTML: &html}
	}
	if part := findPart(payload, mimeTextPlain); part != nil {
		text := partText(part)
		return messageBody{Text: &text}
	}
	return messageBody{}
}

// findPart returns the first inline body part of the given type, depth first.
func findPart(p *gmail.Part, mimeType string) *gmail.Part {
	if p == nil {
		return nil
	}
	if p.Filename == "" && len(p.Data) > 0 && isMIME(p.MIMEType, mimeType) {
		return p
	}
	for _, child := range p.Parts {
		if found := findPart(child, mimeType); found != nil {
			return found
		}
	}
	return nil
}

func isMIME(got, want string) bool {
	if i := strings.IndexByte(got, ';'); i >= 0 {
		got = got[:i]
	}
	return strings.EqualFold(strings.TrimSpace(got), want)
}

// partText decodes a body part to UTF-8 text. Gmail hands back part bodies in
// the charset their Content-Type declares; unknown charsets are kept as bytes
// and left to sanitizeText.
func partText(p *gmail.Part) string {
	data := p.Data
	if charset := partCharset(p); charset != "" {
		if enc, err := htmlindex.Get(charset); err == nil {
			if name, _ := htmlindex.Name(enc); name != "utf-8" {
				if decoded, err := enc.NewDecoder().Bytes(data); err == nil {
					data = decoded
				}
			}
		}
	}
	return sanitizeText(data)
}

func partCharset(p *gmail.Part) string {
	contentType := headerValue(p.Headers, "Content-Type")
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

// sanitizeText makes body bytes storable as Postgres text, which rejects NUL
// and invalid UTF-8.
func sanitizeText(data []byte) string {
	s := strings.ToValidUTF8(string(data), "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// hasAttachments reports whether any part in the tree carries a filename.
func hasAttachments(p *gmail.Part) bool {
	if p == nil {
		return false
	}
	if p.Filename != "" {
		return true
	}
	for _, child := range p.Parts {
		if hasAttachments(child) {
			return true
		}
	}
	return false
}

// extractAttachments lists attachment metadata for every part with a filename.
func extractAttachments(p *gmail.Part) []models.Attachment {
	var out []models.Attachment
	var walk func(*gmail.Part)
	walk = func(p *gmail.Part) {
		if p == nil {
			return
		}
		if p.Filename != "" {
			disposition := strings.ToLower(headerValue(p.Headers, "Content-Disposition"))
			out = append(out, models.Attachment{
				ProviderAttachmentID: p.AttachmentID,
				Filename:             p.Filename,
				MimeType:             p.MIMEType,
				SizeBytes:            p.Size,
				IsInline:             strings.HasPrefix(disposition, "inline"),
				ContentID:            strings.Trim(headerValue(p.Headers, "Content-ID"), "<> "),
			})
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(p)
	return out
}

// headerValue returns the first header named name, case-insensitively.
func headerValue(headers []gmail.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

var addressParser = &mail.AddressParser{
	WordDecoder: &mime.WordDecoder{CharsetReader: charsetReader},
}

// charsetReader decodes RFC 2047 words in charsets beyond the few net/mail knows.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// parseAddresses parses an address header into one entry per recipient, keeping
// display names with encoded words decoded. Headers net/mail rejects are split
// on top-level commas instead.
func parseAddresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	list, err := addressParser.ParseList(raw)
	if err != nil {
		return splitAddresses(raw)
	}

	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, formatAddress(addr))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatAddress(addr *mail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	name := addr.Name
	if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name + " <" + addr.Address + ">"
}

// splitAddresses splits an address header on top-level commas, so
// `"Doe, Jane" <j@x>, b@x` yields two entries. Entries keep their display names.
func splitAddresses(raw string) []string {
	var (
		out     []string
		current strings.Builder
		quoted  bool
		angle   int
		escaped bool
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, r := range raw {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '<' && !quoted:
			angle++
		case r == '>' && !quoted && angle > 0:
			angle--
		case r == ',' && !quoted && angle == 0:
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()

	return out
}
