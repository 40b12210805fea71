// Package mailparse converts raw RFC 5322 messages (.eml files) into
// analysis messages.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
)

// ErrEmpty is returned for input with no headers.
var ErrEmpty = errors.New("empty message")

// Attachment describes a part that is not analyzed.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// Parsed is a decoded message.
type Parsed struct {
	Message     analysis.Message `json:"message"`
	InReplyTo   string           `json:"inReplyTo,omitempty"`
	References  []string         `json:"references,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	// DateFallback is set when ReceivedAt did not come from the Date header.
	DateFallback bool     `json:"dateFallback"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Options tunes parsing.
type Options struct {
	// MaxBodySize truncates the body in bytes. Zero keeps everything.
	MaxBodySize int
	// FallbackDate is used when the Date header is missing or unparseable.
	FallbackDate time.Time
}

// ParseFile reads and parses path, falling back to its modification time
// for a missing date.
func ParseFile(path string, opts Options) (*Parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if opts.FallbackDate.IsZero() {
		if st, err := os.Stat(path); err == nil {
			opts.FallbackDate = st.ModTime()
		}
	}
	return Parse(data, opts)
}

// Parse decodes one message.
func Parse(data []byte, opts Options) (*Parsed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	p := &Parsed{}
	h := msg.Header

	p.Message.ProviderMessageID = cleanMessageID(h.Get("Message-Id"))
	p.Message.From = firstAddress(h, "From")
	p.Message.To = addressList(h, "To")
	p.Message.Cc = addressList(h, "Cc")
	p.Message.Bcc = addressList(h, "Bcc")
	p.Message.Subject = decodeHeader(h.Get("Subject"))
	p.Message.ReceivedAt, p.DateFallback = parseDate(h.Get("Date"), opts.FallbackDate)

	p.InReplyTo = cleanMessageID(h.Get("In-Reply-To"))
	for _, ref := range strings.Fields(h.Get("References")) {
		if id := cleanMessageID(ref); id != "" {
			p.References = append(p.References, id)
		}
	}

	var b body
	if err := b.read(msg.Body, h.Get("Content-Type"), h.Get("Content-Transfer-Encoding"), p); err != nil {
		p.warn("body: %v", err)
	}
	text := b.text
	if text == "" && b.html != "" {
		text = htmlToText(b.html)
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if opts.MaxBodySize > 0 && len(text) > opts.MaxBodySize {
		text = text[:opts.MaxBodySize]
		p.warn("body truncated to %d bytes", opts.MaxBodySize)
	}
	p.Message.Body = text

	if p.Message.ProviderMessageID == "" {
		sum := sha256.Sum256(data)
		p.Message.ProviderMessageID = "<eml-" + hex.EncodeToString(sum[:8]) + "@mailpulse.local>"
		p.warn("missing Message-ID, synthesized %s", p.Message.ProviderMessageID)
	}
	p.Message.ID = strings.Trim(p.Message.ProviderMessageID, "<>")
	p.Message.ThreadID = threadRoot(p)
	return p, nil
}

func (p *Parsed) warn(format string, args ...any) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}

// threadRoot is the first referenced id, else the replied-to id, else the
// message itself.
func threadRoot(p *Parsed) string {
	switch {
	case len(p.References) > 0:
		return strings.Trim(p.References[0], "<>")
	case p.InReplyTo != "":
		return strings.Trim(p.InReplyTo, "<>")
	default:
		return p.Message.ID
	}
}

// body collects the first text and html parts.
type body struct {
	text string
	html string
}

func (b *body) read(r io.Reader, contentType, transferEncoding string, p *Parsed) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		raw, _ := io.ReadAll(r)
		b.text = string(raw)
		return nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return b.readMultipart(r, params["boundary"], p)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.store(mediaType, decodePart(raw, transferEncoding, params["charset"], p))
	return nil
}

func (b *body) readMultipart(r io.Reader, boundary string, p *Parsed) error {
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			p.warn("part content type %q: %v", ct, err)
			continue
		}
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if err := b.readMultipart(part, params["boundary"], p); err != nil {
				p.warn("nested multipart: %v", err)
			}
		case mediaType == "message/rfc822":
			raw, _ := io.ReadAll(part)
			if nested, err := Parse(raw, Options{}); err == nil && nested.Message.Body != "" {
				b.appendText("---------- Forwarded message ----------\n" + nested.Message.Body)
			}
		case disposition == "attachment" || dispParams["filename"] != "":
			raw, _ := io.ReadAll(part)
			name := decodeHeader(dispParams["filename"])
			if name == "" {
				name = part.FileName()
			}
			p.Attachments = append(p.Attachments, Attachment{
				Filename: name,
				MimeType: mediaType,
				Size:     len(decodeTransfer(raw, part.Header.Get("Content-Transfer-Encoding"))),
			})
		case strings.HasPrefix(mediaType, "text/"):
			raw, err := io.ReadAll(part)
			if err != nil {
				p.warn("reading part: %v", err)
				continue
			}
			b.store(mediaType, decodePart(raw, part.Header.Get("Content-Transfer-Encoding"), params["charset"], p))
		}
	}
}

func (b *body) store(mediaType, content string) {
	switch {
	case mediaType == "text/html":
		if b.html == "" {
			b.html = content
		}
	case strings.HasPrefix(mediaType, "text/"):
		if b.text == "" {
			b.text = content
		}
	}
}

func (b *body) appendText(s string) {
	if b.text == "" {
		b.text = s
		return
	}
	b.text += "\n\n" + s
}

func decodePart(raw []byte, transferEncoding, charset string, p *Parsed) string {
	data := decodeTransfer(raw, transferEncoding)
	decoded, err := decodeCharset(data, charset)
	if err != nil {
		p.warn("%v", err)
	}
	return string(decoded)
}

func decodeTransfer(data []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, data)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(out, cleaned)
		if err != nil {
			return data
		}
		return out[:n]
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data
		}
		return out
	default:
		return data
	}
}

// decodeCharset converts data to UTF-8. Unknown charsets are returned as-is
// with an error.
func decodeCharset(data []byte, charset string) ([]byte, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return data, nil
	case "latin1", "iso_8859-1":
		charset = "iso-8859-1"
	case "sjis", "shift-jis":
		return transformAll(data, japanese.ShiftJIS.NewDecoder())
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return data, fmt.Errorf("unknown charset %q", charset)
	}
	if enc == charmap.Windows1252 && charset == "iso-8859-1" {
		enc = charmap.ISO8859_1
	}
	return transformAll(data, enc.NewDecoder())
}

func transformAll(data []byte, t transform.Transformer) ([]byte, error) {
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), t))
	if err != nil {
		return data, fmt.Errorf("charset decoding: %w", err)
	}
	return out, nil
}

// htmlToText keeps visible text, breaking lines at block elements.
func htmlToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head", "title":
				return
			case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "blockquote":
				sb.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteString(" ")
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func cleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		raw, err := io.ReadAll(input)
		if err != nil {
			return nil, err
		}
		out, err := decodeCharset(raw, charset)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(out), nil
	},
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func toAddress(a *mail.Address) analysis.Address {
	return analysis.Address{Email: strings.TrimSpace(a.Address), Name: a.Name}
}

func firstAddress(h mail.Header, key string) analysis.Address {
	if list := addressList(h, key); len(list) > 0 {
		return list[0]
	}
	return analysis.Address{}
}

// addressList parses a header strictly, falling back to a lenient split for
// the malformed lists real mailers produce.
func addressList(h mail.Header, key string) []analysis.Address {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if list, err := parser.ParseList(raw); err == nil {
		out := make([]analysis.Address, len(list))
		for i, a := range list {
			out[i] = toAddress(a)
		}
		return out
	}

	var out []analysis.Address
	for _, part := range splitAddresses(raw) {
		if a := parseLoose(part); a.Email != "" {
			out = append(out, a)
		}
	}
	return out
}

func parseLoose(raw string) analysis.Address {
	raw = strings.TrimSpace(raw)
	start, end := strings.Index(raw, "<"), strings.LastIndex(raw, ">")
	if start >= 0 && end > start {
		name := strings.Trim(strings.TrimSpace(raw[:start]), `"`)
		return analysis.Address{Email: strings.TrimSpace(raw[start+1 : end]), Name: decodeHeader(name)}
	}
	if strings.Contains(raw, "@") {
		return analysis.Address{Email: raw}
	}
	return analysis.Address{}
}

// splitAddresses splits on commas outside quotes and angle brackets.
func splitAddresses(raw string) []string {
	var (
		parts    []string
		cur      strings.Builder
		inQuotes bool
		depth    int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case r == ',' && !inQuotes && depth == 0:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return parts
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func parseDate(s string, fallback time.Time) (time.Time, bool) {
	if s = strings.TrimSpace(s); s != "" {
		if t, err := mail.ParseDate(s); err == nil {
			return t, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, false
			}
		}
	}
	if fallback.IsZero() {
		fallback = time.Now()
	}
	return fallback, true
}
