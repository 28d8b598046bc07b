// Package parser turns a raw DATA payload into an email.Message.
package parser

import (
	"bytes"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/ripple-mail/internal/address"
	"github.com/shineum/ripple-mail/internal/email"
)

// headerLine matches an RFC 5322 field name followed by a colon.
var headerLine = regexp.MustCompile(`^[!-9;-~]+:`)

// Parse parses a raw message. Payloads that do not start with a header block
// are treated as a bare plain-text body. Attachments and inline parts with a
// filename are returned as Parts with their decoded content.
func Parse(raw []byte) (*email.Message, error) {
	if !HasHeaderBlock(raw) {
		return &email.Message{TextBody: trimBody(string(raw))}, nil
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &email.Message{
		From:      env.GetHeader("From"),
		Subject:   env.GetHeader("Subject"),
		MessageID: env.GetHeader("Message-Id"),
		To:        parseAddressList(env.GetHeader("To")),
		Cc:        parseAddressList(env.GetHeader("Cc")),
		TextBody:  trimBody(env.Text),
		HTMLBody:  env.HTML,
	}
	if msg.TextBody == "" && msg.HTMLBody == "" && len(env.Attachments)+len(env.Inlines) == 0 {
		msg.TextBody = trimBody(string(Body(raw)))
	}

	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)
	for _, p := range parts {
		msg.Parts = append(msg.Parts, email.Part{
			Filename:    filename(p),
			ContentType: p.ContentType,
			Content:     p.Content,
		})
	}

	return msg, nil
}

// HasHeaderBlock reports whether raw opens with RFC 5322 header fields
// terminated by an empty line. Every line before the empty one must be a
// field or a folded continuation of one.
func HasHeaderBlock(raw []byte) bool {
	fields := 0
	for len(raw) > 0 {
		line, rest, found := bytes.Cut(raw, []byte("\n"))
		if !found {
			return false
		}
		line = bytes.TrimRight(line, "\r")
		switch {
		case len(line) == 0:
			return fields > 0
		case line[0] == ' ' || line[0] == '\t':
			if fields == 0 {
				return false
			}
		case headerLine.Match(line):
			fields++
		default:
			return false
		}
		raw = rest
	}
	return false
}

// Body returns what follows the header block, or raw itself when there is no
// header block.
func Body(raw []byte) []byte {
	if !HasHeaderBlock(raw) {
		return raw
	}
	for {
		line, rest, _ := bytes.Cut(raw, []byte("\n"))
		raw = rest
		if len(bytes.TrimRight(line, "\r")) == 0 {
			return raw
		}
	}
}

func trimBody(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// filename falls back to a name derived from the media type when the part
// carries none.
func filename(p *enmime.Part) string {
	if p.FileName != "" {
		return p.FileName
	}
	if mediaType, _, err := mime.ParseMediaType(p.ContentType); err == nil {
		if _, sub, ok := strings.Cut(mediaType, "/"); ok {
			return "attachment." + sub
		}
	}
	return "attachment"
}

// parseAddressList splits a header address list into bare addresses. Local
// addresses do not use "@", so RFC 5322 parsing is not applicable; display
// names are dropped by taking the bracketed part when present.
func parseAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if addr, ok := address.Extract(p); ok {
			p = addr
		}
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
