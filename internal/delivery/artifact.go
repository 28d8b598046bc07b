package delivery

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/ripple-mail/internal/maildir"
)

type artifact struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	MessageID   string
	Date        time.Time
	Body        string
	Attachments []AttachmentRef
}

// build renders the message. Attachment parts carry no content; they point at
// the stored file through the X-Local-File-Path part header.
func (a *artifact) build() ([]byte, error) {
	var h mail.Header
	h.SetDate(a.Date)
	h.Set("From", a.From)
	if len(a.To) > 0 {
		h.Set("To", strings.Join(a.To, ", "))
	}
	if len(a.Cc) > 0 {
		h.Set("Cc", strings.Join(a.Cc, ", "))
	}
	h.SetSubject(a.Subject)
	h.Set("Message-Id", a.MessageID)
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	if len(a.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, a.Body); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.WriteString(tw, a.Body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish body part: %w", err)
	}

	for _, att := range a.Attachments {
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(mimeType, map[string]string{"name": att.FileName})
		ah.SetFilename(att.FileName)
		ah.Set(maildir.LocalFileHeader, att.FilePath)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish attachment part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
