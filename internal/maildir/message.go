package maildir

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/ripple-mail/internal/parser"
)

// LocalFileHeader names the part header that points an attachment part at a
// file stored outside the artifact.
const LocalFileHeader = "X-Local-File-Path"

// Message is a parsed Maildir file.
type Message struct {
	ID          string // unique name without the info suffix
	Filename    string
	Path        string
	Unread      bool
	Size        int64
	From        string
	To          string
	Subject     string
	MessageID   string
	Date        time.Time
	Body        string
	Attachments []string
}

var attachmentList = regexp.MustCompile(`\[([^\]]+)\]`)

func load(path string, unread bool) (*Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	name := filepath.Base(path)
	id, _, _ := strings.Cut(name, ":")
	msg := &Message{
		ID:       id,
		Filename: name,
		Path:     path,
		Unread:   unread,
		Size:     int64(len(raw)),
	}
	parse(msg, raw)
	return msg, nil
}

// parse fills in headers, body and attachment references. Content that is not
// a parseable message is returned verbatim as the body.
func parse(msg *Message, raw []byte) {
	if !parser.HasHeaderBlock(raw) {
		msg.Body, msg.Attachments = splitAttachments(string(raw))
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		msg.Body, msg.Attachments = splitAttachments(string(raw))
		return
	}

	msg.From = env.GetHeader("From")
	msg.To = env.GetHeader("To")
	msg.Subject = env.GetHeader("Subject")
	msg.MessageID = env.GetHeader("Message-Id")
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = d
	}

	body := env.Text
	if body == "" {
		body = env.HTML
	}
	if body == "" && len(env.Attachments)+len(env.Inlines)+len(env.OtherParts) == 0 {
		body = string(parser.Body(raw))
	}
	msg.Body, msg.Attachments = splitAttachments(body)

	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, p := range parts {
			if ref := p.Header.Get(LocalFileHeader); ref != "" {
				msg.Attachments = append(msg.Attachments, ref)
			}
		}
	}
}

// splitAttachments removes the first "Attachments: [a, b]" line from body and
// returns the listed references.
func splitAttachments(body string) (string, []string) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "Attachments:") {
			continue
		}
		var refs []string
		if m := attachmentList.FindStringSubmatch(line); m != nil {
			for _, ref := range strings.Split(m[1], ",") {
				if ref = strings.TrimSpace(ref); ref != "" {
					refs = append(refs, ref)
				}
			}
		}
		lines = append(lines[:i], lines[i+1:]...)
		return strings.Join(lines, "\n"), refs
	}
	return body, nil
}
