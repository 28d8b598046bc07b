package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/ripple-mail/internal/email"
	"github.com/shineum/ripple-mail/internal/metrics"
	"github.com/shineum/ripple-mail/internal/parser"
	"github.com/shineum/ripple-mail/internal/store"
)

// Envelope is a message received over SMTP: the MAIL FROM address, the RCPT TO
// addresses and the unstuffed DATA payload.
type Envelope struct {
	From       string
	Recipients []string
	Data       []byte
}

// Accept parses an SMTP transaction and delivers it. Recipients listed in the
// Cc header are recorded as cc, those in To (or all of them when the message
// has neither header) as to, and the rest as bcc. Inline parts are stored as
// attachment files first and removed again if delivery fails.
func (p *Pipeline) Accept(ctx context.Context, env Envelope) (*Result, error) {
	if p.maxSize > 0 && int64(len(env.Data)) > p.maxSize {
		metrics.Deliveries.WithLabelValues(metrics.ResultTooLarge).Inc()
		return nil, ErrMessageTooLarge
	}

	msg, err := parser.Parse(env.Data)
	if err != nil {
		p.logger.Warn("unparseable message, storing raw body", "from", env.From, "error", err)
		msg = &email.Message{TextBody: string(env.Data)}
	}

	sender, err := store.UserByAddress(ctx, p.db, env.From)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, env.From)
	}
	if err != nil {
		return nil, err
	}

	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = msg.HTMLBody
	}
	req := Request{
		Sender:     Sender{ID: sender.ID, Address: sender.Address},
		Subject:    msg.Subject,
		BodyText:   body,
		Recipients: classify(env.Recipients, msg),
	}

	if len(msg.Parts) > 0 && p.attachments == nil {
		p.logger.Warn("no attachment directory configured, dropping parts", "parts", len(msg.Parts))
	} else {
		for _, part := range msg.Parts {
			ref, err := p.attachments.Save(part)
			if err != nil {
				p.discard(req.Attachments)
				return nil, err
			}
			req.Attachments = append(req.Attachments, ref)
		}
	}

	res, err := p.Deliver(ctx, req)
	if err != nil {
		p.discard(req.Attachments)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) discard(refs []AttachmentRef) {
	for _, ref := range refs {
		if err := p.attachments.Remove(ref); err != nil {
			p.logger.Error("failed to remove attachment", "path", ref.FilePath, "error", err)
		}
	}
}

func classify(rcpts []string, msg *email.Message) []Recipient {
	out := make([]Recipient, 0, len(rcpts))
	for _, addr := range rcpts {
		typ := email.RecipientBcc
		switch {
		case len(msg.To) == 0 && len(msg.Cc) == 0:
			typ = email.RecipientTo
		case containsFold(msg.Cc, addr):
			typ = email.RecipientCc
		case containsFold(msg.To, addr):
			typ = email.RecipientTo
		}
		out = append(out, Recipient{Address: addr, Type: typ})
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
