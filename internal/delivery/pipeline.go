// Package delivery turns an accepted message into durable state: one Email
// row, its Recipient and UserEmail fan-out, Attachment rows and the Maildir
// artifacts, all committed together or not at all.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shineum/ripple-mail/internal/email"
	"github.com/shineum/ripple-mail/internal/maildir"
	"github.com/shineum/ripple-mail/internal/metrics"
	"github.com/shineum/ripple-mail/internal/notify"
	"github.com/shineum/ripple-mail/internal/store"
)

// Deps are the collaborators of a Pipeline. Notifier, Auditor and Logger
// default to no-ops.
type Deps struct {
	DB             *store.DB
	Maildir        *maildir.Store
	Attachments    *AttachmentStore
	Notifier       notify.Notifier
	Auditor        notify.Auditor
	Logger         *slog.Logger
	Domain         string // used in generated Message-IDs
	MaxMessageSize int64
}

// Pipeline delivers messages.
type Pipeline struct {
	db          *store.DB
	maildir     *maildir.Store
	attachments *AttachmentStore
	notifier    notify.Notifier
	auditor     notify.Auditor
	logger      *slog.Logger
	domain      string
	maxSize     int64
	now         func() time.Time
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		db:          d.DB,
		maildir:     d.Maildir,
		attachments: d.Attachments,
		notifier:    d.Notifier,
		auditor:     d.Auditor,
		logger:      d.Logger,
		domain:      d.Domain,
		maxSize:     d.MaxMessageSize,
		now:         time.Now,
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	if p.auditor == nil {
		p.auditor = notify.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.domain == "" {
		p.domain = "localhost"
	}
	return p
}

// Sender identifies the author. ID wins over Address when both are set.
type Sender struct {
	ID      int64
	Address string
}

// Recipient is one addressed party. A recipient is local when UserID is set
// or Address resolves to a user; otherwise it is only recorded.
type Recipient struct {
	UserID  int64
	Address string
	Type    email.RecipientType
}

// Request is a message to deliver.
type Request struct {
	Sender      Sender
	Subject     string
	BodyText    string
	Recipients  []Recipient
	Attachments []AttachmentRef
}

// Result holds the rows and files a delivery created.
type Result struct {
	Email       *email.Email
	Recipients  []*email.Recipient
	UserEmails  []*email.UserEmail
	Attachments []*email.Attachment
	Artifacts   []string // Sent copy first, then one per delivered Inbox
}

type resolved struct {
	Recipient
	user *email.User
}

// Deliver records and stores a message. On error nothing is left behind: the
// transaction is rolled back and every artifact written is removed.
// Notification and auditing happen after commit and never fail the delivery.
func (p *Pipeline) Deliver(ctx context.Context, req Request) (res *Result, err error) {
	start := p.now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Inc()
		case IsFatal(err):
			metrics.Deliveries.WithLabelValues(metrics.ResultFatal).Inc()
		default:
			metrics.Deliveries.WithLabelValues(metrics.ResultTempfail).Inc()
		}
	}()

	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var written []string
	committed := false
	defer func() {
		if committed {
			return
		}
		for _, path := range written {
			if rmErr := p.maildir.Remove(path); rmErr != nil {
				p.logger.Error("failed to remove artifact", "path", path, "error", rmErr)
			}
		}
	}()

	sender, err := resolveSender(ctx, tx, req.Sender)
	if err != nil {
		return nil, err
	}

	rcpts := make([]resolved, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		rr, err := resolveRecipient(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		rcpts = append(rcpts, rr)
	}

	now := p.now().UTC()
	art := artifact{
		From:        sender.Address,
		Subject:     req.Subject,
		MessageID:   fmt.Sprintf("<%s@%s>", uuid.New().String(), p.domain),
		Date:        now,
		Body:        req.BodyText,
		Attachments: req.Attachments,
	}
	for _, r := range rcpts {
		switch r.Type {
		case email.RecipientTo:
			art.To = append(art.To, r.Address)
		case email.RecipientCc:
			art.Cc = append(art.Cc, r.Address)
		}
	}
	raw, err := art.build()
	if err != nil {
		return nil, err
	}

	res = &Result{Email: &email.Email{
		SenderID:    sender.ID,
		FromAddress: sender.Address,
		MessageID:   art.MessageID,
		Subject:     req.Subject,
		BodyText:    req.BodyText,
		SizeBytes:   int64(len(raw)),
		CreatedAt:   now,
	}}
	if err := store.InsertEmail(ctx, tx, res.Email); err != nil {
		return nil, err
	}

	sent, err := systemMailbox(ctx, tx, sender.ID, email.MailboxSent)
	if err != nil {
		return nil, err
	}
	ue := &email.UserEmail{
		UserID:    sender.ID,
		EmailID:   res.Email.ID,
		MailboxID: sent.ID,
		IsSender:  true,
		IsRead:    true,
		CreatedAt: now,
	}
	if err := store.InsertUserEmail(ctx, tx, ue); err != nil {
		return nil, err
	}
	res.UserEmails = append(res.UserEmails, ue)

	var inboxUsers []*email.User
	seen := make(map[int64]bool)
	for _, r := range rcpts {
		row := &email.Recipient{EmailID: res.Email.ID, Address: r.Address, Type: r.Type}
		if r.user != nil {
			id := r.user.ID
			row.UserID = &id
		}
		if err := store.InsertRecipient(ctx, tx, row); err != nil {
			return nil, err
		}
		res.Recipients = append(res.Recipients, row)

		if r.user == nil || seen[r.user.ID] {
			continue
		}
		seen[r.user.ID] = true

		inbox, err := store.SystemMailbox(ctx, tx, r.user.ID, email.MailboxInbox)
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("recipient has no inbox, skipping", "user_id", r.user.ID, "address", r.Address)
			continue
		}
		if err != nil {
			return nil, err
		}
		ue := &email.UserEmail{
			UserID:    r.user.ID,
			EmailID:   res.Email.ID,
			MailboxID: inbox.ID,
			CreatedAt: now,
		}
		if err := store.InsertUserEmail(ctx, tx, ue); err != nil {
			return nil, err
		}
		res.UserEmails = append(res.UserEmails, ue)
		inboxUsers = append(inboxUsers, r.user)
	}

	for _, ref := range req.Attachments {
		size := ref.SizeBytes
		if size == 0 {
			fi, err := os.Stat(ref.FilePath)
			if err != nil {
				return nil, fmt.Errorf("failed to stat attachment: %w", err)
			}
			size = fi.Size()
		}
		a := &email.Attachment{
			EmailID:   res.Email.ID,
			FileName:  ref.FileName,
			FilePath:  ref.FilePath,
			MimeType:  ref.MimeType,
			SizeBytes: size,
			CreatedAt: now,
		}
		if err := store.InsertAttachment(ctx, tx, a); err != nil {
			return nil, err
		}
		res.Attachments = append(res.Attachments, a)
	}

	sentPath, err := p.maildir.DeliverSeen(sender.Username, maildir.FolderSent, raw)
	if err != nil {
		return nil, err
	}
	written = append(written, sentPath)
	for _, u := range inboxUsers {
		path, err := p.maildir.Deliver(u.Username, maildir.FolderInbox, raw)
		if err != nil {
			return nil, err
		}
		written = append(written, path)
	}

	if err := store.SetArtifactPath(ctx, tx, res.Email.ID, sentPath); err != nil {
		return nil, err
	}
	res.Email.ArtifactPath = sentPath

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delivery: %w", err)
	}
	committed = true
	res.Artifacts = written

	p.logger.Info("message delivered",
		"email_id", res.Email.ID,
		"message_id", res.Email.MessageID,
		"from", sender.Address,
		"recipients", len(res.Recipients),
		"inboxes", len(inboxUsers),
		"attachments", len(res.Attachments),
	)
	p.announce(ctx, res, inboxUsers)
	return res, nil
}

func (p *Pipeline) announce(ctx context.Context, res *Result, users []*email.User) {
	for _, u := range users {
		if err := p.notifier.NewMessage(ctx, u.ID, res.Email.ID); err != nil {
			p.logger.Warn("failed to notify recipient", "user_id", u.ID, "email_id", res.Email.ID, "error", err)
		}
	}
	s := notify.Summary{
		EmailID:      res.Email.ID,
		MessageID:    res.Email.MessageID,
		ArtifactPath: res.Email.ArtifactPath,
		From:         res.Email.FromAddress,
		Recipients:   len(res.Recipients),
	}
	if err := p.auditor.MessageAccepted(ctx, s); err != nil {
		p.logger.Warn("failed to audit message", "email_id", res.Email.ID, "error", err)
	}
}

func resolveSender(ctx context.Context, q sqlx.ExtContext, s Sender) (*email.User, error) {
	var (
		u   *email.User
		err error
	)
	switch {
	case s.ID != 0:
		u, err = store.UserByID(ctx, q, s.ID)
	case s.Address != "":
		u, err = store.UserByAddress(ctx, q, s.Address)
	default:
		return nil, ErrUnknownSender
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, senderLabel(s))
	}
	return u, err
}

func senderLabel(s Sender) string {
	if s.Address != "" {
		return s.Address
	}
	return fmt.Sprintf("id %d", s.ID)
}

func resolveRecipient(ctx context.Context, q sqlx.ExtContext, r Recipient) (resolved, error) {
	if r.Type == "" {
		r.Type = email.RecipientTo
	}
	if r.UserID != 0 {
		u, err := store.UserByID(ctx, q, r.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return resolved{}, fmt.Errorf("%w: id %d", ErrUnknownUser, r.UserID)
		}
		if err != nil {
			return resolved{}, err
		}
		if r.Address == "" {
			r.Address = u.Address
		}
		return resolved{Recipient: r, user: u}, nil
	}
	if r.Address == "" {
		return resolved{}, fmt.Errorf("%w: recipient without address", ErrNoRecipients)
	}
	u, err := store.UserByAddress(ctx, q, r.Address)
	if errors.Is(err, store.ErrNotFound) {
		return resolved{Recipient: r}, nil
	}
	if err != nil {
		return resolved{}, err
	}
	return resolved{Recipient: r, user: u}, nil
}

func systemMailbox(ctx context.Context, q sqlx.ExtContext, userID int64, typ email.MailboxType) (*email.Mailbox, error) {
	mb, err := store.SystemMailbox(ctx, q, userID, typ)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s of user %d", ErrMissingSystemMailbox, typ, userID)
	}
	return mb, err
}
