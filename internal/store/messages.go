package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/ripple-mail/internal/email"
)

// InsertEmail creates the shared message row and sets e.ID.
func InsertEmail(ctx context.Context, q sqlx.ExtContext, e *email.Email) error {
	id, err := insertID(ctx, q, `
		INSERT INTO emails (sender_id, from_address, message_id, subject, body_text, size_bytes, artifact_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SenderID, e.FromAddress, e.MessageID, e.Subject, e.BodyText, e.SizeBytes, e.ArtifactPath, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create email: %w", err)
	}
	e.ID = id
	return nil
}

// SetArtifactPath back-fills the artifact location once the file exists.
func SetArtifactPath(ctx context.Context, q sqlx.ExtContext, emailID int64, path string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE emails SET artifact_path = ? WHERE id = ?`), path, emailID)
	if err != nil {
		return fmt.Errorf("failed to set artifact path: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRecipient records one addressed party and sets r.ID.
func InsertRecipient(ctx context.Context, q sqlx.ExtContext, r *email.Recipient) error {
	id, err := insertID(ctx, q,
		`INSERT INTO recipients (email_id, user_id, address, type) VALUES (?, ?, ?, ?)`,
		r.EmailID, r.UserID, r.Address, r.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	r.ID = id
	return nil
}

// InsertUserEmail places a message in a mailbox and sets ue.ID.
func InsertUserEmail(ctx context.Context, q sqlx.ExtContext, ue *email.UserEmail) error {
	id, err := insertID(ctx, q, `
		INSERT INTO user_emails (user_id, email_id, mailbox_id, is_sender, is_read, is_starred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ue.UserID, ue.EmailID, ue.MailboxID, ue.IsSender, ue.IsRead, ue.IsStarred, ue.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user email: %w", err)
	}
	ue.ID = id
	return nil
}

// InsertAttachment records an attachment file and sets a.ID.
func InsertAttachment(ctx context.Context, q sqlx.ExtContext, a *email.Attachment) error {
	id, err := insertID(ctx, q, `
		INSERT INTO attachments (email_id, file_name, file_path, mime_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.EmailID, a.FileName, a.FilePath, a.MimeType, a.SizeBytes, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	a.ID = id
	return nil
}

// EmailByID returns a message by ID
func (db *DB) EmailByID(ctx context.Context, id int64) (*email.Email, error) {
	var e email.Email
	err := db.GetContext(ctx, &e, db.Rebind(`SELECT * FROM emails WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &e, nil
}

// EmailByMessageID returns a message by its Message-ID header value
func (db *DB) EmailByMessageID(ctx context.Context, messageID string) (*email.Email, error) {
	var e email.Email
	err := db.GetContext(ctx, &e, db.Rebind(`SELECT * FROM emails WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &e, nil
}

// Recipients returns the recipient rows of a message
func (db *DB) Recipients(ctx context.Context, emailID int64) ([]*email.Recipient, error) {
	var rs []*email.Recipient
	err := db.SelectContext(ctx, &rs, db.Rebind(`SELECT * FROM recipients WHERE email_id = ? ORDER BY id`), emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipients: %w", err)
	}
	return rs, nil
}

// UserEmails returns every mailbox placement of a message
func (db *DB) UserEmails(ctx context.Context, emailID int64) ([]*email.UserEmail, error) {
	var ues []*email.UserEmail
	err := db.SelectContext(ctx, &ues, db.Rebind(`SELECT * FROM user_emails WHERE email_id = ? ORDER BY id`), emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user emails: %w", err)
	}
	return ues, nil
}

// Attachments returns the attachment rows of a message
func (db *DB) Attachments(ctx context.Context, emailID int64) ([]*email.Attachment, error) {
	var as []*email.Attachment
	err := db.SelectContext(ctx, &as, db.Rebind(`SELECT * FROM attachments WHERE email_id = ? ORDER BY id`), emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return as, nil
}

// CountEmails returns the number of message rows
func (db *DB) CountEmails(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}
