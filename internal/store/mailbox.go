package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shineum/ripple-mail/internal/email"
)

// MailboxEntry is one visible message in a user's mailbox listing.
type MailboxEntry struct {
	UserEmailID  int64     `db:"user_email_id"`
	EmailID      int64     `db:"email_id"`
	MessageID    string    `db:"message_id"`
	FromAddress  string    `db:"from_address"`
	Subject      string    `db:"subject"`
	ArtifactPath string    `db:"artifact_path"`
	IsRead       bool      `db:"is_read"`
	IsStarred    bool      `db:"is_starred"`
	CreatedAt    time.Time `db:"created_at"`
}

// MailboxEntries lists the non-deleted messages in one of the user's system
// mailboxes, newest first.
func (db *DB) MailboxEntries(ctx context.Context, userID int64, typ email.MailboxType) ([]*MailboxEntry, error) {
	var entries []*MailboxEntry
	query := `
		SELECT ue.id AS user_email_id, e.id AS email_id, e.message_id, e.from_address, e.subject,
		       e.artifact_path, ue.is_read, ue.is_starred, ue.created_at
		FROM user_emails ue
		JOIN emails e ON e.id = ue.email_id
		JOIN mailboxes m ON m.id = ue.mailbox_id
		WHERE ue.user_id = ? AND m.mailbox_type = ? AND m.system_mailbox = ?
		  AND ue.deleted_at IS NULL AND m.deleted_at IS NULL
		ORDER BY ue.created_at DESC, ue.id DESC
	`
	if err := db.SelectContext(ctx, &entries, db.Rebind(query), userID, typ, true); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", typ, err)
	}
	return entries, nil
}

// MarkRead marks every placement of a message for a user as read.
func (db *DB) MarkRead(ctx context.Context, userID, emailID int64) error {
	query := `UPDATE user_emails SET is_read = ? WHERE user_id = ? AND email_id = ? AND deleted_at IS NULL`
	res, err := db.ExecContext(ctx, db.Rebind(query), true, userID, emailID)
	if err != nil {
		return fmt.Errorf("failed to mark email as read: %w", err)
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

// SoftDelete hides one placement from the user's view. The shared email row is
// left untouched for the other parties.
func (db *DB) SoftDelete(ctx context.Context, userID, userEmailID int64) error {
	query := `UPDATE user_emails SET deleted_at = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`
	res, err := db.ExecContext(ctx, db.Rebind(query), time.Now().UTC(), userEmailID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user email: %w", err)
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
