// Package email defines the mail data model shared by the SMTP front end, the
// delivery pipeline and the relational store.
package email

import "time"

// MailboxType identifies one of the per-user system mailboxes.
type MailboxType string

const (
	MailboxInbox MailboxType = "inbox"
	MailboxSent  MailboxType = "sent"
	MailboxDraft MailboxType = "draft"
	MailboxTrash MailboxType = "trash"
)

// SystemMailboxes lists the mailboxes every account is provisioned with, in
// creation order.
var SystemMailboxes = []MailboxType{MailboxInbox, MailboxSent, MailboxDraft, MailboxTrash}

// RecipientType is the header field a recipient was addressed through.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// User is a local account known to the directory.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"` // Maildir directory name
	Address   string    `db:"address"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Mailbox is a per-user folder. System mailboxes are never deleted.
type Mailbox struct {
	ID        int64       `db:"id"`
	UserID    int64       `db:"user_id"`
	Name      string      `db:"name"`
	Type      MailboxType `db:"mailbox_type"`
	System    bool        `db:"system_mailbox"`
	CreatedAt time.Time   `db:"created_at"`
	DeletedAt *time.Time  `db:"deleted_at"`
}

// Email is the shared, immutable record of one accepted message. Only
// ArtifactPath is written after creation.
type Email struct {
	ID           int64     `db:"id"`
	SenderID     int64     `db:"sender_id"`
	FromAddress  string    `db:"from_address"`
	MessageID    string    `db:"message_id"`
	Subject      string    `db:"subject"`
	BodyText     string    `db:"body_text"`
	SizeBytes    int64     `db:"size_bytes"`
	ArtifactPath string    `db:"artifact_path"`
	CreatedAt    time.Time `db:"created_at"`
}

// Recipient is the audit row for one addressed party. UserID is nil for
// addresses that do not resolve to a local user.
type Recipient struct {
	ID      int64         `db:"id"`
	EmailID int64         `db:"email_id"`
	UserID  *int64        `db:"user_id"`
	Address string        `db:"address"`
	Type    RecipientType `db:"type"`
}

// UserEmail places an Email in one of a user's mailboxes.
type UserEmail struct {
	ID         int64      `db:"id"`
	UserID     int64      `db:"user_id"`
	EmailID    int64      `db:"email_id"`
	MailboxID  int64      `db:"mailbox_id"`
	IsSender   bool       `db:"is_sender"`
	IsRead     bool       `db:"is_read"`
	IsStarred  bool       `db:"is_starred"`
	TrashSince *time.Time `db:"trash_since"`
	DeletedAt  *time.Time `db:"deleted_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Attachment is a file stored outside the artifact and referenced by path.
type Attachment struct {
	ID        int64     `db:"id"`
	EmailID   int64     `db:"email_id"`
	FileName  string    `db:"file_name"`
	FilePath  string    `db:"file_path"`
	MimeType  string    `db:"mime_type"`
	SizeBytes int64     `db:"size_bytes"`
	CreatedAt time.Time `db:"created_at"`
}

// Message is an inbound message as parsed from the DATA payload.
type Message struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	TextBody  string
	HTMLBody  string
	MessageID string
	Parts     []Part
}

// Part is an attachment carried inline in an inbound message.
type Part struct {
	Filename    string
	ContentType string
	Content     []byte
}
