package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/ripple-mail/internal/email"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// insertID runs an INSERT and returns the generated id. RETURNING is used
// instead of LastInsertId because pgx does not implement the latter.
func insertID(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateUser inserts a user together with its Inbox, Sent, Draft and Trash
// system mailboxes. Either all five rows are created or none.
func (db *DB) CreateUser(ctx context.Context, user *email.User) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id, err := insertID(ctx, tx,
		`INSERT INTO users (username, address, name, created_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.Address, user.Name, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	for _, typ := range email.SystemMailboxes {
		name := strings.ToUpper(string(typ[:1])) + string(typ[1:])
		_, err := insertID(ctx, tx,
			`INSERT INTO mailboxes (user_id, name, mailbox_type, system_mailbox, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, name, typ, true, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create %s mailbox: %w", typ, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user: %w", err)
	}

	user.ID = id
	user.CreatedAt = now
	return nil
}

// UserByAddress resolves an address to a local user, ignoring case.
func UserByAddress(ctx context.Context, q sqlx.ExtContext, addr string) (*email.User, error) {
	var user email.User
	query := `SELECT id, username, address, name, created_at FROM users WHERE lower(address) = lower(?)`
	err := sqlx.GetContext(ctx, q, &user, q.Rebind(query), addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// UserByID returns a user by ID
func UserByID(ctx context.Context, q sqlx.ExtContext, id int64) (*email.User, error) {
	var user email.User
	query := `SELECT id, username, address, name, created_at FROM users WHERE id = ?`
	err := sqlx.GetContext(ctx, q, &user, q.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SystemMailbox returns the user's live system mailbox of the given type.
func SystemMailbox(ctx context.Context, q sqlx.ExtContext, userID int64, typ email.MailboxType) (*email.Mailbox, error) {
	var mb email.Mailbox
	query := `
		SELECT id, user_id, name, mailbox_type, system_mailbox, created_at, deleted_at
		FROM mailboxes
		WHERE user_id = ? AND mailbox_type = ? AND system_mailbox = ? AND deleted_at IS NULL
	`
	err := sqlx.GetContext(ctx, q, &mb, q.Rebind(query), userID, typ, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s mailbox: %w", typ, err)
	}
	return &mb, nil
}

// Mailboxes returns all live mailboxes of a user
func (db *DB) Mailboxes(ctx context.Context, userID int64) ([]*email.Mailbox, error) {
	var boxes []*email.Mailbox
	query := `
		SELECT id, user_id, name, mailbox_type, system_mailbox, created_at, deleted_at
		FROM mailboxes
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY id
	`
	if err := db.SelectContext(ctx, &boxes, db.Rebind(query), userID); err != nil {
		return nil, fmt.Errorf("failed to get mailboxes: %w", err)
	}
	return boxes, nil
}
