// Package notify defines the collaborators told about accepted messages: the
// realtime layer (per-user "new message" events) and the audit log.
package notify

import (
	"context"
	"errors"
)

// Summary describes a message after its delivery transaction committed.
type Summary struct {
	EmailID      int64  `json:"email_id"`
	MessageID    string `json:"message_id"`
	ArtifactPath string `json:"artifact_path"`
	From         string `json:"from"`
	Recipients   int    `json:"recipients"`
}

// Notifier is told which local users received a new message.
type Notifier interface {
	NewMessage(ctx context.Context, userID, emailID int64) error
}

// Auditor records accepted messages.
type Auditor interface {
	MessageAccepted(ctx context.Context, s Summary) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) NewMessage(context.Context, int64, int64) error { return nil }
func (Nop) MessageAccepted(context.Context, Summary) error { return nil }

// Notifiers fans a new-message event out to several notifiers.
type Notifiers []Notifier

// NewMessage calls every notifier and joins their errors.
func (ns Notifiers) NewMessage(ctx context.Context, userID, emailID int64) error {
	var errs []error
	for _, n := range ns {
		if err := n.NewMessage(ctx, userID, emailID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
