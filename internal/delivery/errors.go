package delivery

import "errors"

var (
	// ErrUnknownSender means the envelope sender is not a local account.
	ErrUnknownSender = errors.New("sender is not a local user")

	// ErrUnknownUser means a recipient was given by a user id that does not exist.
	ErrUnknownUser = errors.New("recipient user does not exist")

	// ErrMissingSystemMailbox means an account lacks a system mailbox it must
	// have been provisioned with.
	ErrMissingSystemMailbox = errors.New("system mailbox missing")

	// ErrNoRecipients means the request addressed nobody.
	ErrNoRecipients = errors.New("message has no recipients")

	// ErrMessageTooLarge means the raw message exceeded the configured size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// IsFatal reports whether err is a configuration or provisioning defect that
// retrying the same message cannot fix. Every other delivery error is
// transient.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownSender) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrMissingSystemMailbox) ||
		errors.Is(err, ErrNoRecipients)
}
