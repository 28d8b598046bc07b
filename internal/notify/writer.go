package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Writer writes one JSON line per event to an io.Writer. It serves as both
// Notifier and Auditor.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer that writes to os.Stdout.
func NewWriter() *Writer {
	return &Writer{w: os.Stdout}
}

// NewWriterTo creates a Writer that writes to w.
func NewWriterTo(w io.Writer) *Writer {
	return &Writer{w: w}
}

type record struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	UserID  int64     `json:"user_id,omitempty"`
	EmailID int64     `json:"email_id,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
}

// NewMessage writes a "new_message" line.
func (w *Writer) NewMessage(_ context.Context, userID, emailID int64) error {
	return w.write(record{Time: time.Now().UTC(), Event: "new_message", UserID: userID, EmailID: emailID})
}

// MessageAccepted writes a "message_accepted" line.
func (w *Writer) MessageAccepted(_ context.Context, s Summary) error {
	return w.write(record{Time: time.Now().UTC(), Event: "message_accepted", Summary: &s})
}

func (w *Writer) write(r record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
