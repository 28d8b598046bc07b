package delivery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/ripple-mail/internal/email"
)

// AttachmentRef points at an attachment file already stored on disk.
type AttachmentRef struct {
	FileName  string
	FilePath  string
	MimeType  string
	SizeBytes int64 // stat'ed at delivery when zero
}

// AttachmentStore keeps attachment bytes under <root>/<uuid>/<name>.
type AttachmentStore struct {
	root string
}

// NewAttachmentStore creates root if needed.
func NewAttachmentStore(root string) (*AttachmentStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &AttachmentStore{root: root}, nil
}

// Save writes the part content to a fresh directory and returns its reference.
func (s *AttachmentStore) Save(p email.Part) (AttachmentRef, error) {
	name := safeName(p.Filename)
	dir := filepath.Join(s.root, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return AttachmentRef{}, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, p.Content, 0644); err != nil {
		os.RemoveAll(dir)
		return AttachmentRef{}, fmt.Errorf("failed to write attachment: %w", err)
	}
	return AttachmentRef{
		FileName:  name,
		FilePath:  path,
		MimeType:  p.ContentType,
		SizeBytes: int64(len(p.Content)),
	}, nil
}

// Remove deletes a file written by Save together with its directory. Paths
// outside the store root are left alone.
func (s *AttachmentStore) Remove(ref AttachmentRef) error {
	dir := filepath.Dir(ref.FilePath)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove attachment: %w", err)
	}
	return nil
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
