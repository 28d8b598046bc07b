// Package maildir stores message artifacts in per-user Maildir directories.
//
// A user's Inbox is <root>/<user>/{tmp,new,cur}; other folders follow the
// Maildir++ layout <root>/<user>/.<Folder>/{tmp,new,cur}. Files are written
// into tmp and become visible in new or cur only through a rename, so readers
// never see partial content.
package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Folder names.
const (
	FolderInbox = ""
	FolderSent  = ".Sent"
)

// seenSuffix is the Maildir info suffix for a message that has been read.
const seenSuffix = ":2,S"

// ErrInvalidUser is returned for user names that would escape the root.
var ErrInvalidUser = errors.New("invalid maildir user")

var deliveries atomic.Uint64

// Store is a Maildir tree rooted at a directory. It is safe for concurrent use
// by multiple goroutines and processes.
type Store struct {
	root string
	host string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create maildir root: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Store{
		root: root,
		host: strings.NewReplacer("/", `\057`, ":", `\072`).Replace(host),
	}, nil
}

// Root returns the root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the folder directory for user without creating it.
func (s *Store) Dir(user, folder string) (string, error) {
	if user == "" || user == "." || user == ".." || strings.ContainsAny(user, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}
	if folder != "" && (!strings.HasPrefix(folder, ".") || strings.ContainsAny(folder, `/\`) || folder == "." || folder == "..") {
		return "", fmt.Errorf("invalid maildir folder %q", folder)
	}
	return filepath.Join(s.root, user, folder), nil
}

func (s *Store) ensure(user, folder string) (string, error) {
	dir, err := s.Dir(user, folder)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create maildir: %w", err)
		}
	}
	return dir, nil
}

// uniqueName returns <unix-nanos>.P<pid>Q<seq>R<random>.<host>. The fixed-width
// timestamp prefix keeps names sortable by delivery time.
func (s *Store) uniqueName() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate maildir name: %w", err)
	}
	return fmt.Sprintf("%019d.P%dQ%08dR%s.%s",
		time.Now().UnixNano(), os.Getpid(), deliveries.Add(1), hex.EncodeToString(b), s.host), nil
}

// Deliver writes data as a new, unread message and returns its final path.
func (s *Store) Deliver(user, folder string, data []byte) (string, error) {
	return s.write(user, folder, data, false)
}

// DeliverSeen writes data straight into cur, flagged as read.
func (s *Store) DeliverSeen(user, folder string, data []byte) (string, error) {
	return s.write(user, folder, data, true)
}

func (s *Store) write(user, folder string, data []byte, seen bool) (string, error) {
	dir, err := s.ensure(user, folder)
	if err != nil {
		return "", err
	}
	name, err := s.uniqueName()
	if err != nil {
		return "", err
	}

	tmpPath := filepath.Join(dir, "tmp", name)
	if err := writeFileSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	dest := filepath.Join(dir, "new", name)
	if seen {
		dest = filepath.Join(dir, "cur", name+seenSuffix)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move message into place: %w", err)
	}
	return dest, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create message file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write message file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync message file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close message file: %w", err)
	}
	return nil
}

// Remove deletes a delivered file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	return nil
}

// List returns the messages in new (unread) and cur (read), newest first.
func (s *Store) List(user, folder string) ([]*Message, error) {
	dir, err := s.Dir(user, folder)
	if err != nil {
		return nil, err
	}

	var msgs []*Message
	for _, sub := range []struct {
		name   string
		unread bool
	}{{"new", true}, {"cur", false}} {
		entries, err := readDir(filepath.Join(dir, sub.name))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			msg, err := load(filepath.Join(dir, sub.name, entry.Name()), sub.unread)
			if err != nil {
				// Renamed into cur by a concurrent reader.
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			msgs = append(msgs, msg)
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ID > msgs[j].ID
	})
	return msgs, nil
}

// Read finds the message whose unique name starts with id, looking in new and
// then cur. A message found in new is moved to cur, which marks it read; the
// returned Unread reports whether this call did that. Reading a message that
// is already in cur does not rename anything. Read returns nil, nil when no
// file matches.
func (s *Store) Read(user, folder, id string) (*Message, error) {
	if id == "" {
		return nil, nil
	}
	dir, err := s.Dir(user, folder)
	if err != nil {
		return nil, err
	}
	newDir := filepath.Join(dir, "new")
	curDir := filepath.Join(dir, "cur")

	name, err := find(newDir, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if err := os.MkdirAll(curDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create maildir: %w", err)
		}
		dest := filepath.Join(curDir, name+seenSuffix)
		err := os.Rename(filepath.Join(newDir, name), dest)
		if err == nil {
			return load(dest, true)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to mark message read: %w", err)
		}
		// Lost the race with another reader; it is in cur now.
	}

	name, err = find(curDir, id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	return load(filepath.Join(curDir, name), false)
}

func readDir(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read maildir: %w", err)
	}
	files := entries[:0]
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e)
		}
	}
	return files, nil
}

func find(dir, id string) (string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), id) {
			return e.Name(), nil
		}
	}
	return "", nil
}
