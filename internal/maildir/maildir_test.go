package maildir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	return len(entries)
}

const sample = "From: alice~example.com\r\n" +
	"To: bob~example.com\r\n" +
	"Subject: Hi\r\n" +
	"Message-Id: <abc~example.com>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello"

func TestDeliver_WritesIntoNew(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, err := s.Deliver("bob", FolderInbox, []byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := filepath.Join(s.Root(), "bob")
	if filepath.Dir(path) != filepath.Join(dir, "new") {
		t.Errorf("path: got %q, want it under %q", path, filepath.Join(dir, "new"))
	}
	if n := countFiles(t, filepath.Join(dir, "tmp")); n != 0 {
		t.Errorf("tmp files: got %d, want 0", n)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != sample {
		t.Errorf("content mismatch: got %q", data)
	}
}

func TestDeliverSeen_WritesIntoCur(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, err := s.DeliverSeen("alice", FolderSent, []byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(s.Root(), "alice", ".Sent", "cur")
	if filepath.Dir(path) != want {
		t.Errorf("path: got %q, want it under %q", path, want)
	}
	if !strings.HasSuffix(path, ":2,S") {
		t.Errorf("path %q is missing the seen flag", path)
	}

	msgs, err := s.List("alice", FolderSent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Unread {
		t.Errorf("sent listing: got %+v", msgs)
	}
	inbox, err := s.List("alice", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("inbox should be empty, got %d", len(inbox))
	}
}

func TestList_ParsesAndTagsUnread(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Deliver("bob", FolderInbox, []byte(sample)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.List("bob", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	m := msgs[0]
	if !m.Unread {
		t.Error("message in new should be unread")
	}
	if m.Body != "Hello" {
		t.Errorf("Body: got %q, want %q", m.Body, "Hello")
	}
	if m.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", m.Subject, "Hi")
	}
	if m.From != "alice~example.com" {
		t.Errorf("From: got %q, want %q", m.From, "alice~example.com")
	}
	if m.Date.IsZero() {
		t.Error("Date was not parsed")
	}
}

func TestList_MissingUserIsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	msgs, err := s.List("nobody", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestRead_MarksReadOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, err := s.Deliver("bob", FolderInbox, []byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := filepath.Base(path)

	first, err := s.Read("bob", FolderInbox, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == nil {
		t.Fatal("message not found")
	}
	if !first.Unread {
		t.Error("first read should report the message as previously unread")
	}
	if first.Body != "Hello" {
		t.Errorf("Body: got %q, want %q", first.Body, "Hello")
	}

	second, err := s.Read("bob", FolderInbox, id)
	if err != nil {
		t.Fatalf("second read: unexpected error: %v", err)
	}
	if second == nil {
		t.Fatal("second read: message not found")
	}
	if second.Unread {
		t.Error("second read should find the message already read")
	}
	if second.Path != first.Path {
		t.Errorf("path changed between reads: %q vs %q", first.Path, second.Path)
	}

	dir := filepath.Join(s.Root(), "bob")
	if n := countFiles(t, filepath.Join(dir, "new")); n != 0 {
		t.Errorf("new files: got %d, want 0", n)
	}
	if n := countFiles(t, filepath.Join(dir, "cur")); n != 1 {
		t.Errorf("cur files: got %d, want 1", n)
	}

	msgs, err := s.List("bob", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Unread {
		t.Errorf("listing after read: got %+v", msgs)
	}
}

func TestRead_ByTimestampPrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, err := s.Deliver("bob", FolderInbox, []byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts, _, _ := strings.Cut(filepath.Base(path), ".")

	msg, err := s.Read("bob", FolderInbox, ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil || msg.ID != filepath.Base(path) {
		t.Errorf("got %+v, want id %q", msg, filepath.Base(path))
	}
}

func TestRead_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	msg, err := s.Read("bob", FolderInbox, "12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Errorf("got %+v, want nil", msg)
	}
}

func TestDeliver_ConcurrentNamesAreUnique(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	const n = 50

	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = s.Deliver("bob", FolderInbox, []byte(fmt.Sprintf("body %03d", i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, p := range paths {
		if errs[i] != nil {
			t.Fatalf("delivery %d failed: %v", i, errs[i])
		}
		if seen[p] {
			t.Errorf("duplicate path %q", p)
		}
		seen[p] = true

		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := fmt.Sprintf("body %03d", i); string(data) != want {
			t.Errorf("file %d: got %q, want %q", i, data, want)
		}
	}

	if got := countFiles(t, filepath.Join(s.Root(), "bob", "new")); got != n {
		t.Errorf("new files: got %d, want %d", got, n)
	}
}

func TestList_NewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	var ids []string
	for i := 0; i < 3; i++ {
		p, err := s.Deliver("bob", FolderInbox, []byte(fmt.Sprintf("msg %d", i)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, filepath.Base(p))
	}
	if _, err := s.Read("bob", FolderInbox, ids[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.List("bob", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages: got %d, want 3", len(msgs))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d]: got %q, want %q", i, msgs[i].ID, want)
		}
	}
	if msgs[2].Unread || !msgs[0].Unread {
		t.Errorf("unread tags wrong: %v %v", msgs[0].Unread, msgs[2].Unread)
	}
}

func TestAttachmentReferences(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	mime := strings.Join([]string{
		"From: alice~example.com",
		"Subject: Files",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See files",
		"--b1",
		"Content-Type: application/pdf; name=\"a.pdf\"",
		"Content-Disposition: attachment; filename=\"a.pdf\"",
		LocalFileHeader + ": /files/a.pdf",
		"",
		"",
		"--b1--",
		"",
	}, "\r\n")
	if _, err := s.Deliver("bob", FolderInbox, []byte(mime)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	legacy := "Hello\nAttachments: [/files/x.png, /files/y.txt]\nBye"
	if _, err := s.Deliver("carol", FolderInbox, []byte(legacy)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.List("bob", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if got := msgs[0].Attachments; len(got) != 1 || got[0] != "/files/a.pdf" {
		t.Errorf("Attachments: got %v", got)
	}
	if strings.TrimSpace(msgs[0].Body) != "See files" {
		t.Errorf("Body: got %q", msgs[0].Body)
	}

	msgs, err = s.List("carol", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].Body != "Hello\nBye" {
		t.Errorf("Body: got %q, want %q", msgs[0].Body, "Hello\nBye")
	}
	if got := msgs[0].Attachments; len(got) != 2 || got[0] != "/files/x.png" || got[1] != "/files/y.txt" {
		t.Errorf("Attachments: got %v", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, err := s.Deliver("bob", FolderInbox, []byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Remove(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still exists: %v", err)
	}
	if err := s.Remove(path); err != nil {
		t.Errorf("removing a missing file: %v", err)
	}
}

func TestDir_RejectsEscapes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	for _, user := range []string{"", ".", "..", "../x", `a\b`} {
		if _, err := s.Deliver(user, FolderInbox, []byte("x")); !errors.Is(err, ErrInvalidUser) {
			t.Errorf("Deliver(%q): got %v, want ErrInvalidUser", user, err)
		}
	}
	if _, err := s.Deliver("bob", "Sent", []byte("x")); err == nil {
		t.Error("folder without leading dot should be rejected")
	}
}

func TestList_HeaderLikeBodyIsVerbatim(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := "Note: lunch at noon\nsee you there"
	if _, err := s.Deliver("bob", FolderInbox, []byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.List("bob", FolderInbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].Body != raw {
		t.Errorf("Body: got %q, want %q", msgs[0].Body, raw)
	}
	if msgs[0].Subject != "" {
		t.Errorf("Subject: got %q, want empty", msgs[0].Subject)
	}
}
