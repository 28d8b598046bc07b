package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shineum/ripple-mail/internal/address"
	"github.com/shineum/ripple-mail/internal/email"
	"github.com/shineum/ripple-mail/internal/store"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		tt := tt
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProvision(t *testing.T) {
	t.Parallel()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "ripple.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	v, err := address.NewValidator("~")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := provision(ctx, db, v, "Bob~Example.COM", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, err := store.UserByAddress(ctx, db, "bob~example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Username != "Bob" || u.Address != "Bob~example.com" {
		t.Errorf("user: got %q/%q, want %q/%q", u.Username, u.Address, "Bob", "Bob~example.com")
	}
	if _, err := store.SystemMailbox(ctx, db, u.ID, email.MailboxSent); err != nil {
		t.Errorf("sent mailbox: %v", err)
	}

	if err := provision(ctx, db, v, "not-an-address", ""); err == nil {
		t.Error("expected error for invalid address")
	}
}
