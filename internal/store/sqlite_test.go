// ABOUTME: Tests for the SQLite and in-memory store implementations
// ABOUTME: Covers conversation lifecycle, message persistence, and history ordering

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	conv, err := first.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer second.Close()

	got, err := second.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation after reopen failed: %v", err)
	}
	if got.Status != StatusOpen {
		t.Errorf("status = %q, want open", got.Status)
	}
}

// storeFactories runs each contract test against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"sqlite": func() Store { return newTestStore(t) },
		"memory": func() Store { return NewMemoryStore() },
	}
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			conv, err := s.CreateConversation(ctx)
			if err != nil {
				t.Fatalf("CreateConversation failed: %v", err)
			}
			if conv.ID == "" {
				t.Fatal("conversation ID is empty")
			}
			if conv.Status != StatusOpen {
				t.Errorf("new conversation status = %q, want open", conv.Status)
			}

			got, err := s.GetConversation(ctx, conv.ID)
			if err != nil {
				t.Fatalf("GetConversation failed: %v", err)
			}
			if got.ID != conv.ID {
				t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
			}
			if got.ClosedAt != nil {
				t.Error("open conversation has ClosedAt set")
			}

			msgs, err := s.ListMessages(ctx, conv.ID)
			if err != nil {
				t.Fatalf("ListMessages failed: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("new conversation has %d messages, want 0", len(msgs))
			}
		})
	}
}

func TestStore_GetConversationNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()

			_, err := s.GetConversation(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_CloseIsMonotonicAndIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			conv, _ := s.CreateConversation(ctx)

			changed, err := s.CloseConversation(ctx, conv.ID)
			if err != nil {
				t.Fatalf("first close failed: %v", err)
			}
			if !changed {
				t.Error("first close should report a transition")
			}

			changed, err = s.CloseConversation(ctx, conv.ID)
			if err != nil {
				t.Fatalf("second close failed: %v", err)
			}
			if changed {
				t.Error("second close should be a no-op")
			}

			got, _ := s.GetConversation(ctx, conv.ID)
			if !got.IsClosed() {
				t.Error("conversation should be closed")
			}
			if got.ClosedAt == nil {
				t.Error("ClosedAt should be set")
			}

			if _, err := s.CloseConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("closing unknown conversation: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_SaveMessageAssignsIdentity(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			conv, _ := s.CreateConversation(ctx)
			msg, err := s.SaveMessage(ctx, &NewMessage{
				ConversationID: conv.ID,
				SenderType:     SenderVisitor,
				Body:           "hello",
			})
			if err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}
			if msg.ID == "" {
				t.Error("message ID was not assigned")
			}
			if msg.CreatedAt.IsZero() {
				t.Error("message CreatedAt was not assigned")
			}

			other, _ := s.SaveMessage(ctx, &NewMessage{
				ConversationID: conv.ID,
				SenderType:     SenderAgent,
				Body:           "hi, how can I help?",
			})
			if other.ID == msg.ID {
				t.Error("two saves produced the same ID")
			}
		})
	}
}

func TestStore_SaveMessageRejectsClosedAndUnknown(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			_, err := s.SaveMessage(ctx, &NewMessage{ConversationID: "missing", SenderType: SenderVisitor, Body: "x"})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			conv, _ := s.CreateConversation(ctx)
			_, _ = s.CloseConversation(ctx, conv.ID)

			_, err = s.SaveMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderType: SenderVisitor, Body: "x"})
			if !errors.Is(err, ErrConversationClosed) {
				t.Errorf("expected ErrConversationClosed, got %v", err)
			}
		})
	}
}

func TestStore_ListMessagesIsolatedByConversation(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			a, _ := s.CreateConversation(ctx)
			b, _ := s.CreateConversation(ctx)

			_, _ = s.SaveMessage(ctx, &NewMessage{ConversationID: a.ID, SenderType: SenderVisitor, Body: "for a"})
			_, _ = s.SaveMessage(ctx, &NewMessage{ConversationID: b.ID, SenderType: SenderVisitor, Body: "for b"})

			msgs, err := s.ListMessages(ctx, a.ID)
			if err != nil {
				t.Fatalf("ListMessages failed: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if msgs[0].Body != "for a" || msgs[0].ConversationID != a.ID {
				t.Errorf("leaked message from another conversation: %+v", msgs[0])
			}

			if _, err := s.ListMessages(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSQLiteStore_ListMessagesTieBreakByID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Freeze the clock so every message shares a timestamp
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	conv, _ := s.CreateConversation(ctx)
	for _, body := range []string{"one", "two", "three", "four"} {
		if _, err := s.SaveMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderType: SenderVisitor, Body: body}); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].ID >= msgs[i].ID {
			t.Errorf("messages not ordered by ID on timestamp tie: %q before %q", msgs[i-1].ID, msgs[i].ID)
		}
	}
}

func TestStore_ListMessagesChronological(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			tick := 0
			clock := func() time.Time {
				tick++
				// Run the clock backwards to prove ordering is by CreatedAt
				return base.Add(-time.Duration(tick) * time.Second)
			}
			switch st := s.(type) {
			case *SQLiteStore:
				st.now = clock
			case *MemoryStore:
				st.now = clock
			}

			conv, _ := s.CreateConversation(ctx)
			for _, body := range []string{"a", "b", "c"} {
				_, _ = s.SaveMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderType: SenderAgent, Body: body})
			}

			msgs, _ := s.ListMessages(ctx, conv.ID)
			if len(msgs) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(msgs))
			}
			want := []string{"c", "b", "a"}
			for i, msg := range msgs {
				if msg.Body != want[i] {
					t.Errorf("position %d: got %q, want %q", i, msg.Body, want[i])
				}
			}
		})
	}
}

func TestStore_ListOpenConversations(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			a, _ := s.CreateConversation(ctx)
			b, _ := s.CreateConversation(ctx)
			c, _ := s.CreateConversation(ctx)
			_, _ = s.CloseConversation(ctx, b.ID)

			open, err := s.ListOpenConversations(ctx, 0)
			if err != nil {
				t.Fatalf("ListOpenConversations failed: %v", err)
			}
			if len(open) != 2 {
				t.Fatalf("expected 2 open conversations, got %d", len(open))
			}
			ids := map[string]bool{open[0].ID: true, open[1].ID: true}
			if !ids[a.ID] || !ids[c.ID] {
				t.Errorf("unexpected open set: %v", ids)
			}

			limited, _ := s.ListOpenConversations(ctx, 1)
			if len(limited) != 1 {
				t.Errorf("limit ignored: got %d", len(limited))
			}
		})
	}
}

// Writers that hit the same file at the same instant wait for the lock
// instead of failing with SQLITE_BUSY.
func TestSQLiteStore_SimultaneousSavesAllSucceed(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	const writers = 16
	start := make(chan struct{})
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.SaveMessage(ctx, &NewMessage{
				ConversationID: conv.ID,
				SenderType:     SenderVisitor,
				Body:           fmt.Sprintf("burst %d", i),
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			failed++
			t.Errorf("SaveMessage on open conversation failed: %v", err)
		}
	}
	if failed > 0 {
		t.Fatalf("%d/%d saves failed", failed, writers)
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != writers {
		t.Errorf("expected %d messages, got %d", writers, len(msgs))
	}
}

// foreign_keys is per connection; every connection the pool opens must have it.
func TestSQLiteStore_PragmasOnEveryConnection(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	const n = 4
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for range n {
		c, err := store.db.Conn(ctx)
		if err != nil {
			t.Fatalf("acquiring connection: %v", err)
		}
		conns = append(conns, c)
	}

	for i, c := range conns {
		var fk, timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d: reading foreign_keys: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d: reading busy_timeout: %v", i, err)
		}
		if fk != 1 {
			t.Errorf("conn %d: foreign_keys = %d, want 1", i, fk)
		}
		if timeout != int(busyTimeout.Milliseconds()) {
			t.Errorf("conn %d: busy_timeout = %d, want %d", i, timeout, busyTimeout.Milliseconds())
		}

		_, err := c.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender_type, body, created_at)
			VALUES (?, 'missing', 'visitor', 'orphan', 1)`, fmt.Sprintf("orphan-%d", i))
		if err == nil {
			t.Errorf("conn %d: orphan message accepted", i)
		}
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
