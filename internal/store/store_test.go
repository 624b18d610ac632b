package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/batalabs/minechat/internal/domain"

	_ "modernc.org/sqlite"
)

// testStore returns a Store backed by an in-memory SQLite database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// every pooled connection would get its own empty :memory: database
	db.SetMaxOpenConns(1)
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustThread(t *testing.T, s *Store) *domain.Thread {
	t.Helper()
	th, err := s.CreateThread("", "llama3", "")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func TestStore_CreateThread(t *testing.T) {
	s := testStore(t)

	t.Run("creates thread with correct fields", func(t *testing.T) {
		th, err := s.CreateThread("Trip planning", "llama3", "pirate")
		if err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
		if th.ID == "" {
			t.Error("expected non-empty thread ID")
		}
		got, err := s.GetThread(th.ID)
		if err != nil {
			t.Fatalf("GetThread: %v", err)
		}
		if got.Title != "Trip planning" {
			t.Errorf("Title = %q, want %q", got.Title, "Trip planning")
		}
		if got.Model != "llama3" {
			t.Errorf("Model = %q, want %q", got.Model, "llama3")
		}
		if got.Character != "pirate" {
			t.Errorf("Character = %q, want %q", got.Character, "pirate")
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be parsed")
		}
	})

	t.Run("creates unique IDs", func(t *testing.T) {
		a := mustThread(t, s)
		b := mustThread(t, s)
		if a.ID == b.ID {
			t.Errorf("expected unique IDs, both are %q", a.ID)
		}
	})
}

func TestStore_GetThread_notFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetThread("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListThreads(t *testing.T) {
	s := testStore(t)

	t.Run("empty", func(t *testing.T) {
		threads, err := s.ListThreads(10)
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		if len(threads) != 0 {
			t.Errorf("len = %d, want 0", len(threads))
		}
	})

	for i := 0; i < 5; i++ {
		mustThread(t, s)
	}

	t.Run("respects limit", func(t *testing.T) {
		threads, err := s.ListThreads(3)
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		if len(threads) != 3 {
			t.Errorf("len = %d, want 3", len(threads))
		}
	})

	t.Run("non-positive limit uses default", func(t *testing.T) {
		threads, err := s.ListThreads(-1)
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		if len(threads) != 5 {
			t.Errorf("len = %d, want 5", len(threads))
		}
	})
}

func TestStore_UpdateThreadTitleAndPreview(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)

	if err := s.UpdateThreadTitle(th.ID, "Renamed"); err != nil {
		t.Fatalf("UpdateThreadTitle: %v", err)
	}
	if err := s.UpdateThreadPreview(th.ID, "Hello world"); err != nil {
		t.Fatalf("UpdateThreadPreview: %v", err)
	}
	if err := s.UpdateThreadCharacter(th.ID, "bard"); err != nil {
		t.Fatalf("UpdateThreadCharacter: %v", err)
	}
	got, err := s.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Title != "Renamed" {
		t.Errorf("Title = %q, want %q", got.Title, "Renamed")
	}
	if got.Preview != "Hello world" {
		t.Errorf("Preview = %q, want %q", got.Preview, "Hello world")
	}
	if got.Character != "bard" {
		t.Errorf("Character = %q, want %q", got.Character, "bard")
	}
}

func TestStore_DeleteThread(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)
	if _, err := s.AppendUserMessage(th.ID, "hi"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	if err := s.DeleteThread(th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.GetThread(th.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetThread after delete: err = %v, want ErrNotFound", err)
	}
	msgs, err := s.ReadHistory(th.ID)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected messages to cascade, got %d", len(msgs))
	}

	if err := s.DeleteThread(th.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendUserMessage(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)

	m1, err := s.AppendUserMessage(th.ID, "first")
	if err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	m2, err := s.AppendUserMessage(th.ID, "second")
	if err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if m1.Sequence != 1 || m2.Sequence != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", m1.Sequence, m2.Sequence)
	}
	if m1.Role != domain.RoleUser {
		t.Errorf("Role = %q, want %q", m1.Role, domain.RoleUser)
	}

	got, err := s.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
}

func TestStore_AppendUserMessage_unknownThread(t *testing.T) {
	s := testStore(t)
	if _, err := s.AppendUserMessage("nope", "hi"); err == nil {
		t.Error("expected foreign key error for unknown thread")
	}
}

func TestStore_UpsertAssistantMessage(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)
	if _, err := s.AppendUserMessage(th.ID, "question"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	id := domain.NewID()

	t.Run("inserts then replaces", func(t *testing.T) {
		if err := s.UpsertAssistantMessage(th.ID, id, "", ""); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := s.UpsertAssistantMessage(th.ID, id, "Hello", "thinking"); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.UpsertAssistantMessage(th.ID, id, "Hello world", "thinking more"); err != nil {
			t.Fatalf("update: %v", err)
		}

		msgs, err := s.ReadHistory(th.ID)
		if err != nil {
			t.Fatalf("ReadHistory: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len = %d, want 2", len(msgs))
		}
		last := msgs[1]
		if last.ID != id || last.Role != domain.RoleAssistant {
			t.Errorf("last = %+v, want assistant %s", last, id)
		}
		if last.Content != "Hello world" {
			t.Errorf("Content = %q, want %q", last.Content, "Hello world")
		}
		if last.Reasoning != "thinking more" {
			t.Errorf("Reasoning = %q, want %q", last.Reasoning, "thinking more")
		}
	})

	t.Run("refuses to rewrite a finished turn", func(t *testing.T) {
		if _, err := s.AppendUserMessage(th.ID, "follow-up"); err != nil {
			t.Fatalf("AppendUserMessage: %v", err)
		}
		err := s.UpsertAssistantMessage(th.ID, id, "changed", "")
		if err == nil {
			t.Fatal("expected error updating a message that is no longer last")
		}
		msgs, _ := s.ReadHistory(th.ID)
		if msgs[1].Content != "Hello world" {
			t.Errorf("Content = %q, want unchanged", msgs[1].Content)
		}
	})

	t.Run("refuses to rewrite a user message", func(t *testing.T) {
		msgs, _ := s.ReadHistory(th.ID)
		userID := msgs[len(msgs)-1].ID
		if err := s.UpsertAssistantMessage(th.ID, userID, "x", ""); err == nil {
			t.Error("expected error for user message id")
		}
	})
}

func TestStore_ReadHistory_empty(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)
	msgs, err := s.ReadHistory(th.ID)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
}

func TestStore_ConcurrentThreads(t *testing.T) {
	s := testStore(t)
	a := mustThread(t, s)
	b := mustThread(t, s)
	ida, idb := domain.NewID(), domain.NewID()

	var wg sync.WaitGroup
	for _, pair := range [][2]string{{a.ID, ida}, {b.ID, idb}} {
		wg.Add(1)
		go func(threadID, msgID string) {
			defer wg.Done()
			var sb strings.Builder
			for i := 0; i < 20; i++ {
				sb.WriteString("x")
				if err := s.UpsertAssistantMessage(threadID, msgID, sb.String(), ""); err != nil {
					t.Errorf("upsert %s: %v", threadID, err)
					return
				}
			}
		}(pair[0], pair[1])
	}
	wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		msgs, err := s.ReadHistory(id)
		if err != nil {
			t.Fatalf("ReadHistory: %v", err)
		}
		if len(msgs) != 1 || len(msgs[0].Content) != 20 {
			t.Errorf("thread %s: got %+v", id, msgs)
		}
	}
}

func TestStore_ConcurrentThreads_fileBacked(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	const workers, rounds = 8, 150
	threads := make([]*domain.Thread, workers)
	for i := range threads {
		threads[i] = mustThread(t, s)
		if _, err := s.AppendUserMessage(threads[i].ID, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("AppendUserMessage: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, th := range threads {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			msgID := domain.NewID()
			for i := 1; i <= rounds; i++ {
				text := strings.Repeat("x", i)
				if err := s.UpsertAssistantMessage(threadID, msgID, text, ""); err != nil {
					t.Errorf("upsert %s round %d: %v", threadID, i, err)
					return
				}
				if err := s.UpdateThreadPreview(threadID, text); err != nil {
					t.Errorf("preview %s round %d: %v", threadID, i, err)
					return
				}
			}
		}(th.ID)
	}
	wg.Wait()

	for _, th := range threads {
		msgs, err := s.ReadHistory(th.ID)
		if err != nil {
			t.Fatalf("ReadHistory: %v", err)
		}
		if len(msgs) != 2 || len(msgs[1].Content) != rounds {
			t.Errorf("thread %s: got %d messages", th.ID, len(msgs))
		}
		got, err := s.GetThread(th.ID)
		if err != nil {
			t.Fatalf("GetThread: %v", err)
		}
		if len(got.Preview) != rounds {
			t.Errorf("thread %s preview len = %d, want %d", th.ID, len(got.Preview), rounds)
		}
	}
}

func TestStore_FindThreadByPrefix(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)

	got, err := s.FindThreadByPrefix(th.ID[:8])
	if err != nil {
		t.Fatalf("FindThreadByPrefix: %v", err)
	}
	if got.ID != th.ID {
		t.Errorf("ID = %q, want %q", got.ID, th.ID)
	}

	if _, err := s.FindThreadByPrefix("zzzzzzzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindThreadByPrefix("  "); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty prefix: err = %v, want ErrNotFound", err)
	}
}

func TestStore_migrate_idempotent(t *testing.T) {
	s := testStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStore_MessageMaxSequence(t *testing.T) {
	s := testStore(t)
	th := mustThread(t, s)

	seq, err := s.MessageMaxSequence(th.ID)
	if err != nil {
		t.Fatalf("MessageMaxSequence: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty thread seq = %d, want 0", seq)
	}
	s.AppendUserMessage(th.ID, "a")
	s.AppendUserMessage(th.ID, "b")
	seq, _ = s.MessageMaxSequence(th.ID)
	if seq != 2 {
		t.Errorf("seq = %d, want 2", seq)
	}
}

func TestStore_BranchThread(t *testing.T) {
	s := testStore(t)
	src, err := s.CreateThread("Origin", "llama3", "bard")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	s.AppendUserMessage(src.ID, "one")
	s.UpsertAssistantMessage(src.ID, domain.NewID(), "two", "r")
	s.AppendUserMessage(src.ID, "three")

	t.Run("branch at sequence", func(t *testing.T) {
		br, err := s.BranchThread(src.ID, 2)
		if err != nil {
			t.Fatalf("BranchThread: %v", err)
		}
		if br.ParentThreadID != src.ID {
			t.Errorf("ParentThreadID = %q, want %q", br.ParentThreadID, src.ID)
		}
		if br.BranchPoint != 2 {
			t.Errorf("BranchPoint = %d, want 2", br.BranchPoint)
		}
		if br.Title != "Origin (branch)" {
			t.Errorf("Title = %q, want %q", br.Title, "Origin (branch)")
		}
		if br.Character != "bard" {
			t.Errorf("Character = %q, want %q", br.Character, "bard")
		}
		if br.MessageCount != 2 {
			t.Errorf("MessageCount = %d, want 2", br.MessageCount)
		}
		msgs, _ := s.ReadHistory(br.ID)
		if len(msgs) != 2 {
			t.Fatalf("len = %d, want 2", len(msgs))
		}
		if msgs[1].Content != "two" || msgs[1].Reasoning != "r" {
			t.Errorf("copied message = %+v", msgs[1])
		}
	})

	t.Run("branch all", func(t *testing.T) {
		br, err := s.BranchThread(src.ID, 0)
		if err != nil {
			t.Fatalf("BranchThread: %v", err)
		}
		msgs, _ := s.ReadHistory(br.ID)
		if len(msgs) != 3 {
			t.Errorf("len = %d, want 3", len(msgs))
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		if _, err := s.BranchThread("missing", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestParseAnyTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2026-01-02T03:04:05Z", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"2026-01-02 03:04:05", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		got, err := parseAnyTime(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseAnyTime(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && !got.Equal(tt.want) {
			t.Errorf("parseAnyTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
