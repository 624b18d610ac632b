package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a thread or message does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database for thread and message persistence.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database in the minechat data
// directory.
func OpenStore() (*Store, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	return Open(filepath.Join(dir, "minechat.db"))
}

// Open opens the database at path.
// Transactions begin IMMEDIATE so concurrent writers queue on busy_timeout
// instead of failing with SQLITE_BUSY on lock upgrade.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// This is useful for testing with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			preview TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			message_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			sequence INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}

	// Columns added after the first schema. ALTER TABLE fails when the
	// column already exists.
	for _, q := range []string{
		`ALTER TABLE threads ADD COLUMN character TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE threads ADD COLUMN parent_thread_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE threads ADD COLUMN branch_point INTEGER DEFAULT 0`,
		`ALTER TABLE messages ADD COLUMN reasoning TEXT NOT NULL DEFAULT ''`,
	} {
		if _, err := s.db.Exec(q); err != nil {
			// expected: column already exists
		}
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);
	`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Thread CRUD
// ---------------------------------------------------------------------------

const threadColumns = `id, title, preview, model, COALESCE(character,''), message_count,
	COALESCE(parent_thread_id,''), COALESCE(branch_point,0), created_at, updated_at`

// CreateThread inserts a new thread. An empty title is filled in from the
// first user message.
func (s *Store) CreateThread(title, model, character string) (*domain.Thread, error) {
	now := time.Now().UTC().Truncate(time.Second)
	t := &domain.Thread{
		ID:        domain.NewID(),
		Title:     title,
		Model:     model,
		Character: character,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO threads (id, title, model, character, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime(?), datetime(?))`,
		t.ID, t.Title, t.Model, t.Character,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetThread retrieves a thread by its full ID.
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListThreads returns the most recently updated threads, up to limit.
func (s *Store) ListThreads(limit int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT `+threadColumns+` FROM threads ORDER BY updated_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// DeleteThread removes a thread and its messages (via ON DELETE CASCADE).
func (s *Store) DeleteThread(id string) error {
	res, err := s.db.Exec(`DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateThreadTitle sets the title of a thread.
func (s *Store) UpdateThreadTitle(id, title string) error {
	_, err := s.db.Exec(
		`UPDATE threads SET title = ?, updated_at = datetime('now') WHERE id = ?`,
		title, id)
	return err
}

// UpdateThreadPreview sets the derived preview of a thread.
func (s *Store) UpdateThreadPreview(id, preview string) error {
	_, err := s.db.Exec(
		`UPDATE threads SET preview = ?, updated_at = datetime('now') WHERE id = ?`,
		preview, id)
	return err
}

// UpdateThreadCharacter sets the character a thread talks to.
func (s *Store) UpdateThreadCharacter(id, character string) error {
	_, err := s.db.Exec(
		`UPDATE threads SET character = ?, updated_at = datetime('now') WHERE id = ?`,
		character, id)
	return err
}

// FindThreadByPrefix matches a thread by ID prefix, most recent first.
func (s *Store) FindThreadByPrefix(prefix string) (*domain.Thread, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("empty thread id: %w", ErrNotFound)
	}
	row := s.db.QueryRow(
		`SELECT `+threadColumns+` FROM threads WHERE id LIKE ? || '%' ORDER BY updated_at DESC LIMIT 1`, prefix)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", prefix, ErrNotFound)
	}
	return t, err
}

// ---------------------------------------------------------------------------
// Message CRUD
// ---------------------------------------------------------------------------

// AppendUserMessage appends a user message to the thread.
func (s *Store) AppendUserMessage(threadID, content string) (domain.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSequence(tx, threadID)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:        domain.NewID(),
		ThreadID:  threadID,
		Role:      domain.RoleUser,
		Content:   content,
		Sequence:  seq,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := insertMessage(tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// UpsertAssistantMessage appends the assistant message messageID or replaces
// its text. Only the thread's last message may be replaced, and only when it
// is an assistant message, so finished turns are never rewritten.
func (s *Store) UpsertAssistantMessage(threadID, messageID, visible, reasoning string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var role string
	var seq, maxSeq int
	err = tx.QueryRow(
		`SELECT role, sequence, (SELECT MAX(sequence) FROM messages WHERE thread_id = ?)
		 FROM messages WHERE id = ? AND thread_id = ?`,
		threadID, messageID, threadID).Scan(&role, &seq, &maxSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next, err := nextSequence(tx, threadID)
		if err != nil {
			return err
		}
		err = insertMessage(tx, domain.Message{
			ID:        messageID,
			ThreadID:  threadID,
			Role:      domain.RoleAssistant,
			Content:   visible,
			Reasoning: reasoning,
			Sequence:  next,
		})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if domain.Role(role) != domain.RoleAssistant || seq != maxSeq {
			return fmt.Errorf("message %s is not the thread's last assistant message", messageID)
		}
		if _, err := tx.Exec(
			`UPDATE messages SET content = ?, reasoning = ? WHERE id = ?`,
			visible, reasoning, messageID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadHistory returns all messages of a thread in order.
func (s *Store) ReadHistory(threadID string) ([]domain.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, role, content, COALESCE(reasoning,''), sequence, created_at
		 FROM messages WHERE thread_id = ? ORDER BY sequence`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, createdStr string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.Reasoning, &m.Sequence, &createdStr); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		if t, err := parseAnyTime(createdStr); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageMaxSequence returns the highest sequence in a thread, 0 when empty.
func (s *Store) MessageMaxSequence(threadID string) (int, error) {
	var seq int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE thread_id = ?`, threadID).Scan(&seq)
	return seq, err
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func nextSequence(q execQuerier, threadID string) (int, error) {
	var seq int
	if err := q.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE thread_id = ?`, threadID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq + 1, nil
}

func insertMessage(q execQuerier, m domain.Message) error {
	if _, err := q.Exec(
		`INSERT INTO messages (id, thread_id, role, content, reasoning, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.Reasoning, m.Sequence); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err := q.Exec(
		`UPDATE threads SET message_count = ?, updated_at = datetime('now') WHERE id = ?`,
		m.Sequence, m.ThreadID)
	return err
}

// ---------------------------------------------------------------------------
// Branching
// ---------------------------------------------------------------------------

// BranchThread creates a new thread forked from fromThreadID, copying
// messages up to atSequence. If atSequence <= 0, all messages are copied.
func (s *Store) BranchThread(fromThreadID string, atSequence int) (*domain.Thread, error) {
	src, err := s.GetThread(fromThreadID)
	if err != nil {
		return nil, fmt.Errorf("source thread: %w", err)
	}

	if atSequence <= 0 {
		maxSeq, seqErr := s.MessageMaxSequence(fromThreadID)
		if seqErr != nil {
			return nil, fmt.Errorf("max sequence: %w", seqErr)
		}
		atSequence = maxSeq
	}

	newID := domain.NewID()
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO threads (id, title, preview, model, character, message_count, parent_thread_id, branch_point, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, datetime(?), datetime(?))`,
		newID, src.Title+" (branch)", src.Preview, src.Model, src.Character,
		fromThreadID, atSequence, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	rows, err := tx.Query(
		`SELECT role, content, COALESCE(reasoning,''), sequence FROM messages
		 WHERE thread_id = ? AND sequence <= ? ORDER BY sequence`,
		fromThreadID, atSequence)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var copied []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Reasoning, &m.Sequence); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID, m.ThreadID, m.Role = domain.NewID(), newID, domain.Role(role)
		copied = append(copied, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range copied {
		if err := insertMessage(tx, m); err != nil {
			return nil, fmt.Errorf("copy message: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE threads SET message_count = ? WHERE id = ?`, len(copied), newID); err != nil {
		return nil, fmt.Errorf("update message_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetThread(newID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*domain.Thread, error) {
	var t domain.Thread
	var createdStr, updatedStr string
	err := row.Scan(&t.ID, &t.Title, &t.Preview, &t.Model, &t.Character, &t.MessageCount,
		&t.ParentThreadID, &t.BranchPoint, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	if ts, err := parseAnyTime(createdStr); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := parseAnyTime(updatedStr); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

func parseAnyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
