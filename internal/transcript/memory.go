package transcript

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/batalabs/minechat/internal/domain"
)

// MemoryStore is a conversation store kept in memory. It backs one-off
// chats that are not persisted and is used in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memThread
}

type memThread struct {
	thread   domain.Thread
	messages []domain.Message
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*memThread)}
}

// CreateThread adds a thread.
func (s *MemoryStore) CreateThread(title, model, character string) (*domain.Thread, error) {
	now := time.Now().UTC()
	t := domain.Thread{
		ID:        domain.NewID(),
		Title:     title,
		Model:     model,
		Character: character,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.threads[t.ID] = &memThread{thread: t}
	s.mu.Unlock()
	return &t, nil
}

func (s *MemoryStore) get(id string) (*memThread, error) {
	mt, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	return mt, nil
}

// GetThread returns a copy of a thread's metadata.
func (s *MemoryStore) GetThread(id string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, err := s.get(id)
	if err != nil {
		return nil, err
	}
	t := mt.thread
	return &t, nil
}

// ListThreads returns threads, most recently updated first.
func (s *MemoryStore) ListThreads(limit int) ([]domain.Thread, error) {
	s.mu.RLock()
	out := make([]domain.Thread, 0, len(s.threads))
	for _, mt := range s.threads {
		out = append(out, mt.thread)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateThreadTitle renames a thread.
func (s *MemoryStore) UpdateThreadTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(id)
	if err != nil {
		return err
	}
	mt.thread.Title = title
	return nil
}

// UpdateThreadPreview sets the derived preview string.
func (s *MemoryStore) UpdateThreadPreview(id, preview string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(id)
	if err != nil {
		return err
	}
	mt.thread.Preview = preview
	mt.thread.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendUserMessage appends a user message to the thread.
func (s *MemoryStore) AppendUserMessage(threadID, content string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(threadID)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:        domain.NewID(),
		ThreadID:  threadID,
		Role:      domain.RoleUser,
		Content:   content,
		Sequence:  len(mt.messages) + 1,
		CreatedAt: time.Now().UTC(),
	}
	mt.messages = append(mt.messages, m)
	mt.thread.MessageCount = len(mt.messages)
	mt.thread.UpdatedAt = m.CreatedAt
	return m, nil
}

// UpsertAssistantMessage appends the assistant message messageID or replaces
// its text. Only the last message of the thread may be replaced, and only if
// it is an assistant message.
func (s *MemoryStore) UpsertAssistantMessage(threadID, messageID, visible, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(threadID)
	if err != nil {
		return err
	}
	for i := range mt.messages {
		m := &mt.messages[i]
		if m.ID != messageID {
			continue
		}
		if m.Role != domain.RoleAssistant || i != len(mt.messages)-1 {
			return fmt.Errorf("message %s is not the thread's last assistant message", messageID)
		}
		m.Content, m.Reasoning = visible, reasoning
		return nil
	}
	now := time.Now().UTC()
	mt.messages = append(mt.messages, domain.Message{
		ID:        messageID,
		ThreadID:  threadID,
		Role:      domain.RoleAssistant,
		Content:   visible,
		Reasoning: reasoning,
		Sequence:  len(mt.messages) + 1,
		CreatedAt: now,
	})
	mt.thread.MessageCount = len(mt.messages)
	mt.thread.UpdatedAt = now
	return nil
}

// ReadHistory returns a copy of the thread's messages in order.
func (s *MemoryStore) ReadHistory(threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, err := s.get(threadID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Message(nil), mt.messages...), nil
}

// FindThreadByPrefix resolves a thread id prefix.
func (s *MemoryStore) FindThreadByPrefix(prefix string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Thread
	for id, mt := range s.threads {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("ambiguous thread prefix %q", prefix)
		}
		t := mt.thread
		found = &t
	}
	if found == nil {
		return nil, fmt.Errorf("no thread matching %q", prefix)
	}
	return found, nil
}
