// Package transcript applies streamed text to the in-progress assistant
// message of a thread.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"github.com/batalabs/minechat/internal/domain"
)

var (
	// ErrInProgress is returned by Start when the thread already has an
	// in-progress message.
	ErrInProgress = errors.New("thread already has a message in progress")
	// ErrNotInProgress is returned by Apply for a target that is not the
	// thread's in-progress message.
	ErrNotInProgress = errors.New("message is not in progress")
)

// Store is the part of the conversation store the merger writes to.
type Store interface {
	UpsertAssistantMessage(threadID, messageID, visible, reasoning string) error
	UpdateThreadPreview(threadID, preview string) error
}

// Target identifies the message a generation writes into.
type Target struct {
	ThreadID  string
	MessageID string
}

type target struct {
	messageID string
	visible   string
	reasoning string
	preview   string
}

// Merger replaces the content of in-progress messages. Lookups are keyed by
// thread, so generations on different threads can merge concurrently.
type Merger struct {
	store      Store
	previewLen int

	mu      sync.Mutex
	targets map[string]*target
}

// NewMerger returns a merger writing to store. previewLen <= 0 uses
// domain.DefaultPreviewLength.
func NewMerger(store Store, previewLen int) *Merger {
	if previewLen <= 0 {
		previewLen = domain.DefaultPreviewLength
	}
	return &Merger{store: store, previewLen: previewLen, targets: make(map[string]*target)}
}

// Start creates an empty assistant message at the end of the thread and
// marks it in progress.
func (m *Merger) Start(threadID string) (Target, error) {
	t := Target{ThreadID: threadID, MessageID: domain.NewID()}

	m.mu.Lock()
	if _, busy := m.targets[threadID]; busy {
		m.mu.Unlock()
		return Target{}, ErrInProgress
	}
	m.targets[threadID] = &target{messageID: t.MessageID}
	m.mu.Unlock()

	if err := m.store.UpsertAssistantMessage(threadID, t.MessageID, "", ""); err != nil {
		m.Finish(t)
		return Target{}, fmt.Errorf("creating assistant message: %w", err)
	}
	return t, nil
}

// Apply replaces the target message's text with visible and reasoning and
// refreshes the thread preview. Re-applying the same values is a no-op.
func (m *Merger) Apply(t Target, visible, reasoning string) error {
	m.mu.Lock()
	cur, ok := m.targets[t.ThreadID]
	if !ok || cur.messageID != t.MessageID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInProgress, t.MessageID)
	}
	if cur.visible == visible && cur.reasoning == reasoning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// A thread has a single writer, so the store calls can run unlocked.
	if err := m.store.UpsertAssistantMessage(t.ThreadID, t.MessageID, visible, reasoning); err != nil {
		return fmt.Errorf("merging message %s: %w", t.MessageID, err)
	}
	preview := domain.Preview(visible, m.previewLen)

	m.mu.Lock()
	cur.visible, cur.reasoning = visible, reasoning
	changed := cur.preview != preview
	cur.preview = preview
	m.mu.Unlock()

	if changed {
		if err := m.store.UpdateThreadPreview(t.ThreadID, preview); err != nil {
			return fmt.Errorf("updating preview: %w", err)
		}
	}
	return nil
}

// Current returns the last values applied to t.
func (m *Merger) Current(t Target) (visible, reasoning string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.targets[t.ThreadID]
	if !found || cur.messageID != t.MessageID {
		return "", "", false
	}
	return cur.visible, cur.reasoning, true
}

// Finish ends the in-progress state of t. Later Apply calls for t fail.
func (m *Merger) Finish(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.targets[t.ThreadID]; ok && cur.messageID == t.MessageID {
		delete(m.targets, t.ThreadID)
	}
}

// InProgress reports whether threadID has an in-progress message.
func (m *Merger) InProgress(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.targets[threadID]
	return ok
}
