package chat

import (
	"sync"

	"crewassist/pkg/domain"
)

// Transcript is the ordered in-memory message list for the active
// conversation. Every mutation produces a fresh slice from the previous one,
// so callbacks resolving out of order can never clobber each other through a
// stale captured array.
type Transcript struct {
	mu       sync.Mutex
	messages []domain.Message
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds msg at the end.
func (t *Transcript) Append(msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make([]domain.Message, 0, len(t.messages)+1)
	next = append(next, t.messages...)
	next = append(next, msg)
	t.messages = next
}

// ReplaceByID swaps the entry with the given id for msg, preserving its
// position. A replacement for an id that is no longer present is a no-op;
// that guards against duplicate completions targeting an already-replaced
// temporary id.
func (t *Transcript) ReplaceByID(id string, msg domain.Message) bool {
	return t.mutate(id, func(domain.Message) domain.Message { return msg })
}

// SetContent replaces the content of the entry with the given id. Used for
// cumulative streaming updates: the text is replaced, never appended.
func (t *Transcript) SetContent(id, content string) bool {
	return t.mutate(id, func(m domain.Message) domain.Message {
		m.Content = content
		return m
	})
}

// FinishStreaming clears the streaming flag and pins the final content.
func (t *Transcript) FinishStreaming(id, content string) bool {
	return t.mutate(id, func(m domain.Message) domain.Message {
		m.Content = content
		m.Streaming = false
		return m
	})
}

// RemoveByID deletes the entry with the given id, if present.
func (t *Transcript) RemoveByID(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexOf(id)
	if idx < 0 {
		return false
	}
	next := make([]domain.Message, 0, len(t.messages)-1)
	next = append(next, t.messages[:idx]...)
	next = append(next, t.messages[idx+1:]...)
	t.messages = next
	return true
}

// Snapshot returns a copy of the current messages.
func (t *Transcript) Snapshot() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *Transcript) mutate(id string, fn func(domain.Message) domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexOf(id)
	if idx < 0 {
		return false
	}
	next := make([]domain.Message, len(t.messages))
	copy(next, t.messages)
	next[idx] = fn(next[idx])
	t.messages = next
	return true
}

func (t *Transcript) indexOf(id string) int {
	for i, msg := range t.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}
