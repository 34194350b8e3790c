package orchestrator

import (
	"sync"
	"time"

	"github.com/ldimaggi/agentmesh/internal/providers"
)

// Conversation holds one user's bounded message history.
type Conversation struct {
	Key      string
	Messages []providers.Message
	Updated  time.Time
}

// ConversationStore is the bounded, idle-evicting in-memory conversation
// map: a per-key message slice plus a last-touched timestamp for eviction.
type ConversationStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	historyCap    int
	idleEviction  time.Duration
}

// NewConversationStore builds a store that keeps at most historyCap
// messages per conversation and evicts conversations idle longer than
// idleEviction.
func NewConversationStore(historyCap int, idleEviction time.Duration) *ConversationStore {
	return &ConversationStore{
		conversations: make(map[string]*Conversation),
		historyCap:    historyCap,
		idleEviction:  idleEviction,
	}
}

// Append adds msg to key's history, trimming to historyCap from the front.
func (s *ConversationStore) Append(key string, msg providers.Message) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[key]
	if !ok {
		c = &Conversation{Key: key}
		s.conversations[key] = c
	}
	c.Messages = append(c.Messages, msg)
	if s.historyCap > 0 && len(c.Messages) > s.historyCap {
		c.Messages = c.Messages[trimIndex(c.Messages, s.historyCap):]
	}
	c.Updated = time.Now()
	return c
}

// trimIndex returns the cut point that keeps at most cap messages while
// never splitting a tool-call group: the window must open on a plain user
// message, not a dangling tool result or an assistant message whose tool
// calls were dropped — a history starting mid-group is rejected by the
// model API. If no user message falls inside the window (a single group
// larger than the cap), the raw cut is the only option left.
func trimIndex(messages []providers.Message, limit int) int {
	start := len(messages) - limit
	for i := start; i < len(messages); i++ {
		if messages[i].Role == "user" {
			return i
		}
	}
	return start
}

// History returns a copy of key's current message history.
func (s *ConversationStore) History(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Sweep evicts conversations that have been idle longer than idleEviction.
// Intended to run periodically from a background goroutine.
func (s *ConversationStore) Sweep() int {
	if s.idleEviction <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.idleEviction)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, c := range s.conversations {
		if c.Updated.Before(cutoff) {
			delete(s.conversations, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked conversations.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}
