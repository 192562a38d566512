// Package conversation implements the authoritative in-memory conversation
// store. The store owns message identity, ordering and the bounded history;
// everything else (event bus, persistence) only observes copies of its state.
package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// maxMessages is the per-conversation history cap. Oldest messages are
// evicted first once the cap is exceeded.
const maxMessages = 50

// Direction identifies who produced a message.
type Direction string

const (
	DirectionInbound Direction = "inbound"
	DirectionManual  Direction = "outgoing-manual"
	DirectionAI      Direction = "outgoing-ai"
)

// Message is a single message in a conversation. Messages are never mutated
// after insertion; they leave the store only through FIFO eviction or an
// explicit delete.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a single chat thread keyed by the counterpart address.
type Conversation struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Messages       []Message `json:"messages"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// Paused mirrors the pause registry for read convenience. It is filled
	// on reads and never persisted as store state.
	Paused bool `json:"paused"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Preview        string    `json:"preview"`
	Paused         bool      `json:"paused"`
}

// AppendResult reports the outcome of an Append call.
type AppendResult struct {
	// Applied is false when the message id was already present and the
	// call was a no-op.
	Applied      bool
	Conversation Conversation
}

// Notifier receives a publish for every applied store mutation.
type Notifier interface {
	Publish(topic string, payload any)
}

// Saver is asked to schedule a persistence write after every applied mutation.
type Saver interface {
	ScheduleSave()
}

// Store is the authoritative conversation map. A single lock serializes all
// mutations; publishes happen under the lock so observers see them in
// mutation order.
type Store struct {
	mu     sync.RWMutex
	convos map[string]*Conversation

	notifier Notifier
	saver    Saver
	pausedFn func(key string) bool
}

// New creates an empty store.
func New() *Store {
	return &Store{convos: make(map[string]*Conversation)}
}

// SetNotifier wires the event bus. May be nil (tests, startup restore).
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// SetSaver wires the persistence gateway. May be nil.
func (s *Store) SetSaver(sv Saver) { s.saver = sv }

// SetPausedFunc wires the pause registry lookup used to denormalize the
// paused flag onto read results.
func (s *Store) SetPausedFunc(fn func(key string) bool) { s.pausedFn = fn }

// displayName derives the initial display name from a conversation key.
func displayName(key string) string {
	return strings.TrimSuffix(key, "@s.whatsapp.net")
}

// Append inserts a message at the tail of the conversation, creating the
// conversation if needed. A duplicate message id is a no-op, which makes
// retried transport deliveries idempotent.
func (s *Store) Append(key string, msg Message) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[key]
	if !ok {
		conv = &Conversation{
			Key:            key,
			Name:           displayName(key),
			LastActivityAt: msg.Timestamp,
		}
		s.convos[key] = conv
	}

	for _, m := range conv.Messages {
		if m.ID == msg.ID {
			return AppendResult{Applied: false, Conversation: s.copyLocked(conv)}
		}
	}

	conv.Messages = append(conv.Messages, msg)
	if len(conv.Messages) > maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-maxMessages:]
	}
	conv.LastActivityAt = msg.Timestamp

	cp := s.copyLocked(conv)
	s.mutatedLocked("conversation_update", cp)
	return AppendResult{Applied: true, Conversation: cp}
}

// Get returns a copy of the conversation and whether it exists.
func (s *Store) Get(key string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convos[key]
	if !ok {
		return Conversation{}, false
	}
	return s.copyLocked(conv), true
}

// ListSummaries returns all conversations ordered by last activity,
// newest first. Ties fall back to key order so repeated calls produce a
// stable sequence and client diffs stay minimal.
func (s *Store) ListSummaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.convos))
	for _, conv := range s.convos {
		sum := Summary{
			Key:            conv.Key,
			Name:           conv.Name,
			LastActivityAt: conv.LastActivityAt,
		}
		if n := len(conv.Messages); n > 0 {
			sum.Preview = conv.Messages[n-1].Text
		}
		if s.pausedFn != nil {
			sum.Paused = s.pausedFn(conv.Key)
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Rename updates the display name. Returns false if the conversation does
// not exist.
func (s *Store) Rename(key, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[key]
	if !ok {
		return false
	}
	conv.Name = name
	s.mutatedLocked("contact_updated", map[string]any{"key": key, "name": name})
	return true
}

// Remove deletes a conversation. Returns false if it was absent.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convos[key]; !ok {
		return false
	}
	delete(s.convos, key)
	s.mutatedLocked("contact_deleted", map[string]any{"key": key})
	return true
}

// RemoveMessage deletes one message by id. Returns false only when the
// conversation itself is absent; a missing message id is still success.
func (s *Store) RemoveMessage(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[key]
	if !ok {
		return false
	}

	kept := conv.Messages[:0]
	for _, m := range conv.Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	conv.Messages = kept
	s.mutatedLocked("conversation_update", s.copyLocked(conv))
	return true
}

// ClearMessages drops all messages but keeps the conversation entry.
// Returns false if the conversation is absent.
func (s *Store) ClearMessages(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[key]
	if !ok {
		return false
	}
	conv.Messages = nil
	s.mutatedLocked("conversation_update", s.copyLocked(conv))
	return true
}

// Count returns the number of conversations.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convos)
}

// Snapshot returns a deep copy of the full conversation map for persistence.
func (s *Store) Snapshot() map[string]Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Conversation, len(s.convos))
	for key, conv := range s.convos {
		out[key] = s.copyLocked(conv)
	}
	return out
}

// Restore seeds the store from a persisted snapshot. Intended for process
// start, before observers are wired; no publishes are emitted.
func (s *Store) Restore(snapshot map[string]Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, conv := range snapshot {
		c := conv
		c.Key = key
		if c.Name == "" {
			c.Name = displayName(key)
		}
		if len(c.Messages) > maxMessages {
			c.Messages = c.Messages[len(c.Messages)-maxMessages:]
		}
		msgs := make([]Message, len(c.Messages))
		copy(msgs, c.Messages)
		c.Messages = msgs
		s.convos[key] = &c
	}
}

// copyLocked returns a deep copy with the paused flag filled in.
// Caller must hold at least the read lock.
func (s *Store) copyLocked(conv *Conversation) Conversation {
	cp := *conv
	cp.Messages = make([]Message, len(conv.Messages))
	copy(cp.Messages, conv.Messages)
	if s.pausedFn != nil {
		cp.Paused = s.pausedFn(conv.Key)
	}
	return cp
}

// mutatedLocked emits the publish and save schedule for an applied mutation.
// Runs under the write lock so per-key publish order matches mutation order.
func (s *Store) mutatedLocked(topic string, payload any) {
	if s.notifier != nil {
		s.notifier.Publish(topic, payload)
	}
	if s.saver != nil {
		s.saver.ScheduleSave()
	}
}
