package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when operating on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// Identity names the conversation a session belongs to.
type Identity struct {
	UserKey    string `json:"user_key"`
	ChannelKey string `json:"channel_key"`
}

// Session binds a conversation identity to in-flight research state.
type Session struct {
	ID           string    `json:"id"`
	UserKey      string    `json:"user_key"`
	ChannelKey   string    `json:"channel_key"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsActive     bool      `json:"is_active"`

	// Context carries per-run values such as the current research state
	// snapshot. Mutations must go through the owning Store so index and
	// activity bookkeeping stay consistent.
	Context map[string]interface{} `json:"context,omitempty"`

	// History holds user/assistant turns used to derive research topics.
	History []Message `json:"history,omitempty"`
}

// Message is one conversation turn kept in session history.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// GetContextValue retrieves a value from the session context.
func (s *Session) GetContextValue(key string) (interface{}, bool) {
	if s.Context == nil {
		return nil, false
	}
	val, ok := s.Context[key]
	return val, ok
}

// RecentHistory returns up to count most recent messages.
func (s *Session) RecentHistory(count int) []Message {
	if len(s.History) <= count {
		return s.History
	}
	return s.History[len(s.History)-count:]
}
