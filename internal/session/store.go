// Package session keeps conversation state for concurrent research runs.
// The store is the only shared-mutable boundary between runs: one mutex
// guards both the primary id map and the (user, channel) index so the two
// can never drift apart.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// Store is an in-memory session registry with TTL eviction.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session // primary: session id
	byOwner  map[Identity]string // secondary: (user, channel) -> active session id

	ttl           time.Duration
	sweepInterval time.Duration
	maxHistory    int
	logger        *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// Option customizes a Store.
type Option func(*Store)

// WithTTL overrides the default 24h inactivity timeout.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithSweepInterval overrides the default 1h background sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// WithMaxHistory bounds per-session conversation history.
func WithMaxHistory(n int) Option {
	return func(s *Store) { s.maxHistory = n }
}

// NewStore creates a session store. Call Start to run the TTL sweeper and
// Stop on shutdown.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		sessions:      make(map[string]*Session),
		byOwner:       make(map[Identity]string),
		ttl:           24 * time.Hour,
		sweepInterval: time.Hour,
		maxHistory:    50,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new active session for the identity. An existing active
// session for the same (user, channel) is superseded: the owner index moves
// to the new session and the old one is closed.
func (s *Store) Create(id Identity) *Session {
	now := time.Now()
	sess := &Session{
		ID:           newSessionID(id, now),
		UserKey:      id.UserKey,
		ChannelKey:   id.ChannelKey,
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
		Context:      make(map[string]interface{}),
	}

	s.mu.Lock()
	if oldID, ok := s.byOwner[id]; ok {
		if old, ok := s.sessions[oldID]; ok {
			old.IsActive = false
		}
		delete(s.sessions, oldID)
	}
	s.sessions[sess.ID] = sess
	s.byOwner[id] = sess.ID
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	metrics.SessionsCreated.Inc()
	s.logger.Info("Created session",
		zap.String("session_id", sess.ID),
		zap.String("user_key", id.UserKey),
		zap.String("channel_key", id.ChannelKey),
	)
	return sess
}

// Get returns the session with the given id.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetActive returns the active session for a (user, channel) pair, if any.
// Expired-but-unswept sessions are not returned.
func (s *Store) GetActive(id Identity) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessID, ok := s.byOwner[id]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[sessID]
	if !ok || !sess.IsActive {
		return nil, false
	}
	if time.Since(sess.LastActivity) > s.ttl {
		return nil, false
	}
	return sess, true
}

// Touch refreshes a session's activity timestamp.
func (s *Store) Touch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.IsActive {
		return ErrSessionClosed
	}
	sess.LastActivity = time.Now()
	return nil
}

// SetContextValue stores a value in the session context and refreshes
// activity. The engine uses this to persist research state snapshots.
func (s *Store) SetContextValue(sessionID, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Context == nil {
		sess.Context = make(map[string]interface{})
	}
	sess.Context[key] = value
	sess.LastActivity = time.Now()
	return nil
}

// AddMessage appends a conversation turn, trimming history to the configured
// bound.
func (s *Store) AddMessage(sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess.History = append(sess.History, msg)
	if s.maxHistory > 0 && len(sess.History) > s.maxHistory {
		sess.History = sess.History[len(sess.History)-s.maxHistory:]
	}
	sess.LastActivity = msg.Timestamp
	return nil
}

// Close removes a session from the store. The owner index entry is removed
// only when it still points at this session, so a superseding session is
// never unlinked by its predecessor's cleanup.
func (s *Store) Close(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.IsActive = false
	s.removeLocked(sess)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	metrics.SessionsClosed.Inc()
	s.logger.Info("Closed session", zap.String("session_id", sessionID))
	return nil
}

// SweepExpired removes every session whose last activity predates the TTL,
// cleaning both indexes under the same lock hold, and returns the count.
func (s *Store) SweepExpired() int {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		sess.IsActive = false
		s.removeLocked(sess)
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if len(expired) > 0 {
		metrics.SessionsSwept.Add(float64(len(expired)))
		s.logger.Info("Swept expired sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// removeLocked deletes a session from both maps. Caller holds s.mu.
func (s *Store) removeLocked(sess *Session) {
	delete(s.sessions, sess.ID)
	owner := Identity{UserKey: sess.UserKey, ChannelKey: sess.ChannelKey}
	if id, ok := s.byOwner[owner]; ok && id == sess.ID {
		delete(s.byOwner, owner)
	}
}

// Len returns the number of sessions currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start launches the background TTL sweeper.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("Session sweeper started",
		zap.Duration("interval", s.sweepInterval),
		zap.Duration("ttl", s.ttl),
	)
}

// Stop halts the sweeper. Idempotent.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// newSessionID derives an id from the conversation identity, creation time
// and a random salt. The salt prevents collisions when the same conversation
// starts two runs within one clock tick.
func newSessionID(id Identity, now time.Time) string {
	salt := uuid.NewString()[:8]
	return fmt.Sprintf("%s:%s:%d:%s", id.UserKey, id.ChannelKey, now.UnixNano(), salt)
}
