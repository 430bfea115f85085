package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(zap.NewNop(), opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestCreateAndGetActive(t *testing.T) {
	s := newTestStore(t)
	id := Identity{UserKey: "user-1", ChannelKey: "chan-1"}

	sess := s.Create(id)
	require.NotEmpty(t, sess.ID)
	assert.True(t, sess.IsActive)

	got, ok := s.GetActive(id)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	byID, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byID.ID)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, ok := s.GetActive(Identity{UserKey: "u", ChannelKey: "c"})
	assert.False(t, ok)
}

func TestCreateSupersedesPrevious(t *testing.T) {
	s := newTestStore(t)
	id := Identity{UserKey: "user-1", ChannelKey: "chan-1"}

	first := s.Create(id)
	second := s.Create(id)
	require.NotEqual(t, first.ID, second.ID)

	got, ok := s.GetActive(id)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, err := s.Get(first.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestTouchExtendsLife(t *testing.T) {
	s := newTestStore(t, WithTTL(50*time.Millisecond))
	id := Identity{UserKey: "user-1", ChannelKey: "chan-1"}
	sess := s.Create(id)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Touch(sess.ID))
	time.Sleep(30 * time.Millisecond)

	_, ok := s.GetActive(id)
	assert.True(t, ok, "touched session should survive past original TTL")
}

func TestCloseRemovesBothIndexes(t *testing.T) {
	s := newTestStore(t)
	id := Identity{UserKey: "user-1", ChannelKey: "chan-1"}
	sess := s.Create(id)

	require.NoError(t, s.Close(sess.ID))

	_, err := s.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, ok := s.GetActive(id)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Close(sess.ID), ErrSessionNotFound)
}

func TestCloseDoesNotUnlinkSuccessor(t *testing.T) {
	s := newTestStore(t)
	id := Identity{UserKey: "user-1", ChannelKey: "chan-1"}

	first := s.Create(id)
	second := s.Create(id)

	// Closing the superseded session must not remove the successor's
	// owner index entry.
	_ = s.Close(first.ID)

	got, ok := s.GetActive(id)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestSweepExpiredClearsBothMaps(t *testing.T) {
	s := newTestStore(t, WithTTL(10*time.Millisecond))

	live := Identity{UserKey: "live", ChannelKey: "c"}
	stale := Identity{UserKey: "stale", ChannelKey: "c"}
	s.Create(stale)
	time.Sleep(25 * time.Millisecond)
	kept := s.Create(live)

	n := s.SweepExpired()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	_, ok := s.GetActive(stale)
	assert.False(t, ok, "swept session must be gone from the owner index")

	got, ok := s.GetActive(live)
	require.True(t, ok)
	assert.Equal(t, kept.ID, got.ID)
}

func TestTouchClosedSession(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create(Identity{UserKey: "u", ChannelKey: "c"})
	require.NoError(t, s.Close(sess.ID))

	assert.ErrorIs(t, s.Touch(sess.ID), ErrSessionNotFound)
}

func TestAddMessageBoundsHistory(t *testing.T) {
	s := newTestStore(t, WithMaxHistory(3))
	sess := s.Create(Identity{UserKey: "u", ChannelKey: "c"})

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.AddMessage(sess.ID, Message{Role: "user", Content: content}))
	}

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "c", got.History[0].Content)
	assert.Equal(t, "e", got.History[2].Content)
}

func TestSetContextValue(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create(Identity{UserKey: "u", ChannelKey: "c"})

	require.NoError(t, s.SetContextValue(sess.ID, "topic", "quantum batteries"))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	v, ok := got.GetContextValue("topic")
	require.True(t, ok)
	assert.Equal(t, "quantum batteries", v)
}

func TestSweeperLifecycle(t *testing.T) {
	s := NewStore(zap.NewNop(), WithTTL(5*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	s.Create(Identity{UserKey: "u", ChannelKey: "c"})
	s.Start()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop() // idempotent
}
