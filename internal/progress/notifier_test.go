package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePlatform struct {
	mu       sync.Mutex
	sends    []string
	edits    []string
	nextRef  int
	editErr  error
	liveRefs map[string]bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{liveRefs: make(map[string]bool)}
}

func (f *fakePlatform) SendMessage(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRef++
	ref := fmt.Sprintf("msg-%d", f.nextRef)
	f.liveRefs[ref] = true
	f.sends = append(f.sends, text)
	return ref, nil
}

func (f *fakePlatform) EditMessage(_ context.Context, _, ref, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	if !f.liveRefs[ref] {
		return ErrMessageGone
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakePlatform) counts() (sends, edits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends), len(f.edits)
}

func newTestNotifier(p Platform, debounce, grace time.Duration) *Notifier {
	return NewNotifier(p, debounce, grace, 2000, zap.NewNop())
}

func TestTwoPublishesOneCreateOneEdit(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching, Completed: 1, Total: 3}))

	sends, edits := p.counts()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 1, edits)
}

func TestEditTargetGoneFallsThroughToCreate(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))

	// Simulate the message being deleted out from under us.
	p.mu.Lock()
	p.liveRefs = map[string]bool{}
	p.mu.Unlock()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching}))

	sends, edits := p.counts()
	assert.Equal(t, 2, sends, "stale record should be replaced with a fresh message")
	assert.Equal(t, 0, edits)
	assert.Equal(t, 1, n.Len(), "only one record per channel")
}

func TestTransientEditFailureSkipsUpdate(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))

	// A platform 500 must not spawn a second visible message.
	p.mu.Lock()
	p.editErr = errors.New("HTTP 500")
	p.mu.Unlock()
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching}))

	sends, edits := p.counts()
	assert.Equal(t, 1, sends, "transient edit failures skip the update, not recreate")
	assert.Equal(t, 0, edits)

	// Once the platform recovers, the same message is edited again.
	p.mu.Lock()
	p.editErr = nil
	p.mu.Unlock()
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageReflecting}))

	sends, edits = p.counts()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 1, edits)
}

func TestDebounceSuppressesRapidUpdates(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, time.Hour, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching, Completed: 0, Total: 3}))
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching, Completed: 1, Total: 3}))
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching, Completed: 2, Total: 3}))

	sends, edits := p.counts()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 0, edits, "updates inside the debounce window are dropped")
}

func TestTerminalStageBypassesDebounce(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, time.Hour, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageSearching}))
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageCompleted}))

	_, edits := p.counts()
	assert.Equal(t, 1, edits, "terminal updates are always delivered")
}

func TestTerminalStageReleasesRecordAfterGrace(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, 20*time.Millisecond)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StageCompleted}))
	assert.Equal(t, 1, n.Len(), "record stays through the grace period")

	assert.Eventually(t, func() bool { return n.Len() == 0 }, time.Second, 5*time.Millisecond)

	// A later run in the same channel starts a fresh message.
	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))
	sends, _ := p.counts()
	assert.Equal(t, 2, sends)
}

func TestIndependentChannels(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))
	require.NoError(t, n.Publish(context.Background(), "chan-2", Update{Stage: StagePlanning}))

	sends, _ := p.counts()
	assert.Equal(t, 2, sends)
	assert.Equal(t, 2, n.Len())
}

func TestRenderPercentAndETA(t *testing.T) {
	n := newTestNotifier(newFakePlatform(), 0, time.Minute)
	defer n.Close()

	text := n.render(Update{
		Stage:     StageSearching,
		Completed: 2,
		Total:     4,
		StartedAt: time.Now().Add(-10 * time.Second),
	})
	assert.Contains(t, text, "(2/4, 50%)")
	assert.Contains(t, text, "remaining")

	// No ETA before the first completion or once the batch is done.
	assert.NotContains(t, n.render(Update{Stage: StageSearching, Completed: 0, Total: 4, StartedAt: time.Now()}), "remaining")
	assert.NotContains(t, n.render(Update{Stage: StageSearching, Completed: 4, Total: 4, StartedAt: time.Now()}), "remaining")
}

func TestRenderClampsPercent(t *testing.T) {
	n := newTestNotifier(newFakePlatform(), 0, time.Minute)
	defer n.Close()

	text := n.render(Update{Stage: StageSearching, Completed: 9, Total: 4})
	assert.Contains(t, text, "100%")
}

func TestRenderTruncatesToLimit(t *testing.T) {
	n := NewNotifier(newFakePlatform(), 0, time.Minute, 64, zap.NewNop())
	defer n.Close()

	text := n.render(Update{Stage: StageSearching, Detail: strings.Repeat("x", 500)})
	assert.LessOrEqual(t, utf8.RuneCountInString(text), 64)
}

func TestRenderTruncatesOnRuneBoundary(t *testing.T) {
	// Stage labels start with multibyte runes; a limit landing inside one
	// must not produce invalid UTF-8.
	p := newFakePlatform()
	for limit := 1; limit <= 8; limit++ {
		n := NewNotifier(p, 0, time.Minute, limit, zap.NewNop())
		text := n.render(Update{Stage: StageSearching, Detail: strings.Repeat("é", 50)})
		assert.True(t, utf8.ValidString(text), "limit %d produced invalid UTF-8", limit)
		assert.LessOrEqual(t, utf8.RuneCountInString(text), limit)
		n.Close()
	}
}

func TestForgetCancelsCleanup(t *testing.T) {
	p := newFakePlatform()
	n := newTestNotifier(p, 0, time.Minute)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), "chan-1", Update{Stage: StagePlanning}))
	n.Forget("chan-1")
	assert.Equal(t, 0, n.Len())
}
