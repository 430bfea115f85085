// Package progress maintains at most one live status message per
// conversation, editing it in place as a research run advances.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// ErrMessageGone is returned by a Platform when the edit target no longer
// exists or is inaccessible.
var ErrMessageGone = errors.New("progress: message gone")

// Platform is the injected chat surface. Implementations cap message
// bodies; the notifier truncates to the configured limit before sending.
type Platform interface {
	SendMessage(ctx context.Context, channelKey, text string) (ref string, err error)
	EditMessage(ctx context.Context, channelKey, ref, text string) error
}

// Terminal stages keep their final message visible for a grace period and
// then release the channel's record.
const (
	StagePlanning     = "planning"
	StageSearching    = "searching"
	StageReflecting   = "reflecting"
	StageSynthesizing = "synthesizing"
	StageCompleted    = "completed"
	StageError        = "error"
	StageTimeout      = "timeout"
)

// Update describes the state to display.
type Update struct {
	Stage     string
	Completed int       // queries finished in the current batch
	Total     int       // queries in the current batch, 0 if not applicable
	Detail    string    // optional one-line annotation
	StartedAt time.Time // batch start, used for the ETA projection
}

type record struct {
	ref         string
	lastStage   string
	createdAt   time.Time
	lastPublish time.Time
	cleanup     *time.Timer
}

// Notifier owns the per-channel progress records.
type Notifier struct {
	mu       sync.Mutex
	records  map[string]*record
	platform Platform
	debounce time.Duration
	grace    time.Duration
	limit    int
	logger   *zap.Logger
	closed   bool
}

// NewNotifier builds a notifier. limit is the platform's message length cap
// in characters.
func NewNotifier(platform Platform, debounce, grace time.Duration, limit int, logger *zap.Logger) *Notifier {
	if limit <= 0 {
		limit = 2000
	}
	return &Notifier{
		records:  make(map[string]*record),
		platform: platform,
		debounce: debounce,
		grace:    grace,
		limit:    limit,
		logger:   logger,
	}
}

// Publish renders the update and edits the channel's status message in
// place, creating it on first use or when the previous message is gone.
// Rapid non-terminal updates inside the debounce window are dropped.
func (n *Notifier) Publish(ctx context.Context, channelKey string, upd Update) error {
	terminal := isTerminal(upd.Stage)
	text := n.render(upd)
	now := time.Now()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errors.New("progress: notifier closed")
	}
	rec := n.records[channelKey]
	if rec != nil && !terminal && now.Sub(rec.lastPublish) < n.debounce {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if rec != nil {
		err := n.platform.EditMessage(ctx, channelKey, rec.ref, text)
		switch {
		case err == nil:
			metrics.ProgressMessagesEdited.Inc()
			n.touchRecord(channelKey, rec, upd.Stage, now, terminal)
			return nil
		case errors.Is(err, ErrMessageGone):
			// Only a vanished target warrants a replacement. Recreating on
			// transient failures would leave two status messages visible.
			metrics.ProgressEditFailures.Inc()
			n.logger.Debug("Progress message gone, recreating",
				zap.String("channel_key", channelKey),
			)
			n.dropRecord(channelKey, rec)
			rec = nil
		default:
			metrics.ProgressEditFailures.Inc()
			n.logger.Warn("Progress edit failed, skipping update",
				zap.String("channel_key", channelKey),
				zap.Error(err),
			)
			return nil
		}
	}

	ref, err := n.platform.SendMessage(ctx, channelKey, text)
	if err != nil {
		return fmt.Errorf("send progress message: %w", err)
	}
	metrics.ProgressMessagesCreated.Inc()

	rec = &record{ref: ref, createdAt: now}
	n.mu.Lock()
	n.records[channelKey] = rec
	n.mu.Unlock()
	n.touchRecord(channelKey, rec, upd.Stage, now, terminal)
	return nil
}

// Forget drops the channel's record immediately, without waiting for the
// terminal grace period. The engine calls this when a session closes early.
func (n *Notifier) Forget(channelKey string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec, ok := n.records[channelKey]; ok {
		if rec.cleanup != nil {
			rec.cleanup.Stop()
		}
		delete(n.records, channelKey)
	}
}

// Close stops all pending cleanup timers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for key, rec := range n.records {
		if rec.cleanup != nil {
			rec.cleanup.Stop()
		}
		delete(n.records, key)
	}
}

// Len reports the number of live records.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func (n *Notifier) touchRecord(channelKey string, rec *record, stage string, now time.Time, terminal bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec.lastStage = stage
	rec.lastPublish = now
	if !terminal {
		return
	}
	if rec.cleanup != nil {
		rec.cleanup.Stop()
	}
	// The final state stays visible for the grace period, then the record
	// is released so a future run in this channel starts a fresh message.
	rec.cleanup = time.AfterFunc(n.grace, func() {
		n.dropRecord(channelKey, rec)
	})
}

// dropRecord removes the record only if the channel still maps to it, so a
// delayed cleanup never removes a successor record.
func (n *Notifier) dropRecord(channelKey string, rec *record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.records[channelKey]; ok && cur == rec {
		if cur.cleanup != nil {
			cur.cleanup.Stop()
		}
		delete(n.records, channelKey)
	}
}

func (n *Notifier) render(upd Update) string {
	var sb strings.Builder
	sb.WriteString(stageLabel(upd.Stage))

	if upd.Total > 0 {
		percent := upd.Completed * 100 / upd.Total
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		sb.WriteString(fmt.Sprintf(" (%d/%d, %d%%)", upd.Completed, upd.Total, percent))

		if eta, ok := projectETA(upd); ok {
			sb.WriteString(fmt.Sprintf(" ~%ds remaining", eta))
		}
	}
	if upd.Detail != "" {
		sb.WriteString("\n")
		sb.WriteString(upd.Detail)
	}

	text := sb.String()
	// The limit is in characters, and stage labels start with multibyte
	// runes; slicing bytes could split one.
	if utf8.RuneCountInString(text) > n.limit {
		text = string([]rune(text)[:n.limit])
	}
	return text
}

// projectETA is a naive linear projection from the batch's average pace.
// Only meaningful mid-batch, when at least one query has finished and at
// least one remains.
func projectETA(upd Update) (int, bool) {
	if upd.StartedAt.IsZero() || upd.Completed <= 0 || upd.Completed >= upd.Total {
		return 0, false
	}
	elapsed := time.Since(upd.StartedAt).Seconds()
	perQuery := elapsed / float64(upd.Completed)
	remaining := float64(upd.Total-upd.Completed) * perQuery
	return int(remaining + 0.5), true
}

func isTerminal(stage string) bool {
	switch stage {
	case StageCompleted, StageError, StageTimeout:
		return true
	}
	return false
}

func stageLabel(stage string) string {
	switch stage {
	case StagePlanning:
		return "🔍 Planning research queries..."
	case StageSearching:
		return "🌐 Searching the web"
	case StageReflecting:
		return "🤔 Reviewing what we found..."
	case StageSynthesizing:
		return "✍️ Writing the answer..."
	case StageCompleted:
		return "✅ Research complete"
	case StageError:
		return "⚠️ Research failed"
	case StageTimeout:
		return "⏱️ Research timed out"
	}
	return stage
}
