// Package journal mirrors run events into Redis Streams so finished runs
// can be inspected after the in-memory replay buffers are gone. Writes are
// best effort: a journal outage never affects the run itself.
package journal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/streaming"
)

// Journal appends run events to per-run Redis streams.
type Journal struct {
	rdb    *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect journal redis at %s: %w", cfg.RedisAddr, err)
	}
	return &Journal{
		rdb:    rdb,
		maxLen: cfg.MaxLen,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func streamKey(runID string) string { return "fathom:run:" + runID }

// Record appends one event to the run's stream, trimming to the configured
// length and refreshing the stream TTL.
func (j *Journal) Record(ctx context.Context, evt streaming.Event) {
	key := streamKey(evt.RunID)
	args := &redis.XAddArgs{
		Stream: key,
		Approx: true,
		MaxLen: j.maxLen,
		Values: map[string]interface{}{
			"type":      evt.Type,
			"stage":     evt.Stage,
			"query_id":  evt.QueryID,
			"message":   evt.Message,
			"seq":       strconv.FormatUint(evt.Seq, 10),
			"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := j.rdb.XAdd(ctx, args).Err(); err != nil {
		metrics.JournalWriteFailures.Inc()
		j.logger.Warn("Journal write failed",
			zap.String("run_id", evt.RunID),
			zap.Error(err),
		)
		return
	}
	metrics.JournalEventsWritten.Inc()
	if j.ttl > 0 {
		if err := j.rdb.Expire(ctx, key, j.ttl).Err(); err != nil {
			j.logger.Debug("Journal TTL refresh failed", zap.String("run_id", evt.RunID), zap.Error(err))
		}
	}
}

// Events reads back a run's journal, oldest first.
func (j *Journal) Events(ctx context.Context, runID string, count int64) ([]streaming.Event, error) {
	messages, err := j.rdb.XRangeN(ctx, streamKey(runID), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal for %s: %w", runID, err)
	}
	events := make([]streaming.Event, 0, len(messages))
	for _, msg := range messages {
		evt := streaming.Event{RunID: runID}
		if v, ok := msg.Values["type"].(string); ok {
			evt.Type = v
		}
		if v, ok := msg.Values["stage"].(string); ok {
			evt.Stage = v
		}
		if v, ok := msg.Values["query_id"].(string); ok {
			evt.QueryID = v
		}
		if v, ok := msg.Values["message"].(string); ok {
			evt.Message = v
		}
		if v, ok := msg.Values["seq"].(string); ok {
			if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
				evt.Seq = seq
			}
		}
		if v, ok := msg.Values["timestamp"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				evt.Timestamp = ts
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

// Ping reports whether Redis is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (j *Journal) Close() error { return j.rdb.Close() }
