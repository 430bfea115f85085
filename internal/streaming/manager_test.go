package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 4)
	defer m.Unsubscribe("run-1", ch)

	m.Publish("run-1", Event{Type: EventStageChanged, Stage: "searching"})

	evt := <-ch
	assert.Equal(t, "run-1", evt.RunID)
	assert.Equal(t, EventStageChanged, evt.Type)
	assert.Equal(t, "searching", evt.Stage)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestPublishAssignsIncreasingSeq(t *testing.T) {
	m := NewManager(16)
	a := m.Publish("run-1", Event{Type: EventSearchStarted})
	b := m.Publish("run-1", Event{Type: EventSearchCompleted})
	other := m.Publish("run-2", Event{Type: EventSearchStarted})

	assert.Equal(t, uint64(0), a.Seq)
	assert.Equal(t, uint64(1), b.Seq)
	assert.Equal(t, uint64(0), other.Seq, "sequences are per run")
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish("run-1", Event{Type: EventSearchCompleted})
	}

	events := m.ReplaySince("run-1", 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestReplayBoundedByCapacity(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 10; i++ {
		m.Publish("run-1", Event{Type: EventSearchCompleted})
	}

	events := m.ReplaySince("run-1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(7), events[0].Seq)
	assert.Equal(t, uint64(9), events[2].Seq)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 1)
	defer m.Unsubscribe("run-1", ch)

	// Second publish overflows the subscriber buffer and is dropped,
	// but the publisher never blocks and history still records it.
	m.Publish("run-1", Event{Type: EventSearchStarted})
	m.Publish("run-1", Event{Type: EventSearchCompleted})

	assert.Len(t, m.ReplaySince("run-1", 0), 2)
	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 1)
	m.Unsubscribe("run-1", ch)

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is a no-op rather than a double close.
	m.Unsubscribe("run-1", ch)
}

func TestPublishSurvivesSubscriberChurn(t *testing.T) {
	// Clients connect and disconnect while a run publishes. Exercised
	// under -race this catches unsynchronized access to the subscriber
	// map or the replay ring.
	m := NewManager(32)

	stable := m.Subscribe("run-1", 256)
	defer m.Unsubscribe("run-1", stable)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			m.Publish("run-1", Event{Type: EventSearchCompleted})
			m.ReplaySince("run-1", 0)
		}
	}()

	for i := 0; i < 200; i++ {
		ch := m.Subscribe("run-1", 1)
		m.Unsubscribe("run-1", ch)
	}
	<-done

	assert.Len(t, m.ReplaySince("run-1", 0), 32)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(16)
	m.Publish("run-1", Event{Type: EventRunCompleted})
	m.Forget("run-1")
	assert.Nil(t, m.ReplaySince("run-1", 0))
}
