package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/logmask"
)

// ============================================================================
// BUS
// ============================================================================

func TestBusDeliversToExecutionSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("exec-1")
	other := bus.Subscribe("exec-2")
	all := bus.Subscribe("")

	bus.Publish(&core.ExecutionEvent{ExecutionID: "exec-1", Kind: core.EventStarted})

	select {
	case ev := <-ch:
		assert.Equal(t, core.EventStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case ev := <-all:
		assert.Equal(t, "exec-1", ev.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("all-subscriber did not receive event")
	}

	select {
	case <-other:
		t.Fatal("subscriber for another execution received the event")
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("exec-1")
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	_ = bus.Subscribe("exec-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(&core.ExecutionEvent{ExecutionID: "exec-1", Kind: core.EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

// ============================================================================
// RECORDER
// ============================================================================

type memorySink struct {
	mu     sync.Mutex
	events []*core.ExecutionEvent
}

func (s *memorySink) AppendEvent(_ context.Context, ev *core.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func TestRecorderMasksPayloadBeforePersisting(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, NewBus(), nil, logmask.New())

	rec.Record(context.Background(), "t1", "exec-1", core.EventStepStarted, map[string]interface{}{
		"tool":     "run_command",
		"password": "hunter2",
	})

	require.Len(t, sink.events, 1)
	payload := sink.events[0].Payload
	assert.Equal(t, "run_command", payload["tool"])
	assert.NotEqual(t, "hunter2", payload["password"])
	assert.NotContains(t, payload["password"], "hunter2")
}

func TestRecorderFeedsLiveBus(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("exec-9")
	rec := NewRecorder(&memorySink{}, bus, nil, logmask.New())

	rec.Progress(context.Background(), "t1", "exec-9", 50, "restart_service")

	select {
	case ev := <-ch:
		assert.Equal(t, core.EventProgress, ev.Kind)
		assert.EqualValues(t, 50, ev.Payload["percent"])
	case <-time.After(time.Second):
		t.Fatal("live subscriber did not receive progress event")
	}
}

// ============================================================================
// REDIS MIRROR
// ============================================================================

func TestRedisMirrorPublishAndRecent(t *testing.T) {
	srv := miniredis.RunT(t)
	mirror, err := NewRedisMirror(srv.Addr(), "", 0)
	require.NoError(t, err)
	defer mirror.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, mirror.Publish(ctx, &core.ExecutionEvent{
			ID:          "ev",
			ExecutionID: "exec-1",
			Kind:        core.EventProgress,
			Seq:         int64(i),
		}))
	}

	recent, err := mirror.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.EqualValues(t, 3, recent[0].Seq)
	assert.EqualValues(t, 2, recent[1].Seq)
}

func TestSSEFormat(t *testing.T) {
	frame, err := SSEFormat(&core.ExecutionEvent{
		ID:          "e1",
		ExecutionID: "exec-1",
		Kind:        core.EventSucceeded,
		Seq:         7,
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: SUCCEEDED\n")
	assert.Contains(t, string(frame), "id: 7\n")

	// data line must be valid JSON
	var ev core.ExecutionEvent
	lines := string(frame)
	start := len("event: SUCCEEDED\ndata: ")
	end := len(lines) - len("\nid: 7\n\n")
	require.NoError(t, json.Unmarshal([]byte(lines[start:end]), &ev))
	assert.Equal(t, "exec-1", ev.ExecutionID)
}
