package eventqueue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/status"
)

func drainAll(t *testing.T, q *eventqueue.Queue, n int) []eventqueue.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out []eventqueue.Event
	ch := q.Drain(ctx)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-ctx.Done():
			t.Fatalf("drained %d of %d events before timeout", len(out), n)
		}
	}
	return out
}

func TestPushNeverBlocksAndDropsOldest(t *testing.T) {
	q := eventqueue.New(4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			q.Push(eventqueue.Event{Event: "WorkUpdate", Data: fmt.Sprintf("%d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full queue")
	}

	// Only the newest 4 survive; the oldest were dropped.
	events := drainAll(t, q, 4)
	assert.Equal(t, "96", events[0].Data)
	assert.Equal(t, "99", events[3].Data)
}

func TestLatestByNodeSkipsInitializing(t *testing.T) {
	q := eventqueue.New(16)
	q.PushWorkUpdate("trainer", status.Initializing)
	q.PushWorkUpdate("trainer", status.Executing)
	q.PushWorkUpdate("store", status.Initializing)

	latest := q.LatestByNode()
	assert.Equal(t, status.Executing, latest["trainer"])
	_, ok := latest["store"]
	assert.False(t, ok, "INITIALIZING must not enter the replay cache")
}

func TestRequeuePutsEventAtFront(t *testing.T) {
	q := eventqueue.New(8)
	q.Push(eventqueue.Event{Event: "WorkUpdate", Data: "a"})
	q.Push(eventqueue.Event{Event: "WorkUpdate", Data: "b"})
	q.Requeue(eventqueue.Event{Event: "WorkUpdate", Data: "retry"})

	events := drainAll(t, q, 3)
	assert.Equal(t, "retry", events[0].Data)
	assert.Equal(t, "a", events[1].Data)
	assert.Equal(t, "b", events[2].Data)
}

func TestDrainClosesOnContextCancel(t *testing.T) {
	q := eventqueue.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	ch := q.Drain(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "drain channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("drain channel did not close")
	}
}

func TestWorkUpdateWireShape(t *testing.T) {
	ev := eventqueue.NewWorkUpdateEvent("trainer", status.Executing)
	require.Equal(t, "WorkUpdate", ev.Event)
	assert.JSONEq(t, `{"id":"trainer","status":"EXECUTING"}`, ev.Data)
}
