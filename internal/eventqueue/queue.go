// Package eventqueue implements the pipeline server's bounded fan-in
// queue of {event, data} records: node status writers are producers,
// the upstream relay task and the SSE handler are consumers.
package eventqueue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/anacostia-go/anacostia/internal/status"
)

// Event is one record flowing through the queue, in the exact shape
// relayed to the upstream's /send_event and streamed over SSE.
type Event struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// WorkUpdate is the payload carried by every status-change Event.
type WorkUpdate struct {
	ID     string        `json:"id"`
	Status status.Status `json:"status"`
}

// WorkUpdateEventName is the sole SSE/relay event type this queue
// produces today.
const WorkUpdateEventName = "WorkUpdate"

// NewWorkUpdateEvent builds the Event wrapper for a node status change.
func NewWorkUpdateEvent(nodeName string, s status.Status) Event {
	data, _ := json.Marshal(WorkUpdate{ID: nodeName, Status: s})
	return Event{Event: WorkUpdateEventName, Data: string(data)}
}

// Queue is a bounded, single-consumer, many-producer buffer of Events
// that drops the *oldest* entry on overflow rather than blocking a
// producer, plus a "most recent status per node" side-cache the SSE
// handler replays on first connect.
type Queue struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	notify   chan struct{} // 1-buffered wake signal for the consumer

	latestMu sync.Mutex
	latest   map[string]status.Status // node name -> most recent non-Initializing status
}

// New returns a Queue with the given bounded capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		latest:   make(map[string]status.Status),
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push enqueues ev, dropping the oldest queued event if the queue is
// full. Push never blocks.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()
	q.wake()
}

// PushWorkUpdate records nodeName's latest status for SSE replay
// (INITIALIZING never enters the cache) and enqueues the
// corresponding WorkUpdate Event.
func (q *Queue) PushWorkUpdate(nodeName string, s status.Status) {
	if s != status.Initializing {
		q.latestMu.Lock()
		q.latest[nodeName] = s
		q.latestMu.Unlock()
	}
	q.Push(NewWorkUpdateEvent(nodeName, s))
}

// PushRelayed enqueues an event received from a downstream pipeline's
// relay. WorkUpdate payloads also refresh the replay cache so an SSE
// client of this server sees remote nodes' latest statuses too.
func (q *Queue) PushRelayed(ev Event) {
	if ev.Event == WorkUpdateEventName {
		var wu WorkUpdate
		if err := json.Unmarshal([]byte(ev.Data), &wu); err == nil && wu.ID != "" && wu.Status != status.Initializing {
			q.latestMu.Lock()
			q.latest[wu.ID] = wu.Status
			q.latestMu.Unlock()
		}
	}
	q.Push(ev)
}

// Requeue re-enqueues ev at the front of the queue, used by the relay
// task when an upstream POST fails so the event is retried rather than
// lost. If the queue is full, the oldest event other than the retried
// one is dropped to make room.
func (q *Queue) Requeue(ev Event) {
	q.mu.Lock()
	q.buf = append([]Event{ev}, q.buf...)
	if len(q.buf) > q.capacity {
		q.buf = append(q.buf[:1], q.buf[2:]...)
	}
	q.mu.Unlock()
	q.wake()
}

// Len reports how many events are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

// Drain returns a channel of events that is closed when ctx is done.
// Each Event received from it is considered acknowledged; a consumer
// that cannot deliver an event calls Requeue. Intended for a single
// consumer.
func (q *Queue) Drain(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			if ev, ok := q.pop(); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case <-q.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// LatestByNode returns a snapshot of the most recent non-INITIALIZING
// status recorded for every node, used to prime a newly-opened
// /graph_sse connection before it starts tailing live events.
func (q *Queue) LatestByNode() map[string]status.Status {
	q.latestMu.Lock()
	defer q.latestMu.Unlock()
	out := make(map[string]status.Status, len(q.latest))
	for k, v := range q.latest {
		out[k] = v
	}
	return out
}
