package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/schema"
)

// DefaultPushPullQueueCap bounds the unbounded-in-spec FIFO used when no
// worker is subscribed (spec §9 Open Questions: "Maximum queued-message
// count for PushPull when no workers connected is unspecified;
// implementations should document a cap or make it configurable"). Past
// this many pending messages, Push drops the oldest to admit the newest
// rather than growing without bound.
const DefaultPushPullQueueCap = 10000

// PushPull is the server-side state for one PushPull endpoint (spec §4.5):
// round-robin delivery among subscribed workers, with FIFO queueing while
// no worker is connected.
type PushPull struct {
	name          string
	messageSchema *schema.Schema
	queueCap      int

	mu      sync.Mutex
	workers []Conn
	rrIndex int
	queue   [][]byte
}

// NewPushPull constructs a PushPull endpoint engine. queueCap <= 0 selects
// DefaultPushPullQueueCap.
func NewPushPull(name string, messageSchema *schema.Schema, queueCap int) *PushPull {
	if queueCap <= 0 {
		queueCap = DefaultPushPullQueueCap
	}
	return &PushPull{name: name, messageSchema: messageSchema, queueCap: queueCap}
}

// Push validates and serializes message, then either sends it to the next
// worker in round-robin order (returning true) or enqueues it for the next
// worker that subscribes (returning false).
func (pp *PushPull) Push(message any) (bool, error) {
	validated, err := pp.messageSchema.Validate(message)
	if err != nil {
		return false, err
	}
	serialized := pp.messageSchema.SerializeDates(validated)

	raw, err := json.Marshal(serialized)
	if err != nil {
		return false, fmt.Errorf("pushpull[%s]: marshal message: %w", pp.name, err)
	}
	f := frame.MessageFrame{Type: frame.Message, Endpoint: pp.name, Message: raw}
	encoded, err := frame.Encode(f)
	if err != nil {
		return false, fmt.Errorf("pushpull[%s]: encode frame: %w", pp.name, err)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	if len(pp.workers) == 0 {
		if len(pp.queue) >= pp.queueCap {
			pp.queue = pp.queue[1:]
		}
		pp.queue = append(pp.queue, encoded)
		return false, nil
	}

	worker := pp.workers[pp.rrIndex%len(pp.workers)]
	pp.rrIndex++
	_ = worker.Send(encoded)
	return true, nil
}

// Subscribe registers c as a worker. If this is the first worker to
// subscribe while messages are queued, the queue drains to c alone (in
// order) before c enters the normal round-robin rotation.
func (pp *PushPull) Subscribe(c Conn) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for _, w := range pp.workers {
		if w.ID() == c.ID() {
			return
		}
	}

	drain := len(pp.workers) == 0 && len(pp.queue) > 0
	pp.workers = append(pp.workers, c)

	if drain {
		pending := pp.queue
		pp.queue = nil
		for _, msg := range pending {
			_ = c.Send(msg)
		}
	}
}

// Unsubscribe removes c from the worker rotation.
func (pp *PushPull) Unsubscribe(c Conn) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for i, w := range pp.workers {
		if w.ID() == c.ID() {
			pp.workers = append(pp.workers[:i], pp.workers[i+1:]...)
			if pp.rrIndex > 0 {
				pp.rrIndex--
			}
			return
		}
	}
}

// QueueLen reports the number of messages currently queued (no worker
// connected). Exposed for metrics/tests, not part of the wire contract.
func (pp *PushPull) QueueLen() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.queue)
}
