package registry

import (
	"encoding/json"
	"testing"

	"github.com/adred-codev/multiplex/internal/schema"
)

type fakeConn struct {
	id  int64
	out [][]byte
}

func (c *fakeConn) ID() int64 { return c.id }
func (c *fakeConn) Send(data []byte) error {
	c.out = append(c.out, data)
	return nil
}

func anySchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile(nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return s
}

func TestSubscriptionIndexAddRemoveBroadcast(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}

	idx.Add("topic", a)
	idx.Add("topic", b)
	idx.Add("topic", a) // idempotent

	if got := idx.Count("topic"); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	idx.Broadcast("topic", []byte("hello"))
	if len(a.out) != 1 || len(b.out) != 1 {
		t.Fatalf("expected both subscribers to receive the broadcast")
	}

	idx.Remove("topic", a)
	if got := idx.Count("topic"); got != 1 {
		t.Fatalf("expected 1 subscriber after remove, got %d", got)
	}
}

func TestSubscriptionIndexRemoveConn(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := &fakeConn{id: 1}
	idx.Add("x", a)
	idx.Add("y", a)
	idx.RemoveConn(a)
	if idx.Count("x") != 0 || idx.Count("y") != 0 {
		t.Fatalf("expected RemoveConn to clear all subscriptions")
	}
}

func TestPubSubSendDeliversToSubscribers(t *testing.T) {
	idx := NewSubscriptionIndex()
	ps := NewPubSub("ticks", anySchema(t), idx)
	a := &fakeConn{id: 1}
	ps.Subscribe(a)

	if err := ps.Send(map[string]any{"price": 42}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.out) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(a.out))
	}
	var decoded map[string]any
	if err := json.Unmarshal(a.out[0], &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded["type"] != "message" || decoded["endpoint"] != "ticks" {
		t.Fatalf("unexpected frame: %v", decoded)
	}
}

func TestPushPullQueuesWhenNoWorkers(t *testing.T) {
	pp := NewPushPull("jobs", anySchema(t), 10)

	for _, v := range []any{1, 2, 3} {
		delivered, err := pp.Push(v)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if delivered {
			t.Fatalf("expected push to return false with no workers")
		}
	}
	if pp.QueueLen() != 3 {
		t.Fatalf("expected 3 queued messages, got %d", pp.QueueLen())
	}

	worker := &fakeConn{id: 1}
	pp.Subscribe(worker)
	if len(worker.out) != 3 {
		t.Fatalf("expected worker to receive all 3 queued messages, got %d", len(worker.out))
	}
	if pp.QueueLen() != 0 {
		t.Fatalf("expected queue drained, got %d remaining", pp.QueueLen())
	}
}

func TestPushPullRoundRobin(t *testing.T) {
	pp := NewPushPull("jobs", anySchema(t), 10)
	w1 := &fakeConn{id: 1}
	w2 := &fakeConn{id: 2}
	pp.Subscribe(w1)
	pp.Subscribe(w2)

	for i := 0; i < 4; i++ {
		delivered, err := pp.Push(i)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if !delivered {
			t.Fatalf("expected push delivered with workers present")
		}
	}
	if len(w1.out) != 2 || len(w2.out) != 2 {
		t.Fatalf("expected even round-robin split, got w1=%d w2=%d", len(w1.out), len(w2.out))
	}
}

func TestPushPullQueueCapDropsOldest(t *testing.T) {
	pp := NewPushPull("jobs", anySchema(t), 2)
	for _, v := range []any{1, 2, 3} {
		if _, err := pp.Push(v); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if pp.QueueLen() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", pp.QueueLen())
	}

	worker := &fakeConn{id: 1}
	pp.Subscribe(worker)
	if len(worker.out) != 2 {
		t.Fatalf("expected 2 surviving messages delivered, got %d", len(worker.out))
	}

	var decoded struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(worker.out[0], &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if string(decoded.Message) != "2" {
		t.Fatalf("expected oldest message (1) dropped, first surviving should be 2, got %s", decoded.Message)
	}
}
