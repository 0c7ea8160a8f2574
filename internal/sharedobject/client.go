package sharedobject

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adred-codev/multiplex/internal/diffengine"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
)

// State is one of the four states a client-side SharedObject replica can
// be in (spec §4.7).
type State string

const (
	Idle         State = "idle"
	AwaitingInit State = "awaiting_init"
	Ready        State = "ready"
	Gapped       State = "gapped"
)

// EventKind discriminates the events a Replica emits. The reference
// EventEmitter maps here to a plain callback registered at construction
// (design note §9: "Replace with multi-producer/single-consumer channels
// or observer lists").
type EventKind string

const (
	EventInit         EventKind = "init"
	EventUpdate       EventKind = "update"
	EventDisconnected EventKind = "disconnected"
)

// Event is delivered to a Replica's onEvent callback on every state
// transition a subscriber cares about.
type Event struct {
	Kind EventKind
	Name string
}

// pendingUpdate is one update frame queued while AwaitingInit (spec §4.7:
// "Incoming update frames are queued verbatim (regardless of version)").
type pendingUpdate struct {
	v     int64
	diffs []diffengine.Diff
}

// Replica is the client-side state machine for one subscribed SharedObject
// (spec §4.7, C7).
type Replica struct {
	name    string
	onEvent func(Event)

	mu        sync.Mutex
	state     State
	data      map[string]any
	installed int64
	queue     []pendingUpdate
}

// NewReplica returns a Replica in state Idle. onEvent, if non-nil, is
// called synchronously on every init/update/disconnected transition.
func NewReplica(name string, onEvent func(Event)) *Replica {
	return &Replica{name: name, onEvent: onEvent, state: Idle}
}

// State returns the replica's current state.
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Version returns the last installed version, or 0 before any init.
func (r *Replica) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed
}

// Data returns the current replicated value. It fails with a non-ready
// error if the replica has not installed an init (or has been invalidated
// by a gap/disconnect) — spec §4.7's "accessing data while non-ready
// raises" and its explicit non-behavior ("no synthetic deletion diffs ...
// the disconnected event is the sole signal that data has been
// invalidated").
func (r *Replica) Data() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Ready {
		return nil, multiplexerr.New(multiplexerr.ConnectionFailed, fmt.Sprintf("sharedobject[%s]: not ready", r.name))
	}
	return r.data, nil
}

// Subscribing transitions Idle -> AwaitingInit, as done right after the
// client sends a `sub` frame.
func (r *Replica) Subscribing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = AwaitingInit
	r.queue = nil
}

// HandleUpdate processes an inbound update frame. While AwaitingInit it is
// queued verbatim regardless of version; while Ready it is applied only if
// it is the immediate successor of the installed version, otherwise the
// replica is marked Gapped and an EventDisconnected fires (spec §4.7's
// transition table). diffsRaw is the frame's wire-encoded "diffs" payload.
func (r *Replica) HandleUpdate(v int64, diffsRaw json.RawMessage) error {
	diffs, err := diffengine.UnmarshalDiffs(diffsRaw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.state {
	case AwaitingInit:
		r.queue = append(r.queue, pendingUpdate{v: v, diffs: diffs})
		r.mu.Unlock()
		return nil
	case Ready:
		if v != r.installed+1 {
			r.state = Gapped
			r.mu.Unlock()
			r.fire(EventDisconnected)
			return multiplexerr.New(multiplexerr.VersionMismatch, fmt.Sprintf("sharedobject[%s]: expected v=%d, got v=%d", r.name, r.installed+1, v))
		}
		next, err := diffengine.Apply(r.data, diffs)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("sharedobject[%s]: apply update v=%d: %w", r.name, v, err)
		}
		r.data, _ = next.(map[string]any)
		r.installed = v
		r.mu.Unlock()
		r.fire(EventUpdate)
		return nil
	default:
		r.mu.Unlock()
		return nil // Idle/Gapped: stray update from a connection already torn down.
	}
}

// HandleInit processes an inbound init frame: it installs data as current,
// discards any queued update with v <= v0, applies the remaining queued
// updates in order, and transitions to Ready (spec §4.7).
func (r *Replica) HandleInit(dataRaw json.RawMessage, v0 int64) error {
	var decoded map[string]any
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &decoded); err != nil {
			return fmt.Errorf("sharedobject[%s]: unmarshal init data: %w", r.name, err)
		}
	}
	if decoded == nil {
		decoded = map[string]any{}
	}

	r.mu.Lock()
	current := any(decoded)
	installed := v0
	var replay []pendingUpdate
	for _, pu := range r.queue {
		if pu.v <= v0 {
			continue
		}
		replay = append(replay, pu)
	}
	r.queue = nil

	var applyErr error
	for _, pu := range replay {
		next, err := diffengine.Apply(current, pu.diffs)
		if err != nil {
			applyErr = fmt.Errorf("sharedobject[%s]: apply queued update v=%d during init: %w", r.name, pu.v, err)
			break
		}
		current = next
		installed = pu.v
	}
	if applyErr != nil {
		r.mu.Unlock()
		return applyErr
	}

	r.data, _ = current.(map[string]any)
	r.installed = installed
	r.state = Ready
	r.mu.Unlock()

	r.fire(EventInit)
	return nil
}

// Unsubscribe resets the replica to Idle, as done after sending an `unsub`
// frame.
func (r *Replica) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Idle
	r.data = nil
	r.installed = 0
	r.queue = nil
}

// Disconnected flushes the replica and fires EventDisconnected, as done on
// any transport loss (spec §4.7's "any -> transport disconnected" row). If
// stillSubscribed is true the replica moves to AwaitingInit so the next
// successful reconnect's `sub` replay lands here again; otherwise it moves
// to Idle.
func (r *Replica) Disconnected(stillSubscribed bool) {
	r.mu.Lock()
	wasIdle := r.state == Idle
	r.data = nil
	r.queue = nil
	if stillSubscribed {
		r.state = AwaitingInit
	} else {
		r.state = Idle
	}
	r.mu.Unlock()

	if !wasIdle {
		r.fire(EventDisconnected)
	}
}

func (r *Replica) fire(kind EventKind) {
	if r.onEvent != nil {
		r.onEvent(Event{Kind: kind, Name: r.name})
	}
}
