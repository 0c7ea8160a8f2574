// Package sharedobject implements the SharedObject replication engine
// (spec §4.6, C6, server side; §4.7, C7, client side): a server-owned
// mutable document replicated to subscribers via an initial snapshot plus
// a versioned stream of structural diffs.
package sharedobject

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/multiplex/internal/diffengine"
	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/jsonpath"
	"github.com/adred-codev/multiplex/internal/mutation"
	"github.com/adred-codev/multiplex/internal/registry"
	"github.com/adred-codev/multiplex/internal/schema"
	"github.com/rs/zerolog"
)

// Server is the authoritative, server-side state for one SharedObject
// endpoint: the live value (behind a mutation.Tracker), the monotonic
// version counter, and the snapshot-of-last-transmit (spec §3).
type Server struct {
	name         string
	objectSchema *schema.Schema
	subs         *registry.SubscriptionIndex
	autoNotify   bool
	logger       zerolog.Logger

	mu       sync.Mutex
	tracker  *mutation.Tracker
	snapshot map[string]any // deep clone of the value as of the last publish
	version  int64

	pendingScheduled   bool
	warnedManualNotify bool

	onPublish func(version int64)

	now func() time.Time
}

// NewServer constructs a SharedObject server engine seeded with initial
// (spec §6: "initials map required for every SharedObject endpoint;
// construction fails otherwise" is enforced by the caller, service.Service,
// which never calls this without an initial value). initial is deep-cloned
// so the caller's map is never aliased into the engine.
func NewServer(name string, objectSchema *schema.Schema, initial map[string]any, autoNotify bool, subs *registry.SubscriptionIndex, logger zerolog.Logger) *Server {
	clone := deepClone(initial).(map[string]any)
	s := &Server{
		name:         name,
		objectSchema: objectSchema,
		subs:         subs,
		autoNotify:   autoNotify,
		logger:       logger.With().Str("endpoint", name).Logger(),
		snapshot:     deepClone(initial).(map[string]any),
		now:          time.Now,
	}
	s.tracker = mutation.Track(clone, s.onChange)
	return s
}

// SetOnPublish registers a callback invoked with the new version after every
// successful publish, letting the _metrics plugin track SharedObject version
// gauges without this package depending on it directly.
func (s *Server) SetOnPublish(fn func(version int64)) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()
}

// Tracker exposes the mutation tracker so handler code can mutate the
// document via its explicit Set/Delete/array-mutator API (§4.3's Go
// realization of the reference proxy-based mutation tracking).
func (s *Server) Tracker() *mutation.Tracker { return s.tracker }

// Data returns the current live value. Callers must not mutate the
// returned map; all writes go through Tracker.
func (s *Server) Data() map[string]any {
	return s.tracker.Value()
}

// Version returns the current published version.
func (s *Server) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Init returns the frame a newly-subscribing connection must receive
// before it is added to the broadcast set (spec §4.4's init-before-add
// invariant; enforced by the caller, which must send the returned bytes
// and only then call Subscribe).
func (s *Server) Init() ([]byte, error) {
	s.mu.Lock()
	data := deepClone(s.snapshot)
	v := s.version
	s.mu.Unlock()

	raw, err := json.Marshal(s.objectSchema.SerializeDates(data))
	if err != nil {
		return nil, fmt.Errorf("sharedobject[%s]: marshal init: %w", s.name, err)
	}
	f := frame.InitFrame{Type: frame.Init, Endpoint: s.name, Data: raw, V: v}
	return frame.Encode(f)
}

// Subscribe adds c to this endpoint's broadcast set. Must only be called
// after the connection has already received Init's bytes (spec §4.4).
func (s *Server) Subscribe(c registry.Conn) { s.subs.Add(s.name, c) }

// Unsubscribe removes c from the broadcast set.
func (s *Server) Unsubscribe(c registry.Conn) { s.subs.Remove(s.name, c) }

// onChange is the mutation.Tracker callback (§4.3); when auto-notify is
// enabled it schedules a single coalescing notify pass for the current
// burst of synchronous mutations (spec §4.6's "N synchronous mutations ...
// produce exactly one update frame"). Go has no cooperative event-loop
// turn to hook into, so the coalescing window is modeled as a zero-delay
// timer: every mutation within the same timer tick collapses into the one
// pending flag, and the timer callback runs once per burst.
func (s *Server) onChange(jsonpath.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.autoNotify || s.pendingScheduled {
		return
	}
	s.pendingScheduled = true
	time.AfterFunc(0, s.runAutoNotify)
}

func (s *Server) runAutoNotify() {
	s.mu.Lock()
	s.pendingScheduled = false
	s.mu.Unlock()

	paths := s.tracker.Drain()
	if len(paths) == 0 {
		return
	}
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) < len(paths[j]) })
	if err := s.publish(paths); err != nil {
		s.logger.Error().Err(err).Msg("auto-notify failed; state left unpublished")
	}
}

// Notify runs the publish algorithm manually. hint, when non-empty,
// restricts the diff to the subtree at hint; an empty hint diffs the whole
// document. Calling Notify while auto-notify is enabled is permitted but
// logs a warning on first occurrence (spec §4.6); the pending auto task,
// if any, becomes a no-op since the tracker is drained here too.
func (s *Server) Notify(hint jsonpath.Path) error {
	s.mu.Lock()
	if s.autoNotify && !s.warnedManualNotify {
		s.warnedManualNotify = true
		s.logger.Warn().Msg("manual notify() called while autoNotify is enabled")
	}
	s.mu.Unlock()

	s.tracker.Drain() // the pending auto task becomes a no-op; the tree is already empty.

	var paths []jsonpath.Path
	if len(hint) == 0 {
		paths = []jsonpath.Path{nil}
	} else {
		paths = []jsonpath.Path{hint}
	}
	return s.publish(paths)
}

// publish is the notify algorithm (spec §4.6):
//  1. validate the whole document;
//  2. diff each path (shortest-first) against the snapshot;
//  3. if the result is empty, do nothing;
//  4. otherwise fold the changed subtrees back into the snapshot, bump the
//     version, and broadcast the update frame.
func (s *Server) publish(paths []jsonpath.Path) error {
	s.mu.Lock()
	current := s.tracker.Value()
	snapshotBefore := s.snapshot
	s.mu.Unlock()

	if _, err := s.objectSchema.Validate(current); err != nil {
		return err
	}

	datePaths := s.objectSchema.DatePaths()
	var all []diffengine.Diff
	for _, p := range paths {
		all = append(all, diffengine.Diffs(snapshotBefore, current, p, datePaths)...)
	}
	if len(all) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, p := range paths {
		subtree, ok := getAtPath(current, p)
		if !ok {
			continue
		}
		s.snapshot = setSnapshotAt(s.snapshot, p, deepClone(subtree))
	}
	s.version++
	v := s.version
	s.mu.Unlock()

	diffsRaw, err := diffengine.MarshalDiffs(all)
	if err != nil {
		return fmt.Errorf("sharedobject[%s]: marshal diffs: %w", s.name, err)
	}
	f := frame.UpdateFrame{
		Type:     frame.Update,
		Endpoint: s.name,
		Diffs:    diffsRaw,
		V:        v,
		Now:      s.now().UTC().Format(time.RFC3339Nano),
	}
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("sharedobject[%s]: encode update: %w", s.name, err)
	}
	s.subs.Broadcast(s.name, encoded)

	s.mu.Lock()
	onPublish := s.onPublish
	s.mu.Unlock()
	if onPublish != nil {
		onPublish(v)
	}
	return nil
}

func getAtPath(value any, path jsonpath.Path) (any, bool) {
	cur := value
	for _, seg := range path {
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok || seg.Index < 0 || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg.Key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setSnapshotAt returns root with the subtree at path replaced by value,
// creating intermediate maps/slices as needed. Used to fold a freshly
// diffed subtree back into the snapshot-of-last-transmit. path may descend
// through array indices as well as object keys (a manual Notify hint can
// name either, spec §4.2/§9).
func setSnapshotAt(root map[string]any, path jsonpath.Path, value any) map[string]any {
	if len(path) == 0 {
		if m, ok := value.(map[string]any); ok {
			return m
		}
		return root
	}
	folded, ok := foldAtPath(root, path, value).(map[string]any)
	if !ok {
		return root
	}
	return folded
}

// foldAtPath returns a copy of container with value folded in at path,
// cloning every container on the path (copy-on-write) and creating missing
// intermediate maps/slices as needed. container may be a map[string]any or
// a []any depending on the segment being descended into.
func foldAtPath(container any, path jsonpath.Path, value any) any {
	if len(path) == 0 {
		return value
	}
	seg := path[0]
	if seg.IsIndex {
		arr, _ := container.([]any)
		out := make([]any, len(arr))
		copy(out, arr)
		for len(out) <= seg.Index {
			out = append(out, nil)
		}
		out[seg.Index] = foldAtPath(out[seg.Index], path[1:], value)
		return out
	}
	m, _ := container.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[seg.Key] = foldAtPath(out[seg.Key], path[1:], value)
	return out
}

func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = deepClone(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = deepClone(sub)
		}
		return out
	default:
		return v
	}
}
