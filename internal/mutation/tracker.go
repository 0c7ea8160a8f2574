// Package mutation is the Mutation Tracker (spec §4.3, C3). The reference
// semantics assume a dynamic-proxy host language where any property set or
// array mutator on an observed value transparently reports its path. Go has
// no such proxy mechanism, so the tracker exposes an explicit Set/Delete/
// array-mutator API instead: callers that want a mutation observed make the
// call through the Tracker rather than mutating a returned value directly.
// Every mutator still reports exactly once per call and coalesces into a
// PathTree, matching the coalescing and minimality guarantees of §3 and
// §4.3.
package mutation

import (
	"fmt"
	"sync"

	"github.com/adred-codev/multiplex/internal/jsonpath"
	"github.com/adred-codev/multiplex/internal/pathtree"
)

// Tracker wraps a root document value (a map[string]any, by SharedObject
// convention) and records every mutated path into a PathTree, invoking
// onChange once per Set/Delete/array-mutator call.
type Tracker struct {
	mu       sync.Mutex
	root     map[string]any
	tree     *pathtree.Tree
	onChange func(jsonpath.Path)
}

// Track returns a Tracker observing root. onChange, if non-nil, is called
// synchronously after every recorded mutation with the path that changed;
// SharedObject server endpoints use this to schedule auto-notify (§4.6).
func Track(root map[string]any, onChange func(jsonpath.Path)) *Tracker {
	if root == nil {
		root = map[string]any{}
	}
	return &Tracker{root: root, tree: pathtree.New(), onChange: onChange}
}

// Value returns the current root document. The caller must not mutate the
// returned value directly; all writes must go through Tracker methods.
func (t *Tracker) Value() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Get reads the value at path without recording a mutation.
func (t *Tracker) Get(path jsonpath.Path) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return getAt(t.root, path)
}

// Set assigns value at path, creating intermediate objects as needed, and
// records the mutation. An empty path replaces the root document; the root
// must remain a map.
func (t *Tracker) Set(path jsonpath.Path, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(path) == 0 {
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("mutation: root value must be an object, got %T", value)
		}
		t.root = m
		t.record(path)
		return nil
	}

	if err := setAt(t.root, path, value); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// Delete removes the value at path and records the mutation. Deleting a
// path that does not exist is a no-op but still reports (matching §4.3's
// "any set or delete" wording literally).
func (t *Tracker) Delete(path jsonpath.Path) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(path) == 0 {
		return fmt.Errorf("mutation: cannot delete document root")
	}
	if err := deleteAt(t.root, path); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// Push appends elements to the array at path and reports the array's own
// path once, regardless of how many elements are appended.
func (t *Tracker) Push(path jsonpath.Path, values ...any) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return 0, err
	}
	arr = append(arr, values...)
	if err := setAt(t.root, path, arr); err != nil {
		return 0, err
	}
	t.record(path)
	return len(arr), nil
}

// Pop removes and returns the last element of the array at path.
func (t *Tracker) Pop(path jsonpath.Path) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	last := arr[len(arr)-1]
	if err := setAt(t.root, path, arr[:len(arr)-1]); err != nil {
		return nil, err
	}
	t.record(path)
	return last, nil
}

// Shift removes and returns the first element of the array at path.
func (t *Tracker) Shift(path jsonpath.Path) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	first := arr[0]
	if err := setAt(t.root, path, append([]any{}, arr[1:]...)); err != nil {
		return nil, err
	}
	t.record(path)
	return first, nil
}

// Unshift prepends elements to the array at path.
func (t *Tracker) Unshift(path jsonpath.Path, values ...any) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return 0, err
	}
	out := append(append([]any{}, values...), arr...)
	if err := setAt(t.root, path, out); err != nil {
		return 0, err
	}
	t.record(path)
	return len(out), nil
}

// Splice removes count elements starting at start and inserts replacements
// in their place, mirroring the reference array mutator of the same name.
func (t *Tracker) Splice(path jsonpath.Path, start, count int, replacements ...any) ([]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > len(arr) {
		return nil, fmt.Errorf("mutation: splice start %d out of range (len %d)", start, len(arr))
	}
	end := start + count
	if end > len(arr) {
		end = len(arr)
	}
	removed := append([]any{}, arr[start:end]...)

	out := make([]any, 0, len(arr)-len(removed)+len(replacements))
	out = append(out, arr[:start]...)
	out = append(out, replacements...)
	out = append(out, arr[end:]...)

	if err := setAt(t.root, path, out); err != nil {
		return nil, err
	}
	t.record(path)
	return removed, nil
}

// Sort orders the array at path in place by less and reports once.
func (t *Tracker) Sort(path jsonpath.Path, less func(a, b any) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return err
	}
	out := append([]any{}, arr...)
	sortSlice(out, less)
	if err := setAt(t.root, path, out); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// Reverse reverses the array at path in place and reports once.
func (t *Tracker) Reverse(path jsonpath.Path) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return err
	}
	out := append([]any{}, arr...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if err := setAt(t.root, path, out); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// Fill overwrites [start,end) of the array at path with value and reports
// once.
func (t *Tracker) Fill(path jsonpath.Path, value any, start, end int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return err
	}
	if start < 0 {
		start = 0
	}
	if end > len(arr) {
		end = len(arr)
	}
	out := append([]any{}, arr...)
	for i := start; i < end; i++ {
		out[i] = value
	}
	if err := setAt(t.root, path, out); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// CopyWithin copies [start,end) of the array at path to target, in place,
// and reports once.
func (t *Tracker) CopyWithin(path jsonpath.Path, target, start, end int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr, err := t.arrayAt(path)
	if err != nil {
		return err
	}
	if end > len(arr) {
		end = len(arr)
	}
	out := append([]any{}, arr...)
	segment := append([]any{}, out[start:end]...)
	for i, v := range segment {
		idx := target + i
		if idx < 0 || idx >= len(out) {
			break
		}
		out[idx] = v
	}
	if err := setAt(t.root, path, out); err != nil {
		return err
	}
	t.record(path)
	return nil
}

// record inserts path into the pending PathTree and notifies onChange. The
// PathTree itself is the source of truth for "minimal covering set";
// onChange is fired on every call regardless of whether the tree's shape
// actually changed, since the caller (auto-notify scheduling) only cares
// that a mutation happened at all, and debounces on its own.
func (t *Tracker) record(path jsonpath.Path) {
	t.tree.Add(path)
	if t.onChange != nil {
		t.onChange(path.Clone())
	}
}

// PendingPaths returns the current minimal covering set of mutated paths
// since the last Drain.
func (t *Tracker) PendingPaths() []jsonpath.Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Paths()
}

// Drain returns the current pending paths and clears the tree, as done at
// the end of an auto-notify cycle (§4.6).
func (t *Tracker) Drain() []jsonpath.Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := t.tree.Paths()
	t.tree.Clear()
	return paths
}

func (t *Tracker) arrayAt(path jsonpath.Path) ([]any, error) {
	v, ok := getAt(t.root, path)
	if !ok {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("mutation: expected array at %s, got %T", path, v)
	}
	return arr, nil
}

func sortSlice(s []any, less func(a, b any) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func getAt(root map[string]any, path jsonpath.Path) (any, bool) {
	var cur any = root
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

func setAt(root map[string]any, path jsonpath.Path, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("mutation: empty path")
	}
	cur := root
	for i, seg := range path[:len(path)-1] {
		if seg.IsIndex {
			return fmt.Errorf("mutation: array index mid-path not supported at %s", path[:i+1])
		}
		next, ok := cur[seg.Key]
		if !ok {
			m := map[string]any{}
			cur[seg.Key] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("mutation: expected object at %s, got %T", path[:i+1], next)
		}
		cur = m
	}
	last := path[len(path)-1]
	if last.IsIndex {
		return fmt.Errorf("mutation: Set does not support a trailing array index at %s; read the array and assign it whole via its parent key", path)
	}
	cur[last.Key] = value
	return nil
}

func deleteAt(root map[string]any, path jsonpath.Path) error {
	cur := root
	for i, seg := range path[:len(path)-1] {
		if seg.IsIndex {
			return fmt.Errorf("mutation: array index mid-path not supported at %s", path[:i+1])
		}
		next, ok := cur[seg.Key]
		if !ok {
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("mutation: expected object at %s, got %T", path[:i+1], next)
		}
		cur = m
	}
	last := path[len(path)-1]
	if last.IsIndex {
		return fmt.Errorf("mutation: Delete does not support a trailing array index at %s; use Splice", path)
	}
	delete(cur, last.Key)
	return nil
}
