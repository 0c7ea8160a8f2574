package mutation

import (
	"testing"

	"github.com/adred-codev/multiplex/internal/jsonpath"
)

func TestSetRecordsPathAndCoalesces(t *testing.T) {
	var notified []jsonpath.Path
	tr := Track(map[string]any{}, func(p jsonpath.Path) {
		notified = append(notified, p)
	})

	if err := tr.Set(jsonpath.Path{jsonpath.Key("user"), jsonpath.Key("name")}, "alice"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.Set(jsonpath.Path{jsonpath.Key("user"), jsonpath.Key("age")}, 30); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.Set(jsonpath.Path{jsonpath.Key("user")}, map[string]any{"name": "bob"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if len(notified) != 3 {
		t.Fatalf("expected 3 onChange calls, got %d", len(notified))
	}

	pending := tr.PendingPaths()
	if len(pending) != 1 || pending[0].String() != "user" {
		t.Fatalf("expected coalesced endpoint [user], got %v", pending)
	}

	v, ok := tr.Get(jsonpath.Path{jsonpath.Key("user"), jsonpath.Key("name")})
	if !ok || v != "bob" {
		t.Fatalf("expected user.name == bob, got %v (ok=%v)", v, ok)
	}
}

func TestDeleteRecordsPath(t *testing.T) {
	tr := Track(map[string]any{"a": 1, "b": 2}, nil)
	if err := tr.Delete(jsonpath.Path{jsonpath.Key("a")}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := tr.Get(jsonpath.Path{jsonpath.Key("a")}); ok {
		t.Fatalf("expected a to be deleted")
	}
	pending := tr.PendingPaths()
	if len(pending) != 1 || pending[0].String() != "a" {
		t.Fatalf("expected [a], got %v", pending)
	}
}

func TestDrainClearsPending(t *testing.T) {
	tr := Track(map[string]any{}, nil)
	_ = tr.Set(jsonpath.Path{jsonpath.Key("x")}, 1)

	drained := tr.Drain()
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained path, got %d", len(drained))
	}
	if len(tr.PendingPaths()) != 0 {
		t.Fatalf("expected pending tree empty after drain")
	}
}

func TestPushReportsOncePerCall(t *testing.T) {
	var count int
	tr := Track(map[string]any{"tags": []any{"a"}}, func(jsonpath.Path) { count++ })

	n, err := tr.Push(jsonpath.Path{jsonpath.Key("tags")}, "b", "c", "d")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected length 4, got %d", n)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 onChange for a multi-value push, got %d", count)
	}
}

func TestPopShiftUnshift(t *testing.T) {
	tr := Track(map[string]any{"tags": []any{"a", "b", "c"}}, nil)

	last, err := tr.Pop(jsonpath.Path{jsonpath.Key("tags")})
	if err != nil || last != "c" {
		t.Fatalf("pop: got %v, err %v", last, err)
	}

	first, err := tr.Shift(jsonpath.Path{jsonpath.Key("tags")})
	if err != nil || first != "a" {
		t.Fatalf("shift: got %v, err %v", first, err)
	}

	n, err := tr.Unshift(jsonpath.Path{jsonpath.Key("tags")}, "z")
	if err != nil || n != 2 {
		t.Fatalf("unshift: got %d, err %v", n, err)
	}

	v, _ := tr.Get(jsonpath.Path{jsonpath.Key("tags")})
	arr := v.([]any)
	if len(arr) != 2 || arr[0] != "z" || arr[1] != "b" {
		t.Fatalf("unexpected final array: %v", arr)
	}
}

func TestSplice(t *testing.T) {
	tr := Track(map[string]any{"tags": []any{"a", "b", "c", "d"}}, nil)

	removed, err := tr.Splice(jsonpath.Path{jsonpath.Key("tags")}, 1, 2, "x", "y", "z")
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if len(removed) != 2 || removed[0] != "b" || removed[1] != "c" {
		t.Fatalf("unexpected removed: %v", removed)
	}

	v, _ := tr.Get(jsonpath.Path{jsonpath.Key("tags")})
	arr := v.([]any)
	want := []any{"a", "x", "y", "z", "d"}
	if len(arr) != len(want) {
		t.Fatalf("got %v, want %v", arr, want)
	}
	for i := range want {
		if arr[i] != want[i] {
			t.Fatalf("got %v, want %v", arr, want)
		}
	}
}

func TestSortAndReverse(t *testing.T) {
	tr := Track(map[string]any{"nums": []any{3, 1, 2}}, nil)

	less := func(a, b any) bool { return a.(int) < b.(int) }
	if err := tr.Sort(jsonpath.Path{jsonpath.Key("nums")}, less); err != nil {
		t.Fatalf("sort: %v", err)
	}
	v, _ := tr.Get(jsonpath.Path{jsonpath.Key("nums")})
	arr := v.([]any)
	if arr[0] != 1 || arr[1] != 2 || arr[2] != 3 {
		t.Fatalf("expected sorted [1 2 3], got %v", arr)
	}

	if err := tr.Reverse(jsonpath.Path{jsonpath.Key("nums")}); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	v, _ = tr.Get(jsonpath.Path{jsonpath.Key("nums")})
	arr = v.([]any)
	if arr[0] != 3 || arr[1] != 2 || arr[2] != 1 {
		t.Fatalf("expected reversed [3 2 1], got %v", arr)
	}
}

func TestReadDoesNotRecord(t *testing.T) {
	var count int
	tr := Track(map[string]any{"a": 1}, func(jsonpath.Path) { count++ })
	_, _ = tr.Get(jsonpath.Path{jsonpath.Key("a")})
	if count != 0 {
		t.Fatalf("expected reads not to trigger onChange, got %d calls", count)
	}
}
