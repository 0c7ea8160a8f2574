package pathtree

import (
	"sort"
	"testing"

	"github.com/adred-codev/multiplex/internal/jsonpath"
)

func normalize(paths []jsonpath.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

func TestParentSubsumesDescendant(t *testing.T) {
	tr := New()
	tr.Add(jsonpath.Path{jsonpath.Key("a"), jsonpath.Key("b")})
	tr.Add(jsonpath.Path{jsonpath.Key("a")})

	got := normalize(tr.Paths())
	want := []string{"a"}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDescendantInsertAfterAncestorIsNoOp(t *testing.T) {
	tr := New()
	tr.Add(jsonpath.Path{jsonpath.Key("a")})
	tr.Add(jsonpath.Path{jsonpath.Key("a"), jsonpath.Key("b")})

	got := normalize(tr.Paths())
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected descendant insert to be a no-op, got %v", got)
	}
}

func TestMinimalityAfterManyInserts(t *testing.T) {
	tr := New()
	paths := []jsonpath.Path{
		{jsonpath.Key("x"), jsonpath.Key("y")},
		{jsonpath.Key("x"), jsonpath.Key("z")},
		{jsonpath.Key("x")},
		{jsonpath.Key("w"), jsonpath.Index(0)},
	}
	for _, p := range paths {
		tr.Add(p)
	}

	endpoints := tr.Paths()
	for i, a := range endpoints {
		for j, b := range endpoints {
			if i == j {
				continue
			}
			if b.HasPrefix(a) {
				t.Fatalf("endpoint %v is a strict extension of %v", b, a)
			}
		}
	}
}

func TestPermutationInvariance(t *testing.T) {
	inserts := []jsonpath.Path{
		{jsonpath.Key("a"), jsonpath.Key("b")},
		{jsonpath.Key("c")},
		{jsonpath.Key("a"), jsonpath.Key("d")},
	}

	orderA := New()
	for _, p := range inserts {
		orderA.Add(p)
	}

	orderB := New()
	for i := len(inserts) - 1; i >= 0; i-- {
		orderB.Add(inserts[i])
	}

	gotA := normalize(orderA.Paths())
	gotB := normalize(orderB.Paths())
	if len(gotA) != len(gotB) {
		t.Fatalf("order-dependent result: %v vs %v", gotA, gotB)
	}
	for i := range gotA {
		if gotA[i] != gotB[i] {
			t.Fatalf("order-dependent result: %v vs %v", gotA, gotB)
		}
	}
}

func TestClear(t *testing.T) {
	tr := New()
	tr.Add(jsonpath.Path{jsonpath.Key("a")})
	tr.Clear()
	if !tr.Empty() {
		t.Fatalf("expected empty tree after Clear")
	}
}
