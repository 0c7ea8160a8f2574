// Package diffengine is the Diff Engine (spec §4.2, C2): it computes a
// structural delta between two generic JSON-shaped values and applies a
// delta back to a value. Both operations are pure — neither mutates its
// inputs.
//
// No off-the-shelf Go structural-diff library (r3labs/diff, wI2L/jsondiff)
// produces this spec's tagged N/D/E/A node shape with hint-rooted
// sub-diffing and embedded $dates annotations; adopting one would mean
// discarding its own output format and re-deriving this structure by hand
// regardless, so the comparison and patch algorithms here are hand-rolled,
// grounded on the recursive compare/apply style of the teacher's mutation
// path naming (`ws/internal/shared/connection.go`'s SubscriptionSet/path
// terminology) and the offline-sync cursor model in
// `other_examples/.../go-mizu-mizu__view-sync-sync.go.go`.
package diffengine

import (
	"sort"

	"github.com/adred-codev/multiplex/internal/jsonpath"
)

// Kind tags a Diff node per spec §3.
type Kind string

const (
	NewNode     Kind = "N"
	DeletedNode Kind = "D"
	EditedNode  Kind = "E"
	ArrayNode   Kind = "A"
)

// Diff is one tagged change record. Path is always the full path from the
// document root. Dates lists paths inside RHS (relative to RHS itself)
// that must be rehydrated from ISO string to timestamp on Apply.
type Diff struct {
	Kind  Kind
	Path  jsonpath.Path
	RHS   any
	LHS   any
	Index int
	Item  []Diff
	Dates []jsonpath.Path
}

// Diffs computes the structural delta from lhs to rhs. When hint is
// non-empty, only the subtree at hint is compared; resulting nodes carry
// the full path including the hint prefix. If hint leads into a key
// present on exactly one side, a single N or D is emitted at the hint root
// and no further subtree comparison happens. dateTemplates are the
// schema-derived date path templates (with "*"/"#" wildcards) used to tag
// $dates on every N/E/insert-side-of-A node.
func Diffs(lhs, rhs any, hint jsonpath.Path, dateTemplates []jsonpath.Path) []Diff {
	lv, lok := getAtPath(lhs, hint)
	rv, rok := getAtPath(rhs, hint)

	switch {
	case !lok && !rok:
		return nil
	case lok && !rok:
		return []Diff{{Kind: DeletedNode, Path: hint, LHS: lv}}
	case !lok && rok:
		return []Diff{{Kind: NewNode, Path: hint, RHS: rv, Dates: datesWithin(rv, hint, dateTemplates)}}
	default:
		return compare(hint, lv, rv, dateTemplates)
	}
}

func compare(path jsonpath.Path, lv, rv any, dateTemplates []jsonpath.Path) []Diff {
	if deepEqual(lv, rv) {
		return nil
	}

	lm, lIsMap := lv.(map[string]any)
	rm, rIsMap := rv.(map[string]any)
	if lIsMap && rIsMap {
		return compareMaps(path, lm, rm, dateTemplates)
	}

	la, lIsArr := lv.([]any)
	ra, rIsArr := rv.([]any)
	if lIsArr && rIsArr {
		return compareArrays(path, la, ra, dateTemplates)
	}

	return []Diff{{
		Kind: EditedNode, Path: path, LHS: lv, RHS: rv,
		Dates: datesWithin(rv, path, dateTemplates),
	}}
}

func compareMaps(path jsonpath.Path, lm, rm map[string]any, dateTemplates []jsonpath.Path) []Diff {
	keys := make([]string, 0, len(lm)+len(rm))
	seen := make(map[string]struct{}, len(lm)+len(rm))
	for k := range lm {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
			seen[k] = struct{}{}
		}
	}
	for k := range rm {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
			seen[k] = struct{}{}
		}
	}
	sort.Strings(keys)

	var out []Diff
	for _, k := range keys {
		childPath := path.Append(jsonpath.Key(k))
		lv, lok := lm[k]
		rv, rok := rm[k]
		switch {
		case lok && !rok:
			out = append(out, Diff{Kind: DeletedNode, Path: childPath, LHS: lv})
		case !lok && rok:
			out = append(out, Diff{Kind: NewNode, Path: childPath, RHS: rv, Dates: datesWithin(rv, childPath, dateTemplates)})
		default:
			out = append(out, compare(childPath, lv, rv, dateTemplates)...)
		}
	}
	return out
}

func compareArrays(path jsonpath.Path, la, ra []any, dateTemplates []jsonpath.Path) []Diff {
	var out []Diff

	n := len(la)
	if len(ra) < n {
		n = len(ra)
	}
	for i := 0; i < n; i++ {
		itemPath := path.Append(jsonpath.Index(i))
		nested := compare(itemPath, la[i], ra[i], dateTemplates)
		if len(nested) > 0 {
			out = append(out, Diff{Kind: ArrayNode, Path: path, Index: i, Item: nested})
		}
	}

	for i := n; i < len(ra); i++ {
		itemPath := path.Append(jsonpath.Index(i))
		out = append(out, Diff{
			Kind: ArrayNode, Path: path, Index: i,
			Item: []Diff{{Kind: NewNode, Path: itemPath, RHS: ra[i], Dates: datesWithin(ra[i], itemPath, dateTemplates)}},
		})
	}

	// Deletions are appended highest-index-first, by construction, so a
	// reinjected diff sequence can be applied without index shifting
	// corrupting later deletions in the same array.
	for i := len(la) - 1; i >= n; i-- {
		itemPath := path.Append(jsonpath.Index(i))
		out = append(out, Diff{
			Kind: ArrayNode, Path: path, Index: i,
			Item: []Diff{{Kind: DeletedNode, Path: itemPath, LHS: la[i]}},
		})
	}

	return out
}

// datesWithin returns, relative to rhsValue, every path at which
// dateTemplates says a date lives, for the subtree rooted at base.
func datesWithin(rhsValue any, base jsonpath.Path, dateTemplates []jsonpath.Path) []jsonpath.Path {
	if len(dateTemplates) == 0 {
		return nil
	}
	var out []jsonpath.Path
	var walk func(node any, rel jsonpath.Path)
	walk = func(node any, rel jsonpath.Path) {
		if base.Concat(rel).MatchesAny(dateTemplates) {
			out = append(out, rel.Clone())
			return
		}
		switch v := node.(type) {
		case map[string]any:
			for k, sub := range v {
				walk(sub, rel.Append(jsonpath.Key(k)))
			}
		case []any:
			for i, sub := range v {
				walk(sub, rel.Append(jsonpath.Index(i)))
			}
		}
	}
	walk(rhsValue, nil)
	return out
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !deepEqual(v, bv2) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
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
