package diffengine

import (
	"fmt"
	"sort"

	"github.com/adred-codev/multiplex/internal/jsonpath"
)

// Apply returns a new value with diffs applied to value. Array deletions
// are applied highest-index-first (within each array independently) so
// that earlier deletions never shift the index of a later one; insertions
// and edits are then applied in the order Diffs produced them. $dates
// annotations are rehydrated (ISO string -> time.Time) as part of
// applying each N/E node, since diffs travel as JSON and lose native date
// types in transit.
func Apply(value any, diffs []Diff) (any, error) {
	leaves := flatten(diffs)

	deletions := make([]Diff, 0, len(leaves))
	others := make([]Diff, 0, len(leaves))
	for _, d := range leaves {
		if d.Kind == DeletedNode {
			deletions = append(deletions, d)
			continue
		}
		others = append(others, d)
	}

	sort.SliceStable(deletions, func(i, j int) bool {
		pi, pj := deletions[i].Path, deletions[j].Path
		if len(pi) == 0 || len(pj) == 0 {
			return len(pi) > len(pj)
		}
		lastI, lastJ := pi[len(pi)-1], pj[len(pj)-1]
		if lastI.IsIndex && lastJ.IsIndex && pi[:len(pi)-1].Equal(pj[:len(pj)-1]) {
			return lastI.Index > lastJ.Index
		}
		return false
	})

	out := value
	var err error
	for _, d := range deletions {
		if out, err = deleteAtPath(out, d.Path); err != nil {
			return nil, fmt.Errorf("diffengine: apply delete %s: %w", d.Path, err)
		}
	}
	for _, d := range others {
		switch d.Kind {
		case NewNode, EditedNode:
			rhs := rehydrate(d.RHS, d.Dates)
			if out, err = setAtPath(out, d.Path, rhs); err != nil {
				return nil, fmt.Errorf("diffengine: apply %s %s: %w", d.Kind, d.Path, err)
			}
		}
	}
	return out, nil
}

// flatten unwraps ArrayNode items (which already carry fully-qualified
// absolute paths, per Diffs) into a plain list of leaf N/D/E nodes.
func flatten(diffs []Diff) []Diff {
	var out []Diff
	for _, d := range diffs {
		if d.Kind == ArrayNode {
			out = append(out, flatten(d.Item)...)
			continue
		}
		out = append(out, d)
	}
	return out
}

func rehydrate(rhs any, dates []jsonpath.Path) any {
	if len(dates) == 0 {
		return rhs
	}
	return jsonpath.TransformAtPaths(rhs, dates, jsonpath.ISOToTimeLeaf)
}

func setAtPath(value any, path jsonpath.Path, leaf any) (any, error) {
	if len(path) == 0 {
		return leaf, nil
	}
	return setAt(value, path, leaf)
}

func setAt(node any, path jsonpath.Path, leaf any) (any, error) {
	seg := path[0]
	rest := path[1:]

	if seg.IsIndex {
		arr, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array at %v, got %T", seg, node)
		}
		out := append(append([]any{}, arr...))
		switch {
		case seg.Index == len(out):
			if len(rest) == 0 {
				out = append(out, leaf)
				return out, nil
			}
			return nil, fmt.Errorf("cannot descend into new array element at index %d", seg.Index)
		case seg.Index >= 0 && seg.Index < len(out):
			if len(rest) == 0 {
				out[seg.Index] = leaf
				return out, nil
			}
			child, err := setAt(out[seg.Index], rest, leaf)
			if err != nil {
				return nil, err
			}
			out[seg.Index] = child
			return out, nil
		default:
			return nil, fmt.Errorf("array index %d out of range (len %d)", seg.Index, len(out))
		}
	}

	m, ok := node.(map[string]any)
	if !ok {
		if node == nil {
			m = map[string]any{}
		} else {
			return nil, fmt.Errorf("expected object at %q, got %T", seg.Key, node)
		}
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if len(rest) == 0 {
		out[seg.Key] = leaf
		return out, nil
	}
	child, err := setAt(out[seg.Key], rest, leaf)
	if err != nil {
		return nil, err
	}
	out[seg.Key] = child
	return out, nil
}

func deleteAtPath(value any, path jsonpath.Path) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("cannot delete document root")
	}
	return deleteAt(value, path)
}

func deleteAt(node any, path jsonpath.Path) (any, error) {
	seg := path[0]
	rest := path[1:]

	if seg.IsIndex {
		arr, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array at %v, got %T", seg, node)
		}
		if seg.Index < 0 || seg.Index >= len(arr) {
			return nil, fmt.Errorf("array index %d out of range (len %d)", seg.Index, len(arr))
		}
		if len(rest) == 0 {
			out := make([]any, 0, len(arr)-1)
			out = append(out, arr[:seg.Index]...)
			out = append(out, arr[seg.Index+1:]...)
			return out, nil
		}
		out := append([]any{}, arr...)
		child, err := deleteAt(out[seg.Index], rest)
		if err != nil {
			return nil, err
		}
		out[seg.Index] = child
		return out, nil
	}

	m, ok := node.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object at %q, got %T", seg.Key, node)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	if len(rest) == 0 {
		delete(out, seg.Key)
		return out, nil
	}
	child, err := deleteAt(out[seg.Key], rest)
	if err != nil {
		return nil, err
	}
	out[seg.Key] = child
	return out, nil
}
