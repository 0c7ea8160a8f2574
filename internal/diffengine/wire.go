package diffengine

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/multiplex/internal/jsonpath"
)

// wireDiff is the JSON projection of a Diff node sent inside an update
// frame's "diffs" field (spec §3's Diff Node, §4.2's $dates annotation).
// Field presence follows Kind: N carries rhs, D carries lhs, E carries
// both, A carries index+item and no lhs/rhs of its own.
type wireDiff struct {
	Kind  Kind            `json:"kind"`
	Path  jsonpath.Path   `json:"path"`
	RHS   json.RawMessage `json:"rhs,omitempty"`
	LHS   json.RawMessage `json:"lhs,omitempty"`
	Index *int            `json:"index,omitempty"`
	Item  []wireDiff      `json:"item,omitempty"`
	Dates []jsonpath.Path `json:"dates,omitempty"`
}

// MarshalDiffs renders diffs as the JSON array carried in an update frame's
// "diffs" field.
func MarshalDiffs(diffs []Diff) (json.RawMessage, error) {
	wire, err := toWire(diffs)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("diffengine: marshal diffs: %w", err)
	}
	return raw, nil
}

// UnmarshalDiffs parses an update frame's "diffs" field back into []Diff.
func UnmarshalDiffs(raw json.RawMessage) ([]Diff, error) {
	var wire []wireDiff
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("diffengine: unmarshal diffs: %w", err)
	}
	return fromWire(wire)
}

func toWire(diffs []Diff) ([]wireDiff, error) {
	out := make([]wireDiff, len(diffs))
	for i, d := range diffs {
		w := wireDiff{Kind: d.Kind, Path: d.Path, Dates: d.Dates}
		switch d.Kind {
		case NewNode:
			raw, err := json.Marshal(d.RHS)
			if err != nil {
				return nil, fmt.Errorf("diffengine: marshal rhs at %s: %w", d.Path, err)
			}
			w.RHS = raw
		case DeletedNode:
			raw, err := json.Marshal(d.LHS)
			if err != nil {
				return nil, fmt.Errorf("diffengine: marshal lhs at %s: %w", d.Path, err)
			}
			w.LHS = raw
		case EditedNode:
			rhs, err := json.Marshal(d.RHS)
			if err != nil {
				return nil, fmt.Errorf("diffengine: marshal rhs at %s: %w", d.Path, err)
			}
			lhs, err := json.Marshal(d.LHS)
			if err != nil {
				return nil, fmt.Errorf("diffengine: marshal lhs at %s: %w", d.Path, err)
			}
			w.RHS, w.LHS = rhs, lhs
		case ArrayNode:
			idx := d.Index
			w.Index = &idx
			item, err := toWire(d.Item)
			if err != nil {
				return nil, err
			}
			w.Item = item
		}
		out[i] = w
	}
	return out, nil
}

func fromWire(wire []wireDiff) ([]Diff, error) {
	out := make([]Diff, len(wire))
	for i, w := range wire {
		d := Diff{Kind: w.Kind, Path: w.Path, Dates: w.Dates}
		switch w.Kind {
		case NewNode:
			if err := unmarshalInto(w.RHS, &d.RHS); err != nil {
				return nil, err
			}
		case DeletedNode:
			if err := unmarshalInto(w.LHS, &d.LHS); err != nil {
				return nil, err
			}
		case EditedNode:
			if err := unmarshalInto(w.RHS, &d.RHS); err != nil {
				return nil, err
			}
			if err := unmarshalInto(w.LHS, &d.LHS); err != nil {
				return nil, err
			}
		case ArrayNode:
			if w.Index != nil {
				d.Index = *w.Index
			}
			item, err := fromWire(w.Item)
			if err != nil {
				return nil, err
			}
			d.Item = item
		default:
			return nil, fmt.Errorf("diffengine: unknown diff kind %q", w.Kind)
		}
		out[i] = d
	}
	return out, nil
}

func unmarshalInto(raw json.RawMessage, dst *any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("diffengine: unmarshal diff value: %w", err)
	}
	return nil
}
