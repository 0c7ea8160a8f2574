// Package jsonpath provides the path representation shared by the schema,
// diff, and mutation-tracking components: a sequence of segments from a
// document root, each either an object key or an array index.
package jsonpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wildcard markers used in schema-derived date paths (spec §4.1): "*"
// stands for any dynamic object key, "#" for any array element.
const (
	WildcardKey   = "*"
	WildcardIndex = "#"
)

// Segment is one step of a Path: either an object key or an array index,
// or (in a date-path template) one of the wildcard markers above.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key builds an object-key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index builds an array-index segment.
func Index(i int) Segment { return Segment{Index: i, IsIndex: true} }

// IsWildcardKey reports whether s is the "*" dynamic-key wildcard.
func (s Segment) IsWildcardKey() bool { return !s.IsIndex && s.Key == WildcardKey }

// IsWildcardIndex reports whether s is the "#" array-element wildcard.
func (s Segment) IsWildcardIndex() bool { return !s.IsIndex && s.Key == WildcardIndex }

func (s Segment) String() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}
	return s.Key
}

// MarshalJSON renders a Segment the way the wire protocol does: an array
// index as a JSON number, an object key (or wildcard marker) as a string.
// This lets a Path round-trip as the plain heterogeneous array spec §3
// describes, with no struct wrapper visible on the wire.
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.IsIndex {
		return json.Marshal(s.Index)
	}
	return json.Marshal(s.Key)
}

// UnmarshalJSON accepts either a JSON number (array index) or string
// (object key / wildcard marker), mirroring MarshalJSON.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var asNumber float64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*s = Index(int(asNumber))
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*s = Key(asString)
		return nil
	}
	return fmt.Errorf("jsonpath: segment must be a string or number, got %s", data)
}

// Path is an ordered sequence of Segments from the document root.
type Path []Segment

// String renders a Path as a dotted/bracketed debug string, e.g. "a.b[2].c".
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Append returns a new Path with seg appended, without mutating p.
func (p Path) Append(seg Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Concat returns a new Path with suffix appended after p, without mutating
// either operand.
func (p Path) Concat(suffix Path) Path {
	out := make(Path, len(p), len(p)+len(suffix))
	copy(out, p)
	return append(out, suffix...)
}

// HasPrefix reports whether p begins with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, s := range prefix {
		if p[i] != s {
			return false
		}
	}
	return true
}

// Equal reports structural equality between two Paths.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// MatchesTemplate reports whether the concrete path p matches a (possibly
// wildcard-bearing) date-path template t, segment by segment.
func (p Path) MatchesTemplate(t Path) bool {
	if len(p) != len(t) {
		return false
	}
	for i, seg := range t {
		switch {
		case seg.IsWildcardKey():
			if p[i].IsIndex {
				return false
			}
		case seg.IsWildcardIndex():
			if !p[i].IsIndex {
				return false
			}
		default:
			if p[i] != seg {
				return false
			}
		}
	}
	return true
}

// MatchesAny reports whether p matches any of the given templates.
func (p Path) MatchesAny(templates []Path) bool {
	for _, t := range templates {
		if p.MatchesTemplate(t) {
			return true
		}
	}
	return false
}

// TransformAtPaths copies the spine of value (maps/slices get a shallow
// copy at every level) and applies fn to every leaf whose absolute path
// matches one of paths. Used both for schema date serialization (C1) and
// for diff $dates rehydration (C2) so the two components share one walk.
func TransformAtPaths(value any, paths []Path, fn func(any) any) any {
	if len(paths) == 0 {
		return value
	}
	return transformAt(value, nil, paths, fn)
}

func transformAt(node any, path Path, paths []Path, fn func(any) any) any {
	if path.MatchesAny(paths) {
		return fn(node)
	}
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, sub := range v {
			out[k] = transformAt(sub, path.Append(Key(k)), paths, fn)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, sub := range v {
			out[i] = transformAt(sub, path.Append(Index(i)), paths, fn)
		}
		return out
	default:
		return node
	}
}

// TimeToISOLeaf converts a time.Time leaf to its RFC3339Nano string form;
// any other value passes through unchanged.
func TimeToISOLeaf(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// ISOToTimeLeaf converts a string leaf parseable as a date or date-time
// into a time.Time; any other value (or unparseable string) passes through
// unchanged.
func ISOToTimeLeaf(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return v
}
