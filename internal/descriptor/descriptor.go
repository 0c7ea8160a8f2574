// Package descriptor defines the immutable configuration shared, by
// reference, between a Service and every Client: the transport addresses
// and the set of named endpoints and their schemas.
package descriptor

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Type is one of the four interaction patterns an Endpoint implements.
type Type string

const (
	RPC          Type = "rpc"
	PubSub       Type = "pubsub"
	PushPull     Type = "pushpull"
	SharedObject Type = "sharedobject"
)

// ReservedPrefix marks endpoint names owned by the implementation/plugins
// (spec §3, §6). User descriptors must not declare names with this prefix.
const ReservedPrefix = "_"

// Endpoint is the immutable, per-pattern configuration record. Only the
// schema fields relevant to Type are meaningful; the rest are left nil.
type Endpoint struct {
	Name string
	Type Type

	// RPC
	RequestSchema json.RawMessage
	ReplySchema   json.RawMessage

	// PubSub / PushPull
	MessageSchema json.RawMessage

	// SharedObject
	ObjectSchema json.RawMessage
	// AutoNotify defaults to true when unset; use AutoNotifyOrDefault.
	AutoNotify *bool
}

// AutoNotifyOrDefault returns e.AutoNotify or true when it was not set.
func (e Endpoint) AutoNotifyOrDefault() bool {
	if e.AutoNotify == nil {
		return true
	}
	return *e.AutoNotify
}

// Transport is the pair of addresses the Service binds and Clients dial.
type Transport struct {
	Server string // bind address, host:port
	Client string // connect address, host:port
}

// Descriptor is the full, shared, read-only configuration for one Service
// and its Clients.
type Descriptor struct {
	Transport Transport
	Endpoints []Endpoint
}

// Validate checks endpoint name uniqueness and rejects user-declared
// reserved names (names beginning with ReservedPrefix are reserved for the
// implementation and its plugins, not for user descriptors).
func (d Descriptor) Validate() error {
	seen := make(map[string]struct{}, len(d.Endpoints))
	for _, e := range d.Endpoints {
		if e.Name == "" {
			return fmt.Errorf("descriptor: endpoint with empty name")
		}
		if strings.HasPrefix(e.Name, ReservedPrefix) {
			return fmt.Errorf("descriptor: endpoint name %q uses reserved prefix %q", e.Name, ReservedPrefix)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("descriptor: duplicate endpoint name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Lookup returns the endpoint named name, including reserved ones, if present.
func (d Descriptor) Lookup(name string) (Endpoint, bool) {
	for _, e := range d.Endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return Endpoint{}, false
}

// WithReserved returns a copy of d with the given reserved endpoints
// appended. Used by the Service to register plugin endpoints (§12) without
// mutating the caller's descriptor.
func (d Descriptor) WithReserved(reserved ...Endpoint) Descriptor {
	out := Descriptor{Transport: d.Transport, Endpoints: make([]Endpoint, 0, len(d.Endpoints)+len(reserved))}
	out.Endpoints = append(out.Endpoints, d.Endpoints...)
	out.Endpoints = append(out.Endpoints, reserved...)
	return out
}

// canonical is the deterministic, order-independent projection of a
// Descriptor used for hashing (the `_descriptor` endpoint, spec §6).
type canonical struct {
	Server    string            `json:"server"`
	Client    string            `json:"client"`
	Endpoints []canonicalEntry  `json:"endpoints"`
}

type canonicalEntry struct {
	Name          string          `json:"name"`
	Type          Type            `json:"type"`
	RequestSchema json.RawMessage `json:"requestSchema,omitempty"`
	ReplySchema   json.RawMessage `json:"replySchema,omitempty"`
	MessageSchema json.RawMessage `json:"messageSchema,omitempty"`
	ObjectSchema  json.RawMessage `json:"objectSchema,omitempty"`
	AutoNotify    bool            `json:"autoNotify,omitempty"`
}

// Hash returns a stable identity for d: a FNV-1a hex digest of the
// canonicalized (name-sorted) descriptor. Two Descriptors with the same
// endpoints in different slice order hash identically.
func (d Descriptor) Hash() (string, error) {
	entries := make([]canonicalEntry, 0, len(d.Endpoints))
	for _, e := range d.Endpoints {
		entries = append(entries, canonicalEntry{
			Name:          e.Name,
			Type:          e.Type,
			RequestSchema: e.RequestSchema,
			ReplySchema:   e.ReplySchema,
			MessageSchema: e.MessageSchema,
			ObjectSchema:  e.ObjectSchema,
			AutoNotify:    e.AutoNotifyOrDefault(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	c := canonical{Server: d.Transport.Server, Client: d.Transport.Client, Endpoints: entries}
	buf, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("descriptor: canonicalize: %w", err)
	}

	h := fnv.New128a()
	_, _ = h.Write(buf)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
