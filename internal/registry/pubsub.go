package registry

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/schema"
)

// PubSub is the server-side state for one PubSub endpoint (spec §4.5):
// fire-and-forget fan-out to every currently subscribed connection, no ack.
type PubSub struct {
	name          string
	messageSchema *schema.Schema
	subs          *SubscriptionIndex
}

// NewPubSub constructs a PubSub endpoint engine bound to name's message
// schema, broadcasting through subs (normally the registry's shared
// per-endpoint SubscriptionIndex).
func NewPubSub(name string, messageSchema *schema.Schema, subs *SubscriptionIndex) *PubSub {
	return &PubSub{name: name, messageSchema: messageSchema, subs: subs}
}

// Send validates message, serializes its dates, frames it, and delivers it
// to every connection currently subscribed to this endpoint.
func (p *PubSub) Send(message any) error {
	validated, err := p.messageSchema.Validate(message)
	if err != nil {
		return err
	}
	serialized := p.messageSchema.SerializeDates(validated)

	raw, err := json.Marshal(serialized)
	if err != nil {
		return fmt.Errorf("pubsub[%s]: marshal message: %w", p.name, err)
	}

	f := frame.MessageFrame{Type: frame.Message, Endpoint: p.name, Message: raw}
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("pubsub[%s]: encode frame: %w", p.name, err)
	}

	p.subs.Broadcast(p.name, encoded)
	return nil
}

// Subscribe adds c to this endpoint's subscriber set.
func (p *PubSub) Subscribe(c Conn) { p.subs.Add(p.name, c) }

// Unsubscribe removes c from this endpoint's subscriber set.
func (p *PubSub) Unsubscribe(c Conn) { p.subs.Remove(p.name, c) }
