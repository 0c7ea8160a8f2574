package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/sharedobject"
)

// Subscribe registers handler for a PubSub or PushPull endpoint's message
// deliveries and sends the `sub` frame. Both patterns deliver the same
// `message` frame shape on the wire, so one entry point covers both (spec
// §4.3/§4.4's shared wire format).
func (c *Client) Subscribe(ctx context.Context, name string, handler func(message any)) error {
	msgSchema, ok := c.msgSchemas[name]
	if !ok {
		return multiplexerr.New(multiplexerr.UnknownEndpoint, fmt.Sprintf("unknown pubsub/pushpull endpoint %q", name)).WithEndpoint(name)
	}

	c.mu.Lock()
	c.messageSubs[name] = &messageSub{handler: func(raw json.RawMessage) {
		var decoded any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &decoded)
		}
		decoded, _ = msgSchema.ValidateAndParseDates(decoded)
		handler(decoded)
	}}
	c.mu.Unlock()

	return c.sendSub(ctx, name)
}

// SubscribeSharedObject subscribes to a SharedObject endpoint, returning a
// Replica that tracks its replicated state. It blocks until the first init
// frame arrives or InitTimeout elapses (spec §4.7's init-before-data
// guarantee).
func (c *Client) SubscribeSharedObject(ctx context.Context, name string, onEvent func(sharedobject.Event)) (*sharedobject.Replica, error) {
	ready := make(chan struct{}, 1)
	wrapped := func(ev sharedobject.Event) {
		if ev.Kind == sharedobject.EventInit {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	replica := sharedobject.NewReplica(name, wrapped)
	replica.Subscribing()

	c.mu.Lock()
	c.replicas[name] = replica
	c.mu.Unlock()

	if err := c.sendSub(ctx, name); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()
	select {
	case <-ready:
		return replica, nil
	case <-initCtx.Done():
		return nil, multiplexerr.New(multiplexerr.Timeout, fmt.Sprintf("sharedobject[%s]: init not received within timeout", name)).WithEndpoint(name)
	}
}

// Unsubscribe tears down a subscription of any type and sends the `unsub`
// frame.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.messageSubs, name)
	if r, ok := c.replicas[name]; ok {
		r.Unsubscribe()
		delete(c.replicas, name)
	}
	c.mu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return nil
	}
	f := frame.SubFrame{Type: frame.Unsub, Endpoint: name}
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("client: encode unsub: %w", err)
	}
	return conn.WriteMessage(ctx, encoded)
}

func (c *Client) sendSub(ctx context.Context, name string) error {
	conn := c.currentConn()
	if conn == nil {
		return multiplexerr.New(multiplexerr.ConnectionFailed, "not connected").WithEndpoint(name)
	}
	f := frame.SubFrame{Type: frame.Sub, Endpoint: name}
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("client: encode sub: %w", err)
	}
	if err := conn.WriteMessage(ctx, encoded); err != nil {
		return multiplexerr.Wrap(multiplexerr.ConnectionFailed, "sub write failed", err).WithEndpoint(name)
	}
	return nil
}

// replaySubscriptions re-sends `sub` for every endpoint the caller was
// subscribed to before a disconnect, and flips every SharedObject replica
// back to AwaitingInit so the server's fresh init frame is accepted (spec
// §4.7/§4.8's "Subscription replay").
func (c *Client) replaySubscriptions(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.messageSubs)+len(c.replicas))
	for name := range c.messageSubs {
		names = append(names, name)
	}
	for name, r := range c.replicas {
		r.Disconnected(true)
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if err := c.sendSub(ctx, name); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", name).Msg("subscription replay failed")
		}
	}
}
