// Package client is the Client side of the library: per-connection RPC
// correlation (C4), subscription replay and SharedObject replicas (C7),
// and the heartbeat watchdog / reconnector (C8).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/heartbeat"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/schema"
	"github.com/adred-codev/multiplex/internal/sharedobject"
	"github.com/adred-codev/multiplex/internal/transport"
	"github.com/rs/zerolog"
)

// Options configures Client timing. DefaultOptions returns sane defaults;
// New uses the values as given and does not replace zero fields.
type Options struct {
	InitTimeout    time.Duration
	RPCTimeout     time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultOptions returns the Options a bare client needs.
func DefaultOptions() Options {
	return Options{
		InitTimeout: 10 * time.Second,
		RPCTimeout:  10 * time.Second,
		BackoffBase: 1 * time.Second,
		BackoffMax:  30 * time.Second,
	}
}

type pendingRPC struct {
	done chan rpcResult
}

type rpcResult struct {
	res json.RawMessage
	err *multiplexerr.Wire
}

// messageSub is a client-side PubSub/PushPull subscription: both patterns
// deliver the same `message` frame shape, so one handler type covers both.
type messageSub struct {
	handler func(json.RawMessage)
}

// Client is the client half of the library (spec §6's "construct, get
// typed accessors per endpoint, subscribe/unsubscribe, call, close").
type Client struct {
	d      descriptor.Descriptor
	opts   Options
	logger zerolog.Logger
	dialer transport.Dialer

	rpcRequestSchemas map[string]*schema.Schema
	rpcReplySchemas   map[string]*schema.Schema
	msgSchemas        map[string]*schema.Schema

	mu         sync.Mutex
	t          transport.Conn
	nextRPCID  int64
	pending    map[int64]*pendingRPC
	messageSubs map[string]*messageSub
	replicas   map[string]*sharedobject.Replica
	closed     bool

	watchdog    *heartbeat.Watchdog
	backoff     *heartbeat.Backoff
	reconnector *heartbeat.Reconnector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Client for d. It compiles every endpoint's schemas
// up front so Call/Subscribe validate before ever touching the wire.
func New(d descriptor.Descriptor, opts Options, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		d:                 d,
		opts:              opts,
		logger:            logger.With().Str("component", "client").Logger(),
		dialer:            transport.WSDialer{},
		rpcRequestSchemas: make(map[string]*schema.Schema),
		rpcReplySchemas:   make(map[string]*schema.Schema),
		msgSchemas:        make(map[string]*schema.Schema),
		pending:           make(map[int64]*pendingRPC),
		messageSubs:       make(map[string]*messageSub),
		replicas:          make(map[string]*sharedobject.Replica),
	}
	for _, e := range d.Endpoints {
		switch e.Type {
		case descriptor.RPC:
			reqSchema, err := schema.Compile(e.RequestSchema)
			if err != nil {
				return nil, fmt.Errorf("client: compile requestSchema for %q: %w", e.Name, err)
			}
			repSchema, err := schema.Compile(e.ReplySchema)
			if err != nil {
				return nil, fmt.Errorf("client: compile replySchema for %q: %w", e.Name, err)
			}
			c.rpcRequestSchemas[e.Name] = reqSchema
			c.rpcReplySchemas[e.Name] = repSchema
		case descriptor.PubSub, descriptor.PushPull:
			msgSchema, err := schema.Compile(e.MessageSchema)
			if err != nil {
				return nil, fmt.Errorf("client: compile messageSchema for %q: %w", e.Name, err)
			}
			c.msgSchemas[e.Name] = msgSchema
		}
	}

	c.backoff = heartbeat.NewBackoff(opts.BackoffBase, opts.BackoffMax)
	c.reconnector = heartbeat.NewReconnector(c.backoff)
	c.watchdog = heartbeat.NewWatchdog(c.onHeartbeatTimeout)
	return c, nil
}

// SetDialer overrides the transport dialer (used by tests to inject an
// in-process transport.PipeListener-backed dialer instead of a real
// WebSocket).
func (c *Client) SetDialer(d transport.Dialer) { c.dialer = d }

// Connect dials the server and starts the read loop. ctx's lifetime bounds
// the client's background goroutines (read loop, watchdog, reconnector).
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c.dial(c.ctx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx, c.d.Transport.Client)
	if err != nil {
		return multiplexerr.Wrap(multiplexerr.ConnectionFailed, "dial failed", err)
	}
	c.mu.Lock()
	c.t = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) currentConn() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Close aborts all pending RPCs, stops the watchdog and any in-flight
// reconnect, and closes the transport (spec §5's client close()).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.t
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.watchdog.Stop()
	c.failAllPending(multiplexerr.New(multiplexerr.ConnectionFailed, "client closed"))

	if t != nil {
		_ = t.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) failAllPending(cause *multiplexerr.Error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRPC)
	c.mu.Unlock()

	wire := cause.ToWire()
	for _, p := range pending {
		select {
		case p.done <- rpcResult{err: &wire}:
		default:
		}
	}
}
