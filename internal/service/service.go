// Package service is the Service side of the library: it wires the
// Server Endpoint Registry (C5), the SharedObject server engine (C6), the
// heartbeat controller (C8), and Handler Dispatch (C9) onto one
// transport.Listener, running the per-connection read loop that routes
// inbound frames by type (spec §4.4's mux).
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/heartbeat"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/registry"
	"github.com/adred-codev/multiplex/internal/schema"
	"github.com/adred-codev/multiplex/internal/sharedobject"
	"github.com/adred-codev/multiplex/internal/transport"
	"github.com/rs/zerolog"
)

var errSlowConsumer = errors.New("service: outbound buffer full")

// Options configures timing and capacity knobs not carried by the
// Descriptor itself (spec's Transport Configuration only names addresses).
type Options struct {
	HeartbeatMs        int64
	RPCTimeout         time.Duration
	PushPullQueueCap   int
	RPCRateLimitPerSec float64
	RPCRateLimitBurst  int

	// ExtraReserved/ExtraHandlers let the reserved-plugin endpoints (spec
	// §12's _health/_metrics/_audit) register themselves into the
	// descriptor/dispatch table the same way _descriptor does, without this
	// package importing the plugins package directly.
	ExtraReserved []descriptor.Endpoint
	ExtraHandlers map[string]dispatch.Handler

	// AuditHook, if set, is called for every RPC invocation that fails with
	// a *multiplexerr.Error, letting the _audit plugin mirror handler and
	// validation failures without this package depending on it directly.
	AuditHook func(endpoint string, code multiplexerr.Code, message string)

	// OnRPCComplete, OnConnOpen, and OnConnClose let the _metrics plugin
	// observe call outcomes and connection churn without this package
	// depending on it directly; code is empty on success.
	OnRPCComplete func(endpoint string, code multiplexerr.Code, duration time.Duration)
	OnConnOpen    func()
	OnConnClose   func()

	// OnSharedObjectPublish, if set, is called with the new version after
	// every successful SharedObject publish, endpoint-tagged.
	OnSharedObjectPublish func(endpoint string, version int64)
}

// DefaultOptions returns the values a bare-minimum Service needs.
func DefaultOptions() Options {
	return Options{
		HeartbeatMs:        heartbeat.DefaultIntervalMs,
		RPCTimeout:         10 * time.Second,
		PushPullQueueCap:   registry.DefaultPushPullQueueCap,
		RPCRateLimitPerSec: 200,
		RPCRateLimitBurst:  50,
	}
}

// Service is the server half of the library (spec §6's "Service: construct
// with descriptor, handlers map, initials map ..., options; await ready;
// accept close").
type Service struct {
	descriptor descriptor.Descriptor
	opts       Options
	logger     zerolog.Logger

	subs          *registry.SubscriptionIndex
	pubsubs       map[string]*registry.PubSub
	pushpulls     map[string]*registry.PushPull
	sharedobjects map[string]*sharedobject.Server
	dispatch      *dispatch.Registry

	hb       *heartbeat.Server
	listener transport.Listener

	connsMu    sync.Mutex
	conns      map[int64]*conn
	nextConnID int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Service for d. Every RPC endpoint must have a handler in
// handlers (spec §6's MISSING_HANDLER construction failure); every
// SharedObject endpoint must have an initial value in initials, or
// construction fails (spec §6: "initials map (required for every
// SharedObject endpoint; construction fails otherwise)").
func New(d descriptor.Descriptor, handlers map[string]dispatch.Handler, initials map[string]map[string]any, opts Options, logger zerolog.Logger) (*Service, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	descHash, err := d.Hash()
	if err != nil {
		return nil, fmt.Errorf("service: compute descriptor hash: %w", err)
	}

	reserved := append([]descriptor.Endpoint{{
		Name:          "_descriptor",
		Type:          descriptor.RPC,
		RequestSchema: []byte(`{}`),
		ReplySchema:   []byte(`{"type":"string"}`),
	}}, opts.ExtraReserved...)
	withReserved := d.WithReserved(reserved...)

	handlersWithReserved := make(map[string]dispatch.Handler, len(handlers)+len(opts.ExtraHandlers)+1)
	for k, v := range handlers {
		handlersWithReserved[k] = v
	}
	for k, v := range opts.ExtraHandlers {
		handlersWithReserved[k] = v
	}
	handlersWithReserved["_descriptor"] = func(ctx context.Context, input any) (any, error) {
		return descHash, nil
	}

	dispatchReg, err := dispatch.NewRegistry(withReserved, handlersWithReserved)
	if err != nil {
		return nil, err
	}

	s := &Service{
		descriptor:    withReserved,
		opts:          opts,
		logger:        logger.With().Str("component", "service").Logger(),
		subs:          registry.NewSubscriptionIndex(),
		pubsubs:       make(map[string]*registry.PubSub),
		pushpulls:     make(map[string]*registry.PushPull),
		sharedobjects: make(map[string]*sharedobject.Server),
		dispatch:      dispatchReg,
		conns:         make(map[int64]*conn),
	}

	for _, e := range d.Endpoints {
		switch e.Type {
		case descriptor.PubSub:
			msgSchema, err := schema.Compile(e.MessageSchema)
			if err != nil {
				return nil, fmt.Errorf("service: compile messageSchema for %q: %w", e.Name, err)
			}
			s.pubsubs[e.Name] = registry.NewPubSub(e.Name, msgSchema, s.subs)
		case descriptor.PushPull:
			msgSchema, err := schema.Compile(e.MessageSchema)
			if err != nil {
				return nil, fmt.Errorf("service: compile messageSchema for %q: %w", e.Name, err)
			}
			s.pushpulls[e.Name] = registry.NewPushPull(e.Name, msgSchema, opts.PushPullQueueCap)
		case descriptor.SharedObject:
			initial, ok := initials[e.Name]
			if !ok {
				return nil, multiplexerr.New(multiplexerr.ValidationFailed, fmt.Sprintf("service: SharedObject endpoint %q requires an initial value", e.Name))
			}
			objSchema, err := schema.Compile(e.ObjectSchema)
			if err != nil {
				return nil, fmt.Errorf("service: compile objectSchema for %q: %w", e.Name, err)
			}
			so := sharedobject.NewServer(e.Name, objSchema, initial, e.AutoNotifyOrDefault(), s.subs, s.logger)
			if opts.OnSharedObjectPublish != nil {
				name := e.Name
				so.SetOnPublish(func(version int64) { opts.OnSharedObjectPublish(name, version) })
			}
			s.sharedobjects[e.Name] = so
		}
	}

	s.hb = heartbeat.NewServer(opts.HeartbeatMs, s)
	return s, nil
}

// SharedObject returns the named SharedObject server engine so caller code
// can mutate its document (via Tracker()) or call Notify directly.
func (s *Service) SharedObject(name string) (*sharedobject.Server, bool) {
	so, ok := s.sharedobjects[name]
	return so, ok
}

// PubSub returns the named PubSub endpoint so caller code can Send to it.
func (s *Service) PubSub(name string) (*registry.PubSub, bool) {
	p, ok := s.pubsubs[name]
	return p, ok
}

// PushPull returns the named PushPull endpoint so caller code can Push to it.
func (s *Service) PushPull(name string) (*registry.PushPull, bool) {
	p, ok := s.pushpulls[name]
	return p, ok
}

// Listen opens a WebSocket listener at addr and serves it until ctx is
// cancelled or Close is called.
func (s *Service) Listen(ctx context.Context, addr string) error {
	l, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections from l until it closes, dispatching each to its
// own read loop. The heartbeat timer starts with the first call to Serve
// (spec §4.8: "created with the first server endpoint that accepts
// connections").
func (s *Service) Serve(ctx context.Context, l transport.Listener) error {
	s.listener = l
	s.hb.Start()

	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, c)
	}
}

func (s *Service) handleConn(ctx context.Context, t transport.Conn) {
	defer s.wg.Done()

	id := atomic.AddInt64(&s.nextConnID, 1)
	limiter := dispatch.NewLimiter(s.opts.RPCRateLimitPerSec, s.opts.RPCRateLimitBurst)
	c := newConn(id, t, limiter, s.logger)

	s.connsMu.Lock()
	s.conns[id] = c
	s.connsMu.Unlock()

	if s.opts.OnConnOpen != nil {
		s.opts.OnConnOpen()
	}

	defer s.teardownConn(c)

	for {
		raw, err := t.ReadMessage(ctx)
		if err != nil {
			return
		}
		if err := s.handleFrame(ctx, c, raw); err != nil {
			s.logger.Error().Err(err).Int64("conn_id", id).Msg("protocol violation; closing connection")
			return
		}
	}
}

func (s *Service) handleFrame(ctx context.Context, c *conn, raw []byte) error {
	env, err := frame.Decode(raw)
	if err != nil {
		return err // crash-fast: malformed JSON tears down the connection (spec §4.4).
	}

	switch env.Type {
	case frame.Sub:
		f, err := env.DecodeSub()
		if err != nil {
			return err
		}
		s.handleSub(c, f.Endpoint)
	case frame.Unsub:
		f, err := env.DecodeSub()
		if err != nil {
			return err
		}
		s.handleUnsub(c, f.Endpoint)
	case frame.RPCReq:
		f, err := env.DecodeRPCReq()
		if err != nil {
			return err
		}
		go s.handleRPC(ctx, c, f)
	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("ignoring unexpected inbound frame type")
	}
	return nil
}

func (s *Service) handleSub(c *conn, endpoint string) {
	ep, ok := s.descriptor.Lookup(endpoint)
	if !ok {
		s.logger.Warn().Str("endpoint", endpoint).Msg("sub for unknown endpoint")
		return
	}
	switch ep.Type {
	case descriptor.PubSub:
		s.pubsubs[endpoint].Subscribe(c)
		c.markSubscribed(endpoint)
	case descriptor.PushPull:
		s.pushpulls[endpoint].Subscribe(c)
		c.markSubscribed(endpoint)
	case descriptor.SharedObject:
		so := s.sharedobjects[endpoint]
		initBytes, err := so.Init()
		if err != nil {
			s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to build init frame")
			return
		}
		// Init-before-add invariant (spec §4.4): enqueue init, then add to
		// the broadcast set. Both happen on this connection's single read
		// goroutine, so no broadcast can be enqueued ahead of this init.
		_ = c.Send(initBytes)
		so.Subscribe(c)
		c.markSubscribed(endpoint)
	}
}

func (s *Service) handleUnsub(c *conn, endpoint string) {
	ep, ok := s.descriptor.Lookup(endpoint)
	if !ok {
		return
	}
	switch ep.Type {
	case descriptor.PubSub:
		s.pubsubs[endpoint].Unsubscribe(c)
	case descriptor.PushPull:
		s.pushpulls[endpoint].Unsubscribe(c)
	case descriptor.SharedObject:
		s.sharedobjects[endpoint].Unsubscribe(c)
	}
	c.markUnsubscribed(endpoint)
}

func (s *Service) handleRPC(ctx context.Context, c *conn, f frame.RPCReqFrame) {
	ctx2, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()

	start := time.Now()
	var res []byte
	var wireErr *multiplexerr.Wire
	if !c.limiter.Allow() {
		we := multiplexerr.New(multiplexerr.Timeout, "rpc rate limit exceeded").WithEndpoint(f.Endpoint).ToWire()
		wireErr = &we
	} else {
		res, wireErr = s.dispatch.Invoke(ctx2, f.Endpoint, f.Input)
	}
	duration := time.Since(start)

	var code multiplexerr.Code
	if wireErr != nil {
		code = wireErr.Code
		if s.opts.AuditHook != nil {
			s.opts.AuditHook(f.Endpoint, wireErr.Code, wireErr.Message)
		}
	}
	if s.opts.OnRPCComplete != nil {
		s.opts.OnRPCComplete(f.Endpoint, code, duration)
	}

	resp := frame.RPCResFrame{Type: frame.RPCRes, ID: f.ID, Endpoint: f.Endpoint, Err: wireErr, Res: res}
	encoded, err := frame.Encode(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", f.Endpoint).Msg("failed to encode rpc:res")
		return
	}
	_ = c.Send(encoded)
}

func (s *Service) teardownConn(c *conn) {
	for _, endpoint := range c.subscribedEndpoints() {
		s.handleUnsub(c, endpoint)
	}
	s.subs.RemoveConn(c)
	c.Close()

	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()

	if s.opts.OnConnClose != nil {
		s.opts.OnConnClose()
	}
}

// BroadcastAll implements heartbeat.Broadcaster: every connected client
// receives the heartbeat frame, subscribed to any endpoint or not.
func (s *Service) BroadcastAll(data []byte) {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		_ = c.Send(data)
	}
}

// Close stops the heartbeat timer, closes the listener (causing Serve to
// return) and every active connection, and releases endpoint resources
// (spec §5's "Service close()" lifecycle).
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hb.Stop()
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.connsMu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.connsMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		s.wg.Wait()
	})
	return err
}
