// Package dispatch is Handler Dispatch (spec §4.9, C9): it invokes
// user-supplied RPC handlers, validates their input/output against C1
// schemas, and translates a handler's thrown error into the wire-safe
// *multiplexerr.Error descriptor framed in rpc:res. It also holds the
// per-connection RPC rate limiter, grounded on the teacher's token-bucket
// use of golang.org/x/time/rate for per-client throttling
// (ws/internal/shared/limits/connection_rate_limiter.go), generalized from
// connection admission to RPC invocation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/schema"
	"golang.org/x/time/rate"
)

// Handler is a user-supplied RPC implementation. input has already been
// schema-validated and had its date paths parsed; the returned value is
// validated against the endpoint's reply schema before framing.
type Handler func(ctx context.Context, input any) (any, error)

// Registry maps RPC endpoint names to their Handler and compiled schemas.
// Construction fails (spec §6's "Missing handlers at construct time raise
// MissingHandlerError") if any descriptor RPC endpoint lacks a handler.
type Registry struct {
	handlers map[string]Handler
	request  map[string]*schema.Schema
	reply    map[string]*schema.Schema
}

// NewRegistry compiles every RPC endpoint's schemas and binds it to the
// handler supplied in handlers, returning a *multiplexerr.Error with code
// MISSING_HANDLER for the first RPC endpoint left unhandled.
func NewRegistry(d descriptor.Descriptor, handlers map[string]Handler) (*Registry, error) {
	r := &Registry{
		handlers: make(map[string]Handler),
		request:  make(map[string]*schema.Schema),
		reply:    make(map[string]*schema.Schema),
	}
	for _, e := range d.Endpoints {
		if e.Type != descriptor.RPC {
			continue
		}
		h, ok := handlers[e.Name]
		if !ok {
			return nil, multiplexerr.New(multiplexerr.MissingHandler, fmt.Sprintf("no handler registered for RPC endpoint %q", e.Name)).WithEndpoint(e.Name)
		}
		reqSchema, err := schema.Compile(e.RequestSchema)
		if err != nil {
			return nil, fmt.Errorf("dispatch: compile requestSchema for %q: %w", e.Name, err)
		}
		repSchema, err := schema.Compile(e.ReplySchema)
		if err != nil {
			return nil, fmt.Errorf("dispatch: compile replySchema for %q: %w", e.Name, err)
		}
		r.handlers[e.Name] = h
		r.request[e.Name] = reqSchema
		r.reply[e.Name] = repSchema
	}
	return r, nil
}

// Invoke runs the RPC identified by endpoint against rawInput (the wire
// "input" payload) and returns either the wire-ready serialized result or a
// wire error descriptor — never both, mirroring spec §4.5's rpc:res
// contract. It never returns a Go error for an expected failure (unknown
// endpoint, validation failure, handler error); those are all reported via
// the returned *multiplexerr.Wire.
func (r *Registry) Invoke(ctx context.Context, endpoint string, rawInput json.RawMessage) (json.RawMessage, *multiplexerr.Wire) {
	handler, ok := r.handlers[endpoint]
	if !ok {
		unknown := multiplexerr.New(multiplexerr.UnknownEndpoint, fmt.Sprintf("no such RPC endpoint %q", endpoint)).WithEndpoint(endpoint)
		return nil, wireErrorFor(unknown, endpoint)
	}

	reqSchema := r.request[endpoint]
	var decoded any
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &decoded); err != nil {
			badInput := multiplexerr.Wrap(multiplexerr.ValidationFailed, "input is not valid JSON", err)
			return nil, wireErrorFor(badInput, endpoint)
		}
	}
	input, err := reqSchema.ValidateAndParseDates(decoded)
	if err != nil {
		return nil, wireErrorFor(err, endpoint)
	}

	result, err := handler(ctx, input)
	if err != nil {
		return nil, wireErrorFor(err, endpoint)
	}

	repSchema := r.reply[endpoint]
	validated, err := repSchema.Validate(result)
	if err != nil {
		return nil, wireErrorFor(err, endpoint)
	}
	serialized := repSchema.SerializeDates(validated)

	raw, err := json.Marshal(serialized)
	if err != nil {
		marshalErr := multiplexerr.Wrap(multiplexerr.ValidationFailed, "result could not be serialized", err)
		return nil, wireErrorFor(marshalErr, endpoint)
	}
	return raw, nil
}

// wireErrorFor projects any error into a wire descriptor, preserving a
// *multiplexerr.Error's code/message when present and falling back to a
// generic VALIDATION_FAILED-free internal descriptor otherwise (handlers
// are free to return plain errors; those carry no stable code).
func wireErrorFor(err error, endpoint string) *multiplexerr.Wire {
	var me *multiplexerr.Error
	if e, ok := err.(*multiplexerr.Error); ok {
		me = e
	} else {
		me = multiplexerr.Wrap("", err.Error(), err)
	}
	wire := me.WithEndpoint(endpoint).ToWire()
	return &wire
}

// Limiter is a per-connection RPC token bucket (spec §5's cooperative
// single-threaded model still needs inbound throttling so one client can't
// starve the event loop; the teacher applies the same token-bucket
// primitive at connection-admission time).
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter builds a Limiter allowing burst immediate calls and
// sustainedPerSec thereafter.
func NewLimiter(sustainedPerSec float64, burst int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Limit(sustainedPerSec), burst)}
}

// Allow reports whether an RPC call may proceed now, consuming a token if
// so.
func (l *Limiter) Allow() bool {
	return l.l.Allow()
}
