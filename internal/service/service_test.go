package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/transport"
	"github.com/rs/zerolog"
)

func testDescriptor() descriptor.Descriptor {
	return descriptor.Descriptor{
		Transport: descriptor.Transport{Server: "pipe://svc", Client: "pipe://svc"},
		Endpoints: []descriptor.Endpoint{
			{
				Name:          "echo",
				Type:          descriptor.RPC,
				RequestSchema: []byte(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
				ReplySchema:   []byte(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			},
			{
				Name:          "events",
				Type:          descriptor.PubSub,
				MessageSchema: []byte(`{"type":"object"}`),
			},
			{
				Name:         "doc",
				Type:         descriptor.SharedObject,
				ObjectSchema: []byte(`{"type":"object","properties":{"count":{"type":"integer"}}}`),
			},
		},
	}
}

func newTestService(t *testing.T, opts Options) (*Service, *transport.PipeListener) {
	t.Helper()
	d := testDescriptor()
	handlers := map[string]dispatch.Handler{
		"echo": func(ctx context.Context, input any) (any, error) {
			return input, nil
		},
	}
	initials := map[string]map[string]any{"doc": {"count": float64(0)}}

	svc, err := New(d, handlers, initials, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln := transport.NewPipeListener("pipe://svc")
	go svc.Serve(context.Background(), ln)
	return svc, ln
}

func dial(t *testing.T, ln *transport.PipeListener) transport.Conn {
	t.Helper()
	return ln.Push()
}

func send(t *testing.T, conn transport.Conn, v any) {
	t.Helper()
	raw, err := frame.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(context.Background(), raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn transport.Conn, timeout time.Duration) frame.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	raw, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := frame.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestMuxRoutesRPCReqToHandler(t *testing.T) {
	_, ln := newTestService(t, DefaultOptions())
	conn := dial(t, ln)
	defer conn.Close()

	send(t, conn, frame.RPCReqFrame{Type: frame.RPCReq, ID: 1, Endpoint: "echo", Input: json.RawMessage(`{"msg":"hi"}`)})

	env := recv(t, conn, time.Second)
	if env.Type != frame.RPCRes {
		t.Fatalf("expected rpc:res, got %s", env.Type)
	}
	res, err := env.DecodeRPCRes()
	if err != nil {
		t.Fatalf("decode rpc:res: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %#v", res.Err)
	}
	var payload struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(res.Res, &payload); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if payload.Msg != "hi" {
		t.Fatalf("expected echoed msg %q, got %q", "hi", payload.Msg)
	}
}

func TestMuxRejectsUnknownEndpoint(t *testing.T) {
	_, ln := newTestService(t, DefaultOptions())
	conn := dial(t, ln)
	defer conn.Close()

	send(t, conn, frame.RPCReqFrame{Type: frame.RPCReq, ID: 1, Endpoint: "nope", Input: json.RawMessage(`{}`)})

	env := recv(t, conn, time.Second)
	res, err := env.DecodeRPCRes()
	if err != nil {
		t.Fatalf("decode rpc:res: %v", err)
	}
	if res.Err == nil || res.Err.Code != multiplexerr.UnknownEndpoint {
		t.Fatalf("expected UNKNOWN_ENDPOINT error, got %#v", res.Err)
	}
}

func TestMuxMalformedFrameClosesConnection(t *testing.T) {
	_, ln := newTestService(t, DefaultOptions())
	conn := dial(t, ln)
	defer conn.Close()

	if err := conn.WriteMessage(context.Background(), []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.ReadMessage(ctx); err == nil {
		t.Fatalf("expected connection to be closed after malformed frame")
	}
}

func TestSubReceivesInitBeforeAnyBroadcast(t *testing.T) {
	svc, ln := newTestService(t, DefaultOptions())
	conn := dial(t, ln)
	defer conn.Close()

	send(t, conn, frame.SubFrame{Type: frame.Sub, Endpoint: "doc"})
	env := recv(t, conn, time.Second)
	if env.Type != frame.Init {
		t.Fatalf("expected init frame first, got %s", env.Type)
	}
	initFrame, err := env.DecodeInit()
	if err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if initFrame.V != 0 {
		t.Fatalf("expected initial version 0, got %d", initFrame.V)
	}

	so, ok := svc.SharedObject("doc")
	if !ok {
		t.Fatalf("doc sharedobject missing")
	}
	so.Tracker().Set(nil, map[string]any{"count": float64(1)})

	env = recv(t, conn, time.Second)
	if env.Type != frame.Update {
		t.Fatalf("expected update frame after mutation, got %s", env.Type)
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	svc, ln := newTestService(t, DefaultOptions())
	conn := dial(t, ln)
	defer conn.Close()

	send(t, conn, frame.SubFrame{Type: frame.Sub, Endpoint: "events"})
	// Drain nothing: never read from conn, forcing the outbound buffer to
	// fill and exercising the slow-consumer disconnect path (maxSendAttempts).
	time.Sleep(50 * time.Millisecond)

	pubsub, ok := svc.PubSub("events")
	if !ok {
		t.Fatalf("events pubsub missing")
	}
	for i := 0; i < outboundBufferSize+maxSendAttempts+10; i++ {
		_ = pubsub.Send(map[string]any{"n": i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// The connection should eventually be torn down server-side; further
	// reads (beyond whatever was buffered before disconnect) must fail.
	for {
		if _, err := conn.ReadMessage(ctx); err != nil {
			return
		}
	}
}

func TestRPCRateLimitReturnsTimeoutError(t *testing.T) {
	opts := DefaultOptions()
	opts.RPCRateLimitPerSec = 1
	opts.RPCRateLimitBurst = 1
	_, ln := newTestService(t, opts)
	conn := dial(t, ln)
	defer conn.Close()

	send(t, conn, frame.RPCReqFrame{Type: frame.RPCReq, ID: 1, Endpoint: "echo", Input: json.RawMessage(`{"msg":"a"}`)})
	first := recv(t, conn, time.Second)
	firstRes, err := first.DecodeRPCRes()
	if err != nil {
		t.Fatalf("decode first rpc:res: %v", err)
	}
	if firstRes.Err != nil {
		t.Fatalf("expected first call to succeed, got %#v", firstRes.Err)
	}

	send(t, conn, frame.RPCReqFrame{Type: frame.RPCReq, ID: 2, Endpoint: "echo", Input: json.RawMessage(`{"msg":"b"}`)})
	second := recv(t, conn, time.Second)
	secondRes, err := second.DecodeRPCRes()
	if err != nil {
		t.Fatalf("decode second rpc:res: %v", err)
	}
	if secondRes.Err == nil || secondRes.Err.Code != multiplexerr.Timeout {
		t.Fatalf("expected rate-limited call to fail with TIMEOUT, got %#v", secondRes.Err)
	}
}

func TestMissingHandlerFailsConstruction(t *testing.T) {
	d := testDescriptor()
	initials := map[string]map[string]any{"doc": {"count": float64(0)}}
	_, err := New(d, map[string]dispatch.Handler{}, initials, DefaultOptions(), zerolog.Nop())
	if err == nil {
		t.Fatalf("expected construction to fail for missing echo handler")
	}
	if !multiplexerr.As(err, multiplexerr.MissingHandler) {
		t.Fatalf("expected MISSING_HANDLER, got %v", err)
	}
}

func TestMissingInitialFailsConstruction(t *testing.T) {
	d := testDescriptor()
	handlers := map[string]dispatch.Handler{
		"echo": func(ctx context.Context, input any) (any, error) { return input, nil },
	}
	_, err := New(d, handlers, map[string]map[string]any{}, DefaultOptions(), zerolog.Nop())
	if err == nil {
		t.Fatalf("expected construction to fail for missing doc initial value")
	}
	if !multiplexerr.As(err, multiplexerr.ValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestExtraHandlersAndObservabilityHooksAreWired(t *testing.T) {
	d := testDescriptor()
	handlers := map[string]dispatch.Handler{
		"echo": func(ctx context.Context, input any) (any, error) { return input, nil },
	}
	initials := map[string]map[string]any{"doc": {"count": float64(0)}}

	var rpcCompletions int
	var connOpens, connCloses int
	opts := DefaultOptions()
	opts.ExtraReserved = []descriptor.Endpoint{{
		Name:          "_ping",
		Type:          descriptor.RPC,
		RequestSchema: []byte(`{}`),
		ReplySchema:   []byte(`{"type":"string"}`),
	}}
	opts.ExtraHandlers = map[string]dispatch.Handler{
		"_ping": func(ctx context.Context, input any) (any, error) { return "pong", nil },
	}
	opts.OnRPCComplete = func(endpoint string, code multiplexerr.Code, d time.Duration) { rpcCompletions++ }
	opts.OnConnOpen = func() { connOpens++ }
	opts.OnConnClose = func() { connCloses++ }

	svc, err := New(d, handlers, initials, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln := transport.NewPipeListener("pipe://svc-hooks")
	go svc.Serve(context.Background(), ln)

	conn := dial(t, ln)
	send(t, conn, frame.RPCReqFrame{Type: frame.RPCReq, ID: 1, Endpoint: "_ping", Input: json.RawMessage(`{}`)})
	env := recv(t, conn, time.Second)
	res, err := env.DecodeRPCRes()
	if err != nil {
		t.Fatalf("decode rpc:res: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected error calling _ping: %#v", res.Err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if rpcCompletions != 1 {
		t.Fatalf("expected 1 OnRPCComplete call, got %d", rpcCompletions)
	}
	if connOpens != 1 {
		t.Fatalf("expected 1 OnConnOpen call, got %d", connOpens)
	}
	if connCloses != 1 {
		t.Fatalf("expected 1 OnConnClose call, got %d", connCloses)
	}
}
