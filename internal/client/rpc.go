package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
)

// Call invokes the RPC endpoint name with input, validating input against
// its requestSchema before ever touching the wire and the reply against
// its replySchema (with date parsing) before returning it (spec §4.2's
// client-side validation contract).
func (c *Client) Call(ctx context.Context, name string, input any) (any, error) {
	reqSchema, ok := c.rpcRequestSchemas[name]
	if !ok {
		return nil, multiplexerr.New(multiplexerr.UnknownEndpoint, fmt.Sprintf("unknown rpc endpoint %q", name)).WithEndpoint(name)
	}
	repSchema := c.rpcReplySchemas[name]

	if _, err := reqSchema.Validate(input); err != nil {
		return nil, err
	}

	conn := c.currentConn()
	if conn == nil {
		return nil, multiplexerr.New(multiplexerr.ConnectionFailed, "not connected").WithEndpoint(name)
	}

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("client: marshal rpc input: %w", err)
	}

	id := atomic.AddInt64(&c.nextRPCID, 1)
	p := &pendingRPC{done: make(chan rpcResult, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	reqFrame := frame.RPCReqFrame{Type: frame.RPCReq, ID: id, Endpoint: name, Input: inputBytes}
	encoded, err := frame.Encode(reqFrame)
	if err != nil {
		return nil, fmt.Errorf("client: encode rpc:req: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.opts.RPCTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.opts.RPCTimeout)
		defer cancel()
	}

	if err := conn.WriteMessage(callCtx, encoded); err != nil {
		return nil, multiplexerr.Wrap(multiplexerr.ConnectionFailed, "rpc:req write failed", err).WithEndpoint(name)
	}

	select {
	case result := <-p.done:
		if result.err != nil {
			return nil, multiplexerr.FromWire(*result.err)
		}
		var decoded any
		if len(result.res) > 0 {
			if err := json.Unmarshal(result.res, &decoded); err != nil {
				return nil, fmt.Errorf("client: unmarshal rpc result: %w", err)
			}
		}
		if repSchema == nil {
			return decoded, nil
		}
		return repSchema.ValidateAndParseDates(decoded)
	case <-callCtx.Done():
		return nil, multiplexerr.New(multiplexerr.Timeout, fmt.Sprintf("rpc %q timed out", name)).WithEndpoint(name)
	}
}

// completeRPC delivers a received rpc:res frame to its waiting Call, if any
// (a response for an ID no longer pending — e.g. after Close — is dropped).
func (c *Client) completeRPC(f frame.RPCResFrame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- rpcResult{res: f.Res, err: f.Err}:
	default:
	}
}

// DescriptorHash calls the reserved _descriptor RPC to fetch the server's
// descriptor hash, used to detect a mismatched deployment (spec §12).
func (c *Client) DescriptorHash(ctx context.Context) (string, error) {
	conn := c.currentConn()
	if conn == nil {
		return "", multiplexerr.New(multiplexerr.ConnectionFailed, "not connected")
	}
	id := atomic.AddInt64(&c.nextRPCID, 1)
	p := &pendingRPC{done: make(chan rpcResult, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	reqFrame := frame.RPCReqFrame{Type: frame.RPCReq, ID: id, Endpoint: "_descriptor", Input: json.RawMessage(`{}`)}
	encoded, err := frame.Encode(reqFrame)
	if err != nil {
		return "", fmt.Errorf("client: encode rpc:req: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	if err := conn.WriteMessage(callCtx, encoded); err != nil {
		return "", multiplexerr.Wrap(multiplexerr.ConnectionFailed, "rpc:req write failed", err)
	}

	select {
	case result := <-p.done:
		if result.err != nil {
			return "", multiplexerr.FromWire(*result.err)
		}
		var hash string
		if err := json.Unmarshal(result.res, &hash); err != nil {
			return "", fmt.Errorf("client: unmarshal descriptor hash: %w", err)
		}
		return hash, nil
	case <-callCtx.Done():
		return "", multiplexerr.New(multiplexerr.Timeout, "_descriptor rpc timed out")
	}
}
