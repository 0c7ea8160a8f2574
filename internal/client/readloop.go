package client

import (
	"context"
	"errors"

	"github.com/adred-codev/multiplex/internal/frame"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/adred-codev/multiplex/internal/transport"
)

// onHeartbeatTimeout is the Watchdog's timeout callback: the connection is
// presumed dead, so it is torn down and a reconnect is kicked off (spec
// §4.8's "treat as connection loss").
func (c *Client) onHeartbeatTimeout() {
	c.logger.Warn().Msg("heartbeat timeout: no frame received within 3x interval")
	conn := c.currentConn()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()
	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			c.handleDisconnect(ctx, err)
			return
		}
		c.watchdog.ObserveFrame()

		env, err := frame.Decode(raw)
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed frame received, dropping connection")
			_ = conn.Close()
			c.handleDisconnect(ctx, err)
			return
		}
		c.handleFrame(conn, env)
	}
}

func (c *Client) handleFrame(conn transport.Conn, env frame.Envelope) {
	switch env.Type {
	case frame.RPCRes:
		f, err := env.DecodeRPCRes()
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed rpc:res")
			return
		}
		c.completeRPC(f)

	case frame.Message:
		f, err := env.DecodeMessage()
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed message frame")
			return
		}
		c.mu.Lock()
		sub, ok := c.messageSubs[f.Endpoint]
		c.mu.Unlock()
		if ok {
			sub.handler(f.Message)
		}

	case frame.Init:
		f, err := env.DecodeInit()
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed init frame")
			return
		}
		c.mu.Lock()
		r, ok := c.replicas[f.Endpoint]
		c.mu.Unlock()
		if ok {
			if err := r.HandleInit(f.Data, f.V); err != nil {
				c.logger.Error().Err(err).Str("endpoint", f.Endpoint).Msg("sharedobject init failed")
			}
		}

	case frame.Update:
		f, err := env.DecodeUpdate()
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed update frame")
			return
		}
		c.mu.Lock()
		r, ok := c.replicas[f.Endpoint]
		c.mu.Unlock()
		if ok {
			if err := r.HandleUpdate(f.V, f.Diffs); err != nil {
				// A version gap moves the replica to Gapped (spec §4.7); the
				// only recovery is a fresh init, so the transport is closed
				// here to force reconnect + replaySubscriptions, the same way
				// a malformed frame does above.
				c.logger.Warn().Err(err).Str("endpoint", f.Endpoint).Msg("sharedobject version gap detected, reconnecting")
				_ = conn.Close()
			}
		}

	case frame.Heartbeat:
		f, err := env.DecodeHeartbeat()
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed heartbeat frame")
			return
		}
		c.watchdog.ObserveHeartbeat(f.FrequencyMs)

	default:
		c.logger.Warn().Str("type", string(env.Type)).Msg("unexpected frame type from server")
	}
}

func (c *Client) handleDisconnect(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.t = nil
	c.mu.Unlock()

	if errors.Is(cause, transport.ErrClosed) || errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Info().Msg("connection closed")
	} else {
		c.logger.Warn().Err(cause).Msg("connection lost, reconnecting")
	}

	c.failAllPending(multiplexerr.New(multiplexerr.ConnectionFailed, "connection lost"))

	if ctx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.reconnector.Run(ctx, c.dial); err != nil {
			return
		}
		c.replaySubscriptions(ctx)
	}()
}
