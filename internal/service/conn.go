package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/adred-codev/multiplex/internal/transport"
	"github.com/rs/zerolog"
)

// maxSendAttempts bounds how many times a connection's outbound buffer may
// be found full before it is disconnected, rather than letting a slow
// subscriber accumulate unbounded backlog (SPEC_FULL.md §13's supplemented
// slow-subscriber detection, grounded on ws/internal/shared/connection.go's
// sendAttempts/slowClientWarned fields).
const maxSendAttempts = 5

const outboundBufferSize = 256

// conn adapts a transport.Conn into the registry.Conn interface the
// PubSub/PushPull/SharedObject engines broadcast through, with a bounded
// outbound channel and dedicated writer goroutine (the server-side half of
// the teacher's read/write pump split).
type conn struct {
	id     int64
	t      transport.Conn
	logger zerolog.Logger

	out          chan []byte
	closeOnce    sync.Once
	closed       chan struct{}
	slowAttempts int32

	limiter *dispatch.Limiter

	mu        sync.Mutex
	subscribed map[string]struct{}
}

func newConn(id int64, t transport.Conn, limiter *dispatch.Limiter, logger zerolog.Logger) *conn {
	c := &conn{
		id:         id,
		t:          t,
		logger:     logger.With().Int64("conn_id", id).Str("remote", t.RemoteAddr()).Logger(),
		out:        make(chan []byte, outboundBufferSize),
		closed:     make(chan struct{}),
		limiter:    limiter,
		subscribed: make(map[string]struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) ID() int64 { return c.id }

// Send delivers data best-effort (spec §5's "best-effort fan-out"): a full
// outbound buffer counts as one slow-send attempt, and the connection is
// torn down once the count reaches maxSendAttempts rather than blocking the
// event loop or growing memory without bound.
func (c *conn) Send(data []byte) error {
	select {
	case c.out <- data:
		return nil
	default:
	}
	if atomic.AddInt32(&c.slowAttempts, 1) >= maxSendAttempts {
		c.logger.Warn().Msg("disconnecting slow subscriber: outbound buffer repeatedly full")
		c.Close()
	}
	return errSlowConsumer
}

func (c *conn) writeLoop() {
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.t.WriteMessage(context.Background(), data); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) markSubscribed(endpoint string) {
	c.mu.Lock()
	c.subscribed[endpoint] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) markUnsubscribed(endpoint string) {
	c.mu.Lock()
	delete(c.subscribed, endpoint)
	c.mu.Unlock()
}

func (c *conn) subscribedEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for ep := range c.subscribed {
		out = append(out, ep)
	}
	return out
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.out)
		_ = c.t.Close()
	})
}
