package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn adapts a gobwas/ws connection to Conn. side picks the correct
// wsutil read/write pair: a server speaks OpText frames written with
// WriteServerMessage and read with ReadClientData (and the reverse for a
// client), mirroring the teacher's pump_read.go/pump_write.go split.
type wsConn struct {
	conn   net.Conn
	remote string
	isServer bool

	writeMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	var (
		data []byte
		op   ws.OpCode
		err  error
	)
	if c.isServer {
		data, op, err = wsutil.ReadClientData(c.conn)
	} else {
		data, op, err = wsutil.ReadServerData(c.conn)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	if op == ws.OpClose {
		return nil, ErrClosed
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	var err error
	if c.isServer {
		err = wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	} else {
		err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	}
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.remote }

// WSListener accepts WebSocket upgrades on an http.Server, handing each
// upgraded connection to Accept as it completes, the same upgrade call the
// teacher's handleWebSocket uses (ws.UpgradeHTTP).
type WSListener struct {
	addr     string
	server   *http.Server
	listener net.Listener

	mu     sync.Mutex
	closed bool
	pending chan Conn
}

// Listen starts an HTTP server on addr with a single upgrade endpoint and
// returns a Listener that yields one Conn per successful upgrade.
func Listen(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	l := &WSListener{addr: addr, listener: ln, pending: make(chan Conn, 64)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go func() {
		_ = l.server.Serve(ln)
	}()

	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn, remote: conn.RemoteAddr().String(), isServer: true}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		_ = conn.Close()
		return
	}
	l.pending <- wc
}

func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c, ok := <-l.pending:
		if !ok {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.pending)
	return l.server.Close()
}

func (l *WSListener) Addr() string { return l.addr }

// WSDialer dials a server-side WSListener from a client.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, _, _, err := ws.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &wsConn{conn: conn, remote: addr, isServer: false}, nil
}
