package signaling

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

var zeroTime time.Time

// WireConn is a JSON-line-over-net.Conn Transport: every frame is one
// line of JSON terminated by '\n'. Suitable when the rendezvous point is
// a plain TCP or TLS socket; production deployments may substitute a
// websocket-backed Transport without changing pkg/signaling.
type WireConn struct {
	addr    string
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
}

// NewWireConn builds a Transport that dials addr over TCP on each Dial
// call. dialer may be overridden (e.g. in tests, to dial an in-memory
// net.Pipe listener) via NewWireConnWithDialer.
func NewWireConn(addr string) *WireConn {
	return NewWireConnWithDialer(addr, func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	})
}

// NewWireConnWithDialer builds a Transport with a custom dial function.
func NewWireConnWithDialer(addr string, dialer func(ctx context.Context, network, addr string) (net.Conn, error)) *WireConn {
	return &WireConn{addr: addr, dialer: dialer}
}

func (w *WireConn) Dial(ctx context.Context) error {
	conn, err := w.dialer(ctx, "tcp", w.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.addr, err)
	}
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	w.reader = bufio.NewReader(conn)
	w.mu.Unlock()
	return nil
}

func (w *WireConn) SendLine(ctx context.Context, line []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wireconn: not dialed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(zeroTime)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

func (w *WireConn) RecvLine(ctx context.Context) ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	reader := w.reader
	w.mu.Unlock()
	if conn == nil || reader == nil {
		return nil, fmt.Errorf("wireconn: not dialed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(zeroTime)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	return line, nil
}

func (w *WireConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
