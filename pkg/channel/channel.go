// Package channel implements the stream-style façade over a circuit
// (C6): connect/send/receive/close plus four event callbacks. Grounded
// on pkg/signaling.Adapter's own stopOnce-guarded Stop (pkg/signaling/
// signaling.go) for the exactly-once close idiom, generalized here to
// cover exactly-once open as well.
package channel

import (
	"context"
	"sync"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/circuit"
	"shroudmesh/pkg/monitor"
)

// State is the channel's own lifecycle, distinct from the underlying
// circuit's state lattice.
type State string

const (
	StateConnecting State = "Connecting"
	StateOpen       State = "Open"
	StateClosed     State = "Closed"
)

type (
	OpenFunc    func()
	MessageFunc func(data []byte)
	ErrorFunc   func(err error)
	CloseFunc   func()
)

// Channel is a thin consumer-facing wrapper around a circuit reached
// through a monitor.Handle, so a circuit rebuild underneath the channel
// is transparent to whoever holds it.
type Channel struct {
	handle *monitor.Handle

	mu    sync.RWMutex
	state State

	onOpen    OpenFunc
	onMessage MessageFunc
	onError   ErrorFunc
	onClose   CloseFunc

	openOnce  sync.Once
	closeOnce sync.Once
}

// New wraps handle in a Channel starting in the Connecting state.
func New(handle *monitor.Handle) *Channel {
	return &Channel{handle: handle, state: StateConnecting}
}

func (ch *Channel) OnOpen(f OpenFunc)       { ch.mu.Lock(); ch.onOpen = f; ch.mu.Unlock() }
func (ch *Channel) OnMessage(f MessageFunc) { ch.mu.Lock(); ch.onMessage = f; ch.mu.Unlock() }
func (ch *Channel) OnError(f ErrorFunc)     { ch.mu.Lock(); ch.onError = f; ch.mu.Unlock() }
func (ch *Channel) OnClose(f CloseFunc)     { ch.mu.Lock(); ch.onClose = f; ch.mu.Unlock() }

// State reports the channel's current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Connect implements spec 4.6 "connect()": Open iff the underlying
// circuit currently reports Ready, otherwise Closed. Either outcome
// fires its corresponding callback exactly once.
func (ch *Channel) Connect(ctx context.Context) error {
	c := ch.handle.Current()
	if c != nil && c.GetStatus() == circuit.StatusReady {
		ch.mu.Lock()
		ch.state = StateOpen
		cb := ch.onOpen
		ch.mu.Unlock()
		ch.openOnce.Do(func() {
			if cb != nil {
				cb()
			}
		})
		return nil
	}
	ch.transitionClosed()
	return cerr.New(cerr.KindCircuitNotReady, "circuit is not ready for connect")
}

// Send implements spec 4.6 "send(data)": rejects unless Open, accepting
// either raw bytes or UTF-8 text pre-encoded by SendText.
func (ch *Channel) Send(ctx context.Context, data []byte) error {
	ch.mu.RLock()
	state := ch.state
	ch.mu.RUnlock()
	if state != StateOpen {
		return cerr.New(cerr.KindCircuitNotReady, "channel is not open")
	}
	c := ch.handle.Current()
	if c == nil {
		return cerr.New(cerr.KindCircuitNotReady, "channel has no backing circuit")
	}
	if err := c.Send(ctx, data); err != nil {
		ch.raiseError(err)
		return err
	}
	return nil
}

// SendText encodes text as UTF-8 bytes and forwards it via Send.
func (ch *Channel) SendText(ctx context.Context, text string) error {
	return ch.Send(ctx, []byte(text))
}

// Receive implements spec 4.6 "receive(data)": invoked by the lower
// layer (C4's exit-hop plaintext delivery) when plaintext emerges for
// this channel's circuit. It surfaces to the onMessage callback if the
// channel is still Open.
func (ch *Channel) Receive(data []byte) {
	ch.mu.RLock()
	state := ch.state
	cb := ch.onMessage
	ch.mu.RUnlock()
	if state != StateOpen || cb == nil {
		return
	}
	cb(data)
}

func (ch *Channel) raiseError(err error) {
	ch.mu.RLock()
	cb := ch.onError
	ch.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Close implements spec 4.6 "close()": idempotent, closes the
// underlying circuit, and fires onClose exactly once.
func (ch *Channel) Close() error {
	ch.transitionClosed()
	return nil
}

func (ch *Channel) transitionClosed() {
	ch.mu.Lock()
	ch.state = StateClosed
	cb := ch.onClose
	ch.mu.Unlock()

	if c := ch.handle.Current(); c != nil {
		c.Close()
	}
	ch.closeOnce.Do(func() {
		if cb != nil {
			cb()
		}
	})
}
