// Package signaling implements the bidirectional JSON message plane to
// the rendezvous service (C2): Send, a subscription interface for
// inbound frames, and reconnection with exponential backoff. The actual
// duplex channel is out of the core's scope; this package defines the
// Transport interface a caller supplies and drives its lifecycle.
// Grounded on the teacher's retry/backoff shape
// (internal/app/client.go's fetchDirectoryPubKeys legacy-fallback retry
// loop), generalized from one-shot HTTP polling to a persistent duplex
// session with its own reconnect state machine.
package signaling

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/wire"
)

const (
	baseBackoff        = time.Second
	maxReconnectTries  = 5
	handshakeDeadline  = 5 * time.Second
)

// Transport is the duplex channel to the rendezvous service that a
// caller supplies; pkg/signaling never opens a socket itself.
type Transport interface {
	Dial(ctx context.Context) error
	SendLine(ctx context.Context, line []byte) error
	RecvLine(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener receives every successfully decoded inbound frame, tagged
// with its envelope type so it can dispatch without re-parsing.
type Listener func(msgType wire.MessageType, raw []byte)

// Adapter owns one Transport's lifecycle: connect, reconnect with
// backoff, dispatch inbound lines to listeners, and reject outbound
// sends while disconnected.
type Adapter struct {
	transport Transport
	log       *log.Logger

	mu        sync.RWMutex
	connected bool
	listeners []Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wraps transport with reconnect/dispatch behavior. logger may be
// nil, in which case log.Default() is used.
func New(transport Transport, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		transport: transport,
		log:       logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Subscribe registers a listener invoked for every inbound frame. Not
// safe to call concurrently with Run's dispatch loop tearing down.
func (a *Adapter) Subscribe(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Run connects and then services the connection until ctx is cancelled
// or Stop is called, reconnecting with backoff on transport failure.
// It returns SignalingUnavailable once MAX_RECONNECT_ATTEMPTS is
// exhausted without a successful reconnect.
func (a *Adapter) Run(ctx context.Context) error {
	defer close(a.doneCh)

	if err := a.connect(ctx); err != nil {
		return err
	}
	for {
		if err := a.serve(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		default:
		}
		if err := a.reconnectWithBackoff(ctx); err != nil {
			return err
		}
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()
	if err := a.transport.Dial(dialCtx); err != nil {
		return cerr.Wrap(cerr.KindSignalingUnavailable, "initial dial failed", err)
	}
	a.setConnected(true)
	return nil
}

// serve reads lines until the transport errors out (connection dropped)
// or the adapter is asked to stop.
func (a *Adapter) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		default:
		}
		line, err := a.transport.RecvLine(ctx)
		if err != nil {
			a.setConnected(false)
			a.log.Printf("signaling: transport read failed: %v", err)
			return nil
		}
		a.dispatch(line)
	}
}

func (a *Adapter) dispatch(line []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		a.log.Printf("signaling: ignoring malformed frame: %v", err)
		return
	}
	a.mu.RLock()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.RUnlock()
	for _, l := range listeners {
		l(env.Type, line)
	}
}

// reconnectWithBackoff retries Dial with base-1s doubling backoff, up to
// maxReconnectTries attempts, each bounded by handshakeDeadline.
func (a *Adapter) reconnectWithBackoff(ctx context.Context) error {
	backoff := baseBackoff
	for attempt := 1; attempt <= maxReconnectTries; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
		err := a.transport.Dial(dialCtx)
		cancel()
		if err == nil {
			a.setConnected(true)
			a.log.Printf("signaling: reconnected on attempt %d", attempt)
			return nil
		}
		a.log.Printf("signaling: reconnect attempt %d failed: %v", attempt, err)
		backoff *= 2
	}
	return cerr.New(cerr.KindSignalingUnavailable, "reconnect attempts exhausted")
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

// Connected reports whether the underlying transport is currently up.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Send marshals frame as JSON and writes it as one line. It fails
// immediately with NotConnected while disconnected; there is no local
// queueing, per spec: upper layers must cope with the rejection.
func (a *Adapter) Send(ctx context.Context, frame any) error {
	if !a.Connected() {
		return cerr.New(cerr.KindNotConnected, "signaling transport is disconnected")
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := a.transport.SendLine(ctx, line); err != nil {
		a.setConnected(false)
		return cerr.New(cerr.KindNotConnected, "send failed, marking disconnected")
	}
	return nil
}

// Stop shuts the adapter down and closes the underlying transport.
func (a *Adapter) Stop() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
	return a.transport.Close()
}
