// Package peerlink defines the transport boundary to the next hop in a
// circuit: how bytes actually cross the network between two peers, which
// the spec treats as external to the core (§1). Grounded on
// pkg/relay/packet.go's Packet/ForwardTarget shape, generalized from a
// UDP source/destination pair to a peer-id-addressed duplex stream since
// circuit hops are addressed by peer id, not network address, until the
// signaling layer resolves one to the other.
package peerlink

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send/Recv once the link has been closed.
var ErrClosed = errors.New("peerlink: closed")

// Packet is one framed unit crossing a peer link: an onion-wrapped
// circuit_data payload plus enough addressing to route it.
type Packet struct {
	Target  ForwardTarget
	Payload []byte
}

// ForwardTarget names the next hop a packet is destined for.
type ForwardTarget struct {
	PeerID   string
	Endpoint string
}

// Transport is the interface the circuit builder and bandwidth-
// measurement code depend on; any concrete network mechanism (raw TCP,
// QUIC, the signaling channel itself as a fallback) can implement it.
type Transport interface {
	Dial(ctx context.Context, target ForwardTarget) error
	Send(ctx context.Context, pkt Packet) error
	Recv(ctx context.Context) (Packet, error)
	Close() error
}

// Pipe is an in-process duplex Transport connecting two endpoints
// directly, without touching the network. Used by tests; the registry's
// MeasureBandwidth takes whatever Transport its caller supplies.
type Pipe struct {
	mu     sync.Mutex
	target ForwardTarget
	toPeer chan Packet
	fromPeer chan Packet
	closed bool
	closeOnce sync.Once
}

// NewPipePair returns two Pipe endpoints wired to each other: sending on
// one delivers to Recv on the other.
func NewPipePair() (a, b *Pipe) {
	ab := make(chan Packet, 16)
	ba := make(chan Packet, 16)
	a = &Pipe{toPeer: ab, fromPeer: ba}
	b = &Pipe{toPeer: ba, fromPeer: ab}
	return a, b
}

func (p *Pipe) Dial(_ context.Context, target ForwardTarget) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
	return nil
}

func (p *Pipe) Send(ctx context.Context, pkt Packet) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case p.toPeer <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Recv(ctx context.Context) (Packet, error) {
	select {
	case pkt, ok := <-p.fromPeer:
		if !ok {
			return Packet{}, ErrClosed
		}
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.toPeer)
	})
	return nil
}
