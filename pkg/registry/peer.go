// Package registry maintains the local view of the network (C3): the
// peer table, announcement/waiting-window logic, inbound signaling
// dispatch, capability measurement, validation, and candidate selection
// for circuit hops. Grounded on the teacher's scoring/weighted-selection
// shape (internal/app/client.go's scoreExits/exitSelectionScore family),
// reworked from the teacher's operator-supplied descriptor list into a
// live peer table driven by the signaling adapter.
package registry

import (
	"crypto/ed25519"
	"crypto/rsa"
	"time"

	"shroudmesh/pkg/geo"
	"shroudmesh/pkg/wire"
)

// StalenessWindow is how long a peer entry may go without a signaling
// artifact before it is treated as Offline regardless of last known status.
const StalenessWindow = 30 * time.Second

// Capabilities is the last-observed measurement set for a peer.
type Capabilities struct {
	MaxBandwidthBps float64
	LatencyMs       float64
	Reliability     float64
	UptimeMs        float64
}

// Peer is one entry in the registry's local view of the network.
type Peer struct {
	PeerID       string
	Role         wire.Role
	Status       wire.Status
	PublicKey    *rsa.PublicKey
	SigningKey   ed25519.PublicKey
	Location     *geo.Location
	Capabilities Capabilities
	LastSeen     time.Time

	bandwidthSamples []float64
	lastBandwidthAt  time.Time
	totalTransfers   int
	successTransfers int
}

// EffectiveStatus returns Offline if the peer has aged out of the
// staleness window, regardless of its last reported Status.
func (p *Peer) EffectiveStatus(now time.Time) wire.Status {
	if now.Sub(p.LastSeen) > StalenessWindow {
		return wire.StatusOffline
	}
	return p.Status
}

// Region resolves the peer's continental region for diversity constraints.
func (p *Peer) Region() geo.Region {
	return geo.Lookup(p.Location)
}

func (p *Peer) recordTransfer(success bool) {
	p.totalTransfers++
	if success {
		p.successTransfers++
	}
	if p.totalTransfers == 0 {
		p.Capabilities.Reliability = 1.0
		return
	}
	p.Capabilities.Reliability = float64(p.successTransfers) / float64(max(1, p.totalTransfers))
}
