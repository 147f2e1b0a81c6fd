package circuit

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/identity"
	"shroudmesh/pkg/peerlink"
	"shroudmesh/pkg/registry"
	"shroudmesh/pkg/signaling"
	"shroudmesh/pkg/wire"
)

// Dialer opens a peer link to peerID, resolving whatever addressing
// scheme the deployment uses (the spec treats this as external, §1).
type Dialer func(ctx context.Context, peerID string) (peerlink.Transport, peerlink.ForwardTarget, error)

// Builder owns circuit construction: candidate selection via C3,
// ephemeral key generation via C1, and the sequential per-hop
// establishment handshake over the signaling adapter.
type Builder struct {
	identity *identity.NodeIdentity
	reg      *registry.Registry
	adapter  *signaling.Adapter
	dial     Dialer
	log      *log.Logger
}

// NewBuilder wires a Builder to its collaborators, mirroring how the
// teacher threads its dependencies through explicit constructor
// parameters instead of package-level singletons.
func NewBuilder(id *identity.NodeIdentity, reg *registry.Registry, adapter *signaling.Adapter, dial Dialer, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{identity: id, reg: reg, adapter: adapter, dial: dial, log: logger}
}

// Build implements spec 4.4 "Build algorithm": allocate a circuit id,
// request n ranked candidates from the registry, generate n ephemeral
// key pairs, then sequentially establish each hop with a 30s deadline
// per hop. n below MinHops is coerced up to MinHops, per spec 8's
// boundary behavior "build(N < MIN_HOPS) is coerced to build(MIN_HOPS)".
func (b *Builder) Build(ctx context.Context, n int, exclude map[string]bool) (*Circuit, error) {
	if n < MinHops {
		n = MinHops
	}

	circuitID, err := identity.NewCircuitID()
	if err != nil {
		return nil, fmt.Errorf("allocate circuit id: %w", err)
	}

	c := &Circuit{CircuitID: circuitID, Status: StatusBuilding}

	peerIDs := b.reg.SuitableRelays(ctx, n, circuitID, exclude)
	if len(peerIDs) < n {
		c.SetStatus(StatusFailed)
		return c, cerr.New(cerr.KindInsufficientPeers, "registry could not fill all circuit slots")
	}

	keys, err := cryptoengine.GenerateCircuitKeys(n)
	if err != nil {
		c.SetStatus(StatusFailed)
		return c, fmt.Errorf("generate ephemeral keys: %w", err)
	}

	hops := make([]Hop, n)
	for i, peerID := range peerIDs {
		hops[i] = Hop{PeerID: peerID, EphemeralPublic: keys[i].Public}
	}
	c.Hops = hops
	c.ephemeral = keys
	c.links = make([]peerlink.Transport, n)

	for i := 0; i < n; i++ {
		if err := b.establishHop(ctx, c, i); err != nil {
			c.SetStatus(StatusFailed)
			c.Zero()
			return c, err
		}
	}

	c.SetStatus(StatusReady)
	return c, nil
}

// establishHop opens the peer link for hop i and delivers its
// establishment record, encrypted under the hop's announced long-term
// key, per spec 4.4 step 4. It is bounded by HopEstablishDeadline.
func (b *Builder) establishHop(ctx context.Context, c *Circuit, i int) error {
	hopCtx, cancel := context.WithTimeout(ctx, HopEstablishDeadline)
	defer cancel()

	peerID := c.Hops[i].PeerID
	longTermKey, ok := b.peerPublicKey(peerID)
	if !ok {
		return cerr.New(cerr.KindHopEstablishFailed, fmt.Sprintf("no known long-term key for hop %s", peerID))
	}

	record := wire.EstablishmentRecord{
		CircuitID: c.CircuitID,
		HopIndex:  i,
	}
	if i > 0 {
		record.PreviousHopID = c.Hops[i-1].PeerID
	}
	if i < len(c.Hops)-1 {
		nextKeyB64, err := cryptoengine.EncodePublicKeySPKI(c.Hops[i+1].EphemeralPublic)
		if err != nil {
			return cerr.Wrap(cerr.KindHopEstablishFailed, "encode next hop key", err)
		}
		record.NextHopPublicKey = &nextKeyB64
	}

	body, err := json.Marshal(record)
	if err != nil {
		return cerr.Wrap(cerr.KindHopEstablishFailed, "marshal establishment record", err)
	}
	layer, err := cryptoengine.EncryptLayer(body, longTermKey)
	if err != nil {
		return cerr.Wrap(cerr.KindHopEstablishFailed, "encrypt establishment record", err)
	}

	signal := wire.CircuitSignaling{
		Type:          wire.TypeCircuitSignaling,
		TargetNodeID:  peerID,
		EncryptedData: encodeB64(layer.Ciphertext),
		EncryptedKey:  encodeB64(layer.WrappedKey),
		IV:            layer.IV,
	}
	if err := b.adapter.Send(hopCtx, signal); err != nil {
		return cerr.Wrap(cerr.KindHopEstablishFailed, "send establishment record", err)
	}

	transport, target, err := b.dial(hopCtx, peerID)
	if err != nil {
		return cerr.Wrap(cerr.KindHopEstablishFailed, "dial hop", err)
	}
	if err := transport.Dial(hopCtx, target); err != nil {
		return cerr.Wrap(cerr.KindHopEstablishFailed, "open peer link", err)
	}
	c.links[i] = transport
	return nil
}

func (b *Builder) peerPublicKey(peerID string) (*rsa.PublicKey, bool) {
	p, ok := b.reg.Peer(peerID)
	if !ok || p.PublicKey == nil {
		return nil, false
	}
	return p.PublicKey, true
}
