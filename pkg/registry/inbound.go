package registry

import (
	"context"
	"encoding/json"
	"time"

	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/geo"
	"shroudmesh/pkg/wire"
)

// handleInbound is the signaling.Listener wired in at construction. It
// dispatches on the envelope type per spec 4.3 "Inbound handling";
// unrecognized types are ignored, matching the wire contract's "Unknown
// type values are ignored".
func (r *Registry) handleInbound(msgType wire.MessageType, raw []byte) {
	ctx := context.Background()
	switch msgType {
	case wire.TypeNodeAnnouncement:
		r.onAnnouncement(ctx, raw)
	case wire.TypeNodeStatus:
		r.onStatus(ctx, raw)
	case wire.TypeNodeValidation:
		r.onValidation(ctx, raw)
	case wire.TypeNodeValidationResponse:
		r.onValidationResponse(raw)
	case wire.TypeNodePing:
		r.onPing(ctx, raw)
	case wire.TypeNodePong:
		r.onPong(raw)
	case wire.TypeNodeDiscovery:
		r.discoveryRequests.Inc()
	}
}

// onAnnouncement admits or refreshes a peer from a node_announcement
// frame, per spec 4.3 "Inbound handling". Every announcement is signed
// with the ed25519 signing key it embeds (spec 3, "identity keys"): the
// signature proves the sender holds the private half of the embedded
// signingKey, so an untrusted signaling relay cannot tamper with the
// frame in transit. It does not, on its own, stop a fresh attacker from
// registering a brand-new peer_id with genuinely-owned keys.
func (r *Registry) onAnnouncement(ctx context.Context, raw []byte) {
	var msg wire.NodeAnnouncement
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_announcement err=%v", err)
		return
	}
	if msg.NodeID == r.identity.PeerID {
		return
	}
	pub, err := cryptoengine.DecodePublicKeySPKI(msg.PublicKey)
	if err != nil {
		r.log.Printf("announcement with invalid public key nodeId=%v err=%v", msg.NodeID, err)
		return
	}
	signingKey, err := cryptoengine.DecodeSigningPublicKey(msg.SigningKey)
	if err != nil {
		r.log.Printf("announcement with invalid signing key nodeId=%v err=%v", msg.NodeID, err)
		return
	}
	sig := msg.Signature
	msg.Signature = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Printf("announcement re-marshal failed nodeId=%v err=%v", msg.NodeID, err)
		return
	}
	if !cryptoengine.VerifyAnnouncement(payload, sig, signingKey) {
		r.log.Printf("announcement with invalid signature nodeId=%v", msg.NodeID)
		return
	}

	var loc *geo.Location
	if msg.Location != nil {
		loc = &geo.Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	}
	r.upsertPeer(msg.NodeID, func(p *Peer) {
		p.PeerID = msg.NodeID
		p.Role = msg.Role
		p.Status = msg.Status
		p.PublicKey = pub
		p.SigningKey = signingKey
		p.LastSeen = time.Now()
		if loc != nil {
			p.Location = loc
		}
	})
	if p, ok := r.Peer(msg.NodeID); ok {
		r.mirrorToCache(ctx, p)
	}
}

// onStatus refreshes a known peer's status/role from a node_status frame.
// Unlike node_announcement, the frame carries no embedded key: it is
// verified against the peer's SigningKey learned from its earlier accepted
// announcement, so a peer's first status update can only be trusted once
// its announcement has already been admitted.
func (r *Registry) onStatus(ctx context.Context, raw []byte) {
	var msg wire.NodeStatus
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_status err=%v", err)
		return
	}
	if msg.NodeID == r.identity.PeerID {
		return
	}
	known, ok := r.Peer(msg.NodeID)
	if !ok {
		return
	}
	if known.SigningKey == nil {
		r.log.Printf("status update from peer with no known signing key nodeId=%v", msg.NodeID)
		return
	}
	sig := msg.Signature
	msg.Signature = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Printf("status re-marshal failed nodeId=%v err=%v", msg.NodeID, err)
		return
	}
	if !cryptoengine.VerifyAnnouncement(payload, sig, known.SigningKey) {
		r.log.Printf("status update with invalid signature nodeId=%v", msg.NodeID)
		return
	}

	r.upsertPeer(msg.NodeID, func(p *Peer) {
		p.Status = msg.Status
		if msg.Role != "" {
			p.Role = msg.Role
		}
		p.LastSeen = time.Now()
	})
	if p, ok := r.Peer(msg.NodeID); ok {
		r.mirrorToCache(ctx, p)
	}
}

func (r *Registry) onValidation(ctx context.Context, raw []byte) {
	var msg wire.NodeValidation
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_validation err=%v", err)
		return
	}
	if msg.TargetNodeID != r.identity.PeerID {
		return
	}
	r.mu.RLock()
	status := r.localStatus
	r.mu.RUnlock()

	resp := wire.NodeValidationResponse{
		Type:         wire.TypeNodeValidationResponse,
		NodeID:       r.identity.PeerID,
		TargetNodeID: msg.NodeID,
		Timestamp:    msg.Timestamp,
		Status:       status,
		Capabilities: r.localCapabilities(),
	}
	if err := r.adapter.Send(ctx, resp); err != nil {
		r.log.Printf("failed to respond to node_validation err=%v", err)
	}
}

func (r *Registry) onValidationResponse(raw []byte) {
	var msg wire.NodeValidationResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_validation_response err=%v", err)
		return
	}
	ch, ok := r.pendingValidations.Load(msg.NodeID)
	if !ok {
		return
	}
	respCh, ok := ch.(chan wire.NodeValidationResponse)
	if !ok {
		return
	}
	select {
	case respCh <- msg:
	default:
	}

	r.upsertPeer(msg.NodeID, func(p *Peer) {
		p.Status = msg.Status
		p.Capabilities.MaxBandwidthBps = msg.Capabilities.MaxBandwidthBps
		p.Capabilities.LatencyMs = msg.Capabilities.LatencyMs
		p.Capabilities.Reliability = msg.Capabilities.Reliability
		p.Capabilities.UptimeMs = msg.Capabilities.UptimeMs
		p.LastSeen = time.Now()
	})
}

func (r *Registry) onPing(ctx context.Context, raw []byte) {
	var msg wire.NodePing
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_ping err=%v", err)
		return
	}
	if msg.TargetNodeID != r.identity.PeerID {
		return
	}
	pong := wire.NodePong{
		Type:         wire.TypeNodePong,
		NodeID:       r.identity.PeerID,
		TargetNodeID: msg.NodeID,
		Timestamp:    msg.Timestamp,
	}
	if err := r.adapter.Send(ctx, pong); err != nil {
		r.log.Printf("failed to reply node_pong err=%v", err)
	}
}

func (r *Registry) onPong(raw []byte) {
	var msg wire.NodePong
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Printf("malformed node_pong err=%v", err)
		return
	}
	if msg.TargetNodeID != r.identity.PeerID {
		return
	}
	ch, ok := r.pendingValidations.Load(pingKey(msg.NodeID))
	if !ok {
		return
	}
	respCh, ok := ch.(chan wire.NodePong)
	if !ok {
		return
	}
	select {
	case respCh <- msg:
	default:
	}
}

// localCapabilities reports this node's own measured capabilities, for
// node_validation_response answers.
func (r *Registry) localCapabilities() wire.Capabilities {
	r.mu.RLock()
	caps := r.selfCaps
	r.mu.RUnlock()
	return wire.Capabilities{
		MaxBandwidthBps: caps.MaxBandwidthBps,
		LatencyMs:       caps.LatencyMs,
		Reliability:     caps.Reliability,
		UptimeMs:        float64(r.identity.Uptime(time.Now()).Milliseconds()),
	}
}
