package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/identity"
	"shroudmesh/pkg/policy"
	"shroudmesh/pkg/signaling"
	"shroudmesh/pkg/store"
	"shroudmesh/pkg/wire"
)

const (
	waitingPeriod    = 30 * time.Second
	announceEvery    = 5 * time.Second
	minNodesRequired = 2
	validationDeadline = 5 * time.Second
	roleRotationEvery  = 30 * time.Minute
)

// Registry is the local view of the network: the peer table, this
// node's own announcement/waiting-window state machine, and the
// dependencies (policy, geo, optional store) candidate selection needs.
type Registry struct {
	identity  *identity.NodeIdentity
	adapter   *signaling.Adapter
	policyEng *policy.Engine
	cache     *store.Store // optional, nil-safe
	log       *log.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	localStatus  wire.Status
	localRole    wire.Role
	waitingSince time.Time
	lastRotation time.Time
	selfCaps     Capabilities

	pendingValidations sync.Map // targetNodeId -> chan wire.NodeValidationResponse; pingKey(targetNodeId) -> chan wire.NodePong

	activeMeasurements atomic.Int64
	discoveryRequests  atomic.Int64
}

// New constructs a registry entering the Waiting state with the given
// self-declared role hint, per spec 4.3 "Announcement".
func New(id *identity.NodeIdentity, adapter *signaling.Adapter, policyEng *policy.Engine, cache *store.Store, roleHint wire.Role, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	if policyEng == nil {
		policyEng = policy.NewEngine()
	}
	now := time.Now()
	r := &Registry{
		identity:     id,
		adapter:      adapter,
		policyEng:    policyEng,
		cache:        cache,
		log:          logger,
		peers:        make(map[string]*Peer),
		localStatus:  wire.StatusWaiting,
		localRole:    roleHint,
		waitingSince: now,
		lastRotation: now,
	}
	adapter.Subscribe(r.handleInbound)
	return r
}

// LocalStatus returns this node's own current status.
func (r *Registry) LocalStatus() wire.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localStatus
}

// LocalRole returns this node's own current role.
func (r *Registry) LocalRole() wire.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localRole
}

// Run drives the announcement loop and role rotation timer until ctx is
// cancelled. It is meant to run as one goroutine per node.
func (r *Registry) Run(ctx context.Context) error {
	r.warmStartFromCache(ctx)

	announceTicker := time.NewTicker(announceEvery)
	defer announceTicker.Stop()

	if err := r.announce(ctx); err != nil {
		r.log.Printf("initial announcement failed err=%v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-announceTicker.C:
			r.checkWaitingWindow()
			if err := r.announce(ctx); err != nil {
				r.log.Printf("announcement failed err=%v", err)
			}
			r.maybeRotateRole(ctx)
		}
	}
}

// warmStartFromCache seeds the peer table from the shared store, if
// configured, so a freshly-restarted node has capability/status data to
// score candidates with before its own announcement window has produced
// any live traffic. Warm-started entries carry no PublicKey/SigningKey
// (the cache does not persist them), so they cannot serve as circuit
// hops until a real node_announcement is received for them.
func (r *Registry) warmStartFromCache(ctx context.Context) {
	if r.cache == nil {
		return
	}
	snaps, err := r.cache.Scan(ctx)
	if err != nil {
		r.log.Printf("warm start from cache failed err=%v", err)
		return
	}
	for _, snap := range snaps {
		if snap.PeerID == r.identity.PeerID {
			continue
		}
		r.upsertPeer(snap.PeerID, func(p *Peer) {
			p.PeerID = snap.PeerID
			p.Role = wire.Role(snap.Role)
			p.Status = wire.Status(snap.Status)
			p.Capabilities.MaxBandwidthBps = snap.MaxBandwidthBps
			p.Capabilities.LatencyMs = snap.LatencyMs
			p.Capabilities.Reliability = snap.Reliability
			p.Capabilities.UptimeMs = snap.UptimeMs
			p.LastSeen = time.UnixMilli(snap.LastSeenUnixMs)
		})
	}
	if len(snaps) > 0 {
		r.log.Printf("warm started %d peers from cache", len(snaps))
	}
}

// checkWaitingWindow re-evaluates admission per spec 4.3: if at least
// MIN_NODES_REQUIRED peers have been observed Waiting or Available within
// the waiting window, transition to Available; otherwise the window
// re-enters (waitingSince resets) and status stays Waiting.
func (r *Registry) checkWaitingWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localStatus != wire.StatusWaiting {
		return
	}
	now := time.Now()
	if now.Sub(r.waitingSince) < waitingPeriod {
		return
	}
	observed := 0
	for _, p := range r.peers {
		switch p.EffectiveStatus(now) {
		case wire.StatusWaiting, wire.StatusAvailable:
			observed++
		}
	}
	if observed >= minNodesRequired {
		r.localStatus = wire.StatusAvailable
		r.log.Printf("registry admitted to network observed_peers=%v", observed)
		return
	}
	r.waitingSince = now
}

// maybeRotateRole advances the local role every roleRotationEvery,
// cyclically Relay -> Entry -> Exit -> Relay, per spec 4.3 "Role rotation".
func (r *Registry) maybeRotateRole(ctx context.Context) {
	r.mu.Lock()
	now := time.Now()
	if now.Sub(r.lastRotation) < roleRotationEvery {
		r.mu.Unlock()
		return
	}
	r.localRole = nextRole(r.localRole)
	r.lastRotation = now
	role := r.localRole
	status := r.localStatus
	r.mu.Unlock()

	msg := wire.NodeStatus{
		Type:   wire.TypeNodeStatus,
		NodeID: r.identity.PeerID,
		Status: status,
		Role:   role,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Printf("role rotation marshal failed err=%v", err)
		return
	}
	msg.Signature = cryptoengine.SignAnnouncement(payload, r.identity.SignPriv)
	if err := r.adapter.Send(ctx, msg); err != nil {
		r.log.Printf("role rotation announcement failed err=%v", err)
	}
}

func nextRole(r wire.Role) wire.Role {
	switch r {
	case wire.RoleRelay:
		return wire.RoleEntry
	case wire.RoleEntry:
		return wire.RoleExit
	case wire.RoleExit:
		return wire.RoleRelay
	default:
		return wire.RoleRelay
	}
}

// announce broadcasts a node_announcement frame for the local identity.
func (r *Registry) announce(ctx context.Context) error {
	pubB64, err := cryptoengine.EncodePublicKeySPKI(r.identity.RSAPublic)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	r.mu.RLock()
	status := r.localStatus
	role := r.localRole
	r.mu.RUnlock()

	msg := wire.NodeAnnouncement{
		Type:       wire.TypeNodeAnnouncement,
		NodeID:     r.identity.PeerID,
		Role:       role,
		Status:     status,
		PublicKey:  pubB64,
		SigningKey: cryptoengine.EncodeSigningPublicKey(r.identity.SignPublic),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	msg.Signature = cryptoengine.SignAnnouncement(payload, r.identity.SignPriv)
	return r.adapter.Send(ctx, msg)
}

// Peer returns a copy of the peer entry for id, if known.
func (r *Registry) Peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns copies of every known peer, for diagnostics and for
// warm-starting pkg/store.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// mirrorToCache writes p's current snapshot to the optional shared store,
// per spec 2: every accepted announcement/status update is mirrored with
// a TTL equal to the staleness window, so an independently-restarted node
// on the same signaling bus can warm-start instead of waiting through a
// fresh announcement window. A nil cache (no Redis configured) is a no-op.
func (r *Registry) mirrorToCache(ctx context.Context, p Peer) {
	if r.cache == nil {
		return
	}
	snap := store.PeerSnapshot{
		PeerID:          p.PeerID,
		Role:            string(p.Role),
		Status:          string(p.Status),
		MaxBandwidthBps: p.Capabilities.MaxBandwidthBps,
		LatencyMs:       p.Capabilities.LatencyMs,
		Reliability:     p.Capabilities.Reliability,
		UptimeMs:        p.Capabilities.UptimeMs,
		Region:          string(p.Region()),
		LastSeenUnixMs:  p.LastSeen.UnixMilli(),
	}
	if err := r.cache.Put(ctx, snap); err != nil {
		r.log.Printf("mirror peer snapshot to cache failed peerId=%v err=%v", p.PeerID, err)
	}
}

func (r *Registry) upsertPeer(id string, mutate func(p *Peer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{PeerID: id, LastSeen: time.Now()}
		r.peers[id] = p
	}
	mutate(p)
}

