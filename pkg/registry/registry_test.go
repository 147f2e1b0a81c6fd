package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/geo"
	"shroudmesh/pkg/identity"
	"shroudmesh/pkg/policy"
	"shroudmesh/pkg/signaling"
	"shroudmesh/pkg/wire"
)

// loopbackTransport is an in-memory signaling.Transport that echoes
// anything sent on it back as an inbound line to the same adapter, so a
// registry can validate/ping "itself" acting as a stand-in peer during
// tests that don't need a second real node.
type loopbackTransport struct {
	mu   sync.Mutex
	buf  chan []byte
	dead bool
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{buf: make(chan []byte, 32)}
}

func (l *loopbackTransport) Dial(ctx context.Context) error { return nil }
func (l *loopbackTransport) SendLine(ctx context.Context, line []byte) error {
	cp := append([]byte(nil), line...)
	select {
	case l.buf <- cp:
	default:
	}
	return nil
}
func (l *loopbackTransport) RecvLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-l.buf:
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (l *loopbackTransport) Close() error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *identity.NodeIdentity) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	adapter := signaling.New(newLoopbackTransport(), nil)
	reg := New(id, adapter, policy.NewEngine(), nil, wire.RoleRelay, nil)
	return reg, id
}

func encodeTestPeerKey(t *testing.T) string {
	t.Helper()
	pairs, err := cryptoengine.GenerateCircuitKeys(1)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := cryptoengine.EncodePublicKeySPKI(pairs[0].Public)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return enc
}

// signedAnnouncement builds and signs a node_announcement frame with a
// freshly generated signing keypair, mirroring what registry.announce
// does for outbound frames.
func signedAnnouncement(t *testing.T, msg wire.NodeAnnouncement) []byte {
	t.Helper()
	signPub, signPriv, err := cryptoengine.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	msg.SigningKey = cryptoengine.EncodeSigningPublicKey(signPub)
	msg.Signature = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	msg.Signature = cryptoengine.SignAnnouncement(payload, signPriv)
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal signed announcement: %v", err)
	}
	return raw
}

func TestOnAnnouncementInsertsNewPeer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	pubKey := encodeTestPeerKey(t)

	raw := signedAnnouncement(t, wire.NodeAnnouncement{
		Type:      wire.TypeNodeAnnouncement,
		NodeID:    "peer-1",
		Role:      wire.RoleRelay,
		Status:    wire.StatusAvailable,
		PublicKey: pubKey,
	})
	reg.onAnnouncement(context.Background(), raw)

	p, ok := reg.Peer("peer-1")
	if !ok {
		t.Fatal("expected peer-1 to be inserted")
	}
	if p.Status != wire.StatusAvailable {
		t.Fatalf("status = %s, want Available", p.Status)
	}
}

func TestOnAnnouncementRejectsBadSignature(t *testing.T) {
	reg, _ := newTestRegistry(t)
	pubKey := encodeTestPeerKey(t)
	signPub, _, err := cryptoengine.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	raw, _ := json.Marshal(wire.NodeAnnouncement{
		Type:       wire.TypeNodeAnnouncement,
		NodeID:     "peer-forged",
		Role:       wire.RoleRelay,
		Status:     wire.StatusAvailable,
		PublicKey:  pubKey,
		SigningKey: cryptoengine.EncodeSigningPublicKey(signPub),
		Signature:  "not-a-real-signature",
	})
	reg.onAnnouncement(context.Background(), raw)

	if _, ok := reg.Peer("peer-forged"); ok {
		t.Fatal("registry should reject an announcement with an invalid signature")
	}
}

func TestOnAnnouncementIgnoresSelf(t *testing.T) {
	reg, id := newTestRegistry(t)
	pubKey := encodeTestPeerKey(t)
	raw := signedAnnouncement(t, wire.NodeAnnouncement{
		Type:      wire.TypeNodeAnnouncement,
		NodeID:    id.PeerID,
		Role:      wire.RoleRelay,
		Status:    wire.StatusAvailable,
		PublicKey: pubKey,
	})
	reg.onAnnouncement(context.Background(), raw)
	if _, ok := reg.Peer(id.PeerID); ok {
		t.Fatal("registry should not insert its own announcement as a peer")
	}
}

func TestOnStatusUpdatesKnownPeerWithValidSignature(t *testing.T) {
	reg, _ := newTestRegistry(t)
	pubKey := encodeTestPeerKey(t)
	signPub, signPriv, err := cryptoengine.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	announceRaw := signedAnnouncement(t, wire.NodeAnnouncement{
		Type:      wire.TypeNodeAnnouncement,
		NodeID:    "peer-2",
		Role:      wire.RoleRelay,
		Status:    wire.StatusWaiting,
		PublicKey: pubKey,
	})
	// override the announcement's SigningKey with a known keypair so the
	// status frame below can be signed against it.
	var ann wire.NodeAnnouncement
	if err := json.Unmarshal(announceRaw, &ann); err != nil {
		t.Fatalf("unmarshal announcement: %v", err)
	}
	ann.SigningKey = cryptoengine.EncodeSigningPublicKey(signPub)
	ann.Signature = ""
	payload, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	ann.Signature = cryptoengine.SignAnnouncement(payload, signPriv)
	raw, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	reg.onAnnouncement(context.Background(), raw)

	status := wire.NodeStatus{
		Type:   wire.TypeNodeStatus,
		NodeID: "peer-2",
		Status: wire.StatusAvailable,
		Role:   wire.RoleRelay,
	}
	statusPayload, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	status.Signature = cryptoengine.SignAnnouncement(statusPayload, signPriv)
	statusRaw, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal signed status: %v", err)
	}
	reg.onStatus(context.Background(), statusRaw)

	p, ok := reg.Peer("peer-2")
	if !ok {
		t.Fatal("expected peer-2 to be known")
	}
	if p.Status != wire.StatusAvailable {
		t.Fatalf("status = %s, want Available", p.Status)
	}
}

func TestOnStatusIgnoresUnknownPeer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	status := wire.NodeStatus{Type: wire.TypeNodeStatus, NodeID: "ghost", Status: wire.StatusAvailable}
	raw, _ := json.Marshal(status)
	reg.onStatus(context.Background(), raw)
	if _, ok := reg.Peer("ghost"); ok {
		t.Fatal("registry should not create a peer entry from a status update alone")
	}
}

func TestEffectiveStatusDegradesToOfflinePastStalenessWindow(t *testing.T) {
	p := &Peer{PeerID: "p1", Status: wire.StatusAvailable, LastSeen: time.Now().Add(-time.Hour)}
	if got := p.EffectiveStatus(time.Now()); got != wire.StatusOffline {
		t.Fatalf("effective status = %s, want Offline", got)
	}
}

func TestScoreClampsAndWeighsSignals(t *testing.T) {
	strong := &Peer{Capabilities: Capabilities{MaxBandwidthBps: 10_000_000, LatencyMs: 10, Reliability: 1.0, UptimeMs: float64(48 * time.Hour.Milliseconds())}}
	weak := &Peer{Capabilities: Capabilities{MaxBandwidthBps: 1000, LatencyMs: 2000, Reliability: 0.1, UptimeMs: 1000}}
	if score(strong) <= score(weak) {
		t.Fatalf("expected strong peer to outscore weak peer: %f vs %f", score(strong), score(weak))
	}
	if score(strong) > 1.0 {
		t.Fatalf("score should be clamped to at most 1.0 total-weighted, got %f", score(strong))
	}
}

func TestBuildRoleSlotsThreeHops(t *testing.T) {
	roles := buildRoleSlots(3)
	want := []wire.Role{wire.RoleEntry, wire.RoleRelay, wire.RoleExit}
	if len(roles) != len(want) {
		t.Fatalf("got %d roles, want %d", len(roles), len(want))
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("role[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
}

func TestNextRoleCyclesRelayEntryExit(t *testing.T) {
	if got := nextRole(wire.RoleRelay); got != wire.RoleEntry {
		t.Fatalf("relay -> %s, want Entry", got)
	}
	if got := nextRole(wire.RoleEntry); got != wire.RoleExit {
		t.Fatalf("entry -> %s, want Exit", got)
	}
	if got := nextRole(wire.RoleExit); got != wire.RoleRelay {
		t.Fatalf("exit -> %s, want Relay", got)
	}
}

func TestRegionLookupIntegration(t *testing.T) {
	p := &Peer{Location: &geo.Location{Latitude: 52.5, Longitude: 13.4}}
	if got := p.Region(); got != geo.RegionEurope {
		t.Fatalf("region = %s, want EU", got)
	}
}
