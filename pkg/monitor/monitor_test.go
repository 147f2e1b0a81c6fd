package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"shroudmesh/pkg/circuit"
	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/identity"
	"shroudmesh/pkg/peerlink"
	"shroudmesh/pkg/policy"
	"shroudmesh/pkg/registry"
	"shroudmesh/pkg/signaling"
	"shroudmesh/pkg/wire"
)

// noopTransport satisfies signaling.Transport without ever completing a
// round trip; the tests here only exercise paths that don't need one.
type noopTransport struct{}

func (noopTransport) Dial(ctx context.Context) error                       { return nil }
func (noopTransport) SendLine(ctx context.Context, line []byte) error      { return nil }
func (noopTransport) RecvLine(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (noopTransport) Close() error { return nil }

func newTestMonitor(t *testing.T) (*Monitor, *Handle) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	adapter := signaling.New(noopTransport{}, nil)
	reg := registry.New(id, adapter, policy.NewEngine(), nil, wire.RoleRelay, nil)
	c := &circuit.Circuit{CircuitID: "c1", Status: circuit.StatusReady}
	handle := NewHandle(c)
	m := New(handle, nil, nil, reg, DefaultInterval, nil)
	return m, handle
}

func TestHandleCurrentReflectsSwap(t *testing.T) {
	c1 := &circuit.Circuit{CircuitID: "c1"}
	c2 := &circuit.Circuit{CircuitID: "c2"}
	h := NewHandle(c1)
	if h.Current().CircuitID != "c1" {
		t.Fatal("expected initial handle to reference c1")
	}
	h.swap(c2)
	if h.Current().CircuitID != "c2" {
		t.Fatal("expected handle to reference c2 after swap")
	}
}

func TestTickEmitsWaitingWhenTooFewAvailablePeers(t *testing.T) {
	m, _ := newTestMonitor(t)

	var got Status
	var mu sync.Mutex
	m.Subscribe(func(status Status, details Details) {
		mu.Lock()
		got = status
		mu.Unlock()
	})

	m.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if got != StatusWaiting {
		t.Fatalf("status = %s, want Waiting (no peers registered)", got)
	}
}

func TestSubscribeAllowsMultipleListeners(t *testing.T) {
	m, _ := newTestMonitor(t)
	var calls int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		m.Subscribe(func(status Status, details Details) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}
	m.emit(StatusReady, Details{CircuitID: "c1"})
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestAverageAndMinimumHelpers(t *testing.T) {
	if got := average(nil); got != 0 {
		t.Fatalf("average(nil) = %f, want 0", got)
	}
	if got := average([]float64{10, 20, 30}); got != 20 {
		t.Fatalf("average = %f, want 20", got)
	}
	if got := minimum([]float64{5, 1, 9}); got != 1 {
		t.Fatalf("minimum = %f, want 1", got)
	}
	if got := minimum(nil); got != 0 {
		t.Fatalf("minimum(nil) = %f, want 0", got)
	}
}

// fakeMeshTransport answers every node_validation request in-line with
// the seeded capabilities for its target, so registry.Validate and
// circuit.Builder's SuitableRelays->Validate calls succeed without a real
// rendezvous connection. Every other outbound frame (circuit_signaling in
// particular) is accepted and dropped, matching how a real peer link
// carries hop establishment out of band from the signaling plane.
type fakeMeshTransport struct {
	mu   sync.Mutex
	recv chan []byte
	caps map[string]wire.Capabilities
}

func newFakeMeshTransport(caps map[string]wire.Capabilities) *fakeMeshTransport {
	return &fakeMeshTransport{recv: make(chan []byte, 64), caps: caps}
}

func (f *fakeMeshTransport) seed(msg any) {
	raw, _ := json.Marshal(msg)
	f.recv <- raw
}

func (f *fakeMeshTransport) Dial(ctx context.Context) error { return nil }
func (f *fakeMeshTransport) Close() error                   { return nil }

func (f *fakeMeshTransport) RecvLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-f.recv:
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeMeshTransport) SendLine(ctx context.Context, line []byte) error {
	var env wire.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil
	}
	if env.Type != wire.TypeNodeValidation {
		return nil
	}
	var req wire.NodeValidation
	if err := json.Unmarshal(line, &req); err != nil {
		return nil
	}
	resp := wire.NodeValidationResponse{
		Type:         wire.TypeNodeValidationResponse,
		NodeID:       req.TargetNodeID,
		TargetNodeID: req.NodeID,
		Timestamp:    req.Timestamp,
		Status:       wire.StatusAvailable,
		Capabilities: f.caps[req.TargetNodeID],
	}
	f.seed(resp)
	return nil
}

var healthyMonitorCaps = wire.Capabilities{
	MaxBandwidthBps: 10_000_000,
	LatencyMs:       20,
	Reliability:     0.99,
	UptimeMs:        float64(time.Hour.Milliseconds()),
}

// borderlineMonitorCaps clears policy.DefaultScript's admission floor but
// scores far lower than healthyMonitorCaps, so a peer seeded with it loses
// every scored comparison against a healthyMonitorCaps peer.
var borderlineMonitorCaps = wire.Capabilities{
	MaxBandwidthBps: 500_000,
	LatencyMs:       900,
	Reliability:     0.85,
	UptimeMs:        float64(310 * time.Second.Milliseconds()),
}

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type meshPeerSpec struct {
	id   string
	role wire.Role
	caps wire.Capabilities
}

// distinctMeshLocations places each seeded peer in a different continental
// region (per pkg/geo's boxes), so SuitableRelays's "at most two peers per
// region" diversity cap never collapses a same-region test fixture down to
// fewer usable candidates than the test needs.
var distinctMeshLocations = []wire.Location{
	{Latitude: 40.7, Longitude: -74.0},  // New York, NA
	{Latitude: 52.5, Longitude: 13.4},   // Berlin, EU
	{Latitude: 35.7, Longitude: 139.7},  // Tokyo, AS
	{Latitude: -23.5, Longitude: -46.6}, // Sao Paulo, SA
	{Latitude: 6.5, Longitude: 3.4},     // Lagos, AF
	{Latitude: -33.9, Longitude: 151.2}, // Sydney, OC
}

func signedMeshAnnouncement(t *testing.T, peerID string, role wire.Role, loc wire.Location) wire.NodeAnnouncement {
	t.Helper()
	rsaKeys, err := cryptoengine.GenerateCircuitKeys(1)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pubB64, err := cryptoengine.EncodePublicKeySPKI(rsaKeys[0].Public)
	if err != nil {
		t.Fatalf("encode rsa key: %v", err)
	}
	signPub, signPriv, err := cryptoengine.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	msg := wire.NodeAnnouncement{
		Type:       wire.TypeNodeAnnouncement,
		NodeID:     peerID,
		Role:       role,
		Status:     wire.StatusAvailable,
		PublicKey:  pubB64,
		SigningKey: cryptoengine.EncodeSigningPublicKey(signPub),
		Location:   &loc,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	msg.Signature = cryptoengine.SignAnnouncement(payload, signPriv)
	return msg
}

// newMonitorMeshFixture wires a live registry and circuit.Builder over an
// in-memory signaling transport, admitting one peer per spec so tick's
// health classification and any repair/rebuild it triggers have a real
// candidate pool to draw from.
func newMonitorMeshFixture(t *testing.T, specs []meshPeerSpec) (*registry.Registry, *circuit.Builder, context.CancelFunc) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	caps := make(map[string]wire.Capabilities)
	transport := newFakeMeshTransport(caps)
	adapter := signaling.New(transport, discardLogger())
	reg := registry.New(id, adapter, policy.NewEngine(), nil, wire.RoleRelay, discardLogger())

	for i, spec := range specs {
		c := spec.caps
		if c == (wire.Capabilities{}) {
			c = healthyMonitorCaps
		}
		caps[spec.id] = c
		loc := distinctMeshLocations[i%len(distinctMeshLocations)]
		transport.seed(signedMeshAnnouncement(t, spec.id, spec.role, loc))
	}

	dial := func(ctx context.Context, peerID string) (peerlink.Transport, peerlink.ForwardTarget, error) {
		a, _ := peerlink.NewPipePair()
		return a, peerlink.ForwardTarget{PeerID: peerID}, nil
	}
	builder := circuit.NewBuilder(id, reg, adapter, dial, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go adapter.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !adapter.Connected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for _, spec := range specs {
		for time.Now().Before(deadline) {
			if _, ok := reg.Peer(spec.id); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	return reg, builder, cancel
}

func statusRecorder() (*sync.Mutex, *[]Status, Listener) {
	var mu sync.Mutex
	var seen []Status
	return &mu, &seen, func(status Status, details Details) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}
}

func TestTickEmitsReadyWhenAllHopsHealthy(t *testing.T) {
	reg, builder, cancel := newMonitorMeshFixture(t, []meshPeerSpec{
		{id: "hop-entry", role: wire.RoleEntry},
		{id: "hop-relay", role: wire.RoleRelay},
		{id: "hop-exit", role: wire.RoleExit},
	})
	defer cancel()

	c := &circuit.Circuit{CircuitID: "c1", Status: circuit.StatusReady, Hops: []circuit.Hop{
		{PeerID: "hop-entry"}, {PeerID: "hop-relay"}, {PeerID: "hop-exit"},
	}}
	handle := NewHandle(c)
	m := New(handle, builder, nil, reg, DefaultInterval, discardLogger())

	mu, seen, listener := statusRecorder()
	m.Subscribe(listener)
	m.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(*seen) != 1 || (*seen)[0] != StatusReady {
		t.Fatalf("statuses = %v, want [Ready]", *seen)
	}
	if c.GetStatus() != circuit.StatusReady {
		t.Fatalf("circuit status = %s, want Ready", c.GetStatus())
	}
}

func TestTickDegradesThenRepairsOnSingleUnhealthyHop(t *testing.T) {
	// Only the entry and exit peers are ever announced; the relay hop's
	// peer is left completely unknown to the registry, so it classifies
	// as unhealthy without needing a validation round trip.
	reg, builder, cancel := newMonitorMeshFixture(t, []meshPeerSpec{
		{id: "hop-entry", role: wire.RoleEntry},
		{id: "hop-exit", role: wire.RoleExit},
	})
	defer cancel()

	c := &circuit.Circuit{CircuitID: "c1", Status: circuit.StatusReady, Hops: []circuit.Hop{
		{PeerID: "hop-entry"}, {PeerID: "hop-relay-missing"}, {PeerID: "hop-exit"},
	}}
	handle := NewHandle(c)
	m := New(handle, builder, nil, reg, DefaultInterval, discardLogger())

	mu, seen, listener := statusRecorder()
	m.Subscribe(listener)

	m.tick(context.Background())
	mu.Lock()
	firstTick := append([]Status(nil), *seen...)
	mu.Unlock()
	if len(firstTick) != 1 || firstTick[0] != StatusDegraded {
		t.Fatalf("first tick statuses = %v, want [Degraded]", firstTick)
	}
	if c.GetStatus() != circuit.StatusDegraded {
		t.Fatalf("circuit status after first tick = %s, want Degraded", c.GetStatus())
	}

	m.tick(context.Background())
	mu.Lock()
	secondTick := append([]Status(nil), (*seen)[1:]...)
	mu.Unlock()
	if len(secondTick) == 0 || secondTick[0] != StatusRepairing {
		t.Fatalf("second tick statuses = %v, want to start with Repairing", secondTick)
	}
	if got := secondTick[len(secondTick)-1]; got != StatusReady && got != StatusRebuilding {
		t.Fatalf("second tick ended in %s, want eventual Ready (or an escalated Rebuilding)", got)
	}
	if len(handle.Current().HopsSnapshot()) != 3 {
		t.Fatalf("expected repaired circuit to still have 3 hops")
	}
}

func TestTickRebuildsOnMajorityUnhealthyHops(t *testing.T) {
	// Three Relay-role peers give the Relay slot a full top-3 to pick from,
	// and only spare-exit holds the Exit role, so the rebuild can fill every
	// slot regardless of which relay candidate the rendezvous hash picks.
	reg, builder, cancel := newMonitorMeshFixture(t, []meshPeerSpec{
		{id: "spare-entry", role: wire.RoleEntry},
		{id: "spare-relay-1", role: wire.RoleRelay},
		{id: "spare-relay-2", role: wire.RoleRelay},
		{id: "spare-relay-3", role: wire.RoleRelay},
		{id: "spare-exit", role: wire.RoleExit, caps: borderlineMonitorCaps},
	})
	defer cancel()

	old := &circuit.Circuit{CircuitID: "old-circuit", Status: circuit.StatusReady, Hops: []circuit.Hop{
		{PeerID: "gone-entry"}, {PeerID: "gone-relay"}, {PeerID: "spare-exit"},
	}}
	table := circuit.NewTable()
	table.Put(old)
	handle := NewHandle(old)
	m := New(handle, builder, table, reg, DefaultInterval, discardLogger())

	mu, seen, listener := statusRecorder()
	m.Subscribe(listener)
	m.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(*seen) == 0 || (*seen)[0] != StatusRebuilding {
		t.Fatalf("statuses = %v, want to start with Rebuilding", *seen)
	}
	if got := (*seen)[len(*seen)-1]; got != StatusReady {
		t.Fatalf("final status = %s, want Ready", got)
	}
	next := handle.Current()
	if next.CircuitID == old.CircuitID {
		t.Fatal("expected rebuild to swap in a new circuit id")
	}
	for _, hop := range next.HopsSnapshot() {
		if hop.PeerID == "gone-entry" || hop.PeerID == "gone-relay" {
			t.Fatalf("rebuilt circuit still references excluded unhealthy peer %s", hop.PeerID)
		}
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	adapter := signaling.New(noopTransport{}, nil)
	reg := registry.New(id, adapter, policy.NewEngine(), nil, wire.RoleRelay, nil)
	m := New(NewHandle(&circuit.Circuit{CircuitID: "c1"}), nil, nil, reg, 0, nil)
	if m.interval != DefaultInterval {
		t.Fatalf("interval = %s, want default %s", m.interval, DefaultInterval)
	}
}
