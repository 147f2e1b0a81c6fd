// Package monitor implements the per-circuit health loop (C5): tick on a
// configurable period, classify each hop healthy or unhealthy against
// the registry, and decide between staying Ready, a targeted Repair, or
// a full Rebuild. Grounded on registry.Registry's own ticker-driven Run
// loop (pkg/registry/registry.go) for the loop shape, and on the
// teacher's pkg/wg.ClientManager for the small-interface-plus-listener
// event surface (pkg/wg/client_types.go, pkg/wg/client_noop.go).
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"shroudmesh/pkg/circuit"
	"shroudmesh/pkg/registry"
	"shroudmesh/pkg/wire"
)

// DefaultInterval is the tick period spec 4.5 defaults to.
const DefaultInterval = 5 * time.Second

// MinNodesRequired mirrors the registry's own admission floor: below
// this many Available peers network-wide, a monitor tick can't trust
// any health read and defers by emitting Waiting.
const MinNodesRequired = 2

// Status is a monitor tick's own vocabulary (spec 4.5), distinct from
// circuit.Status: Waiting has no equivalent in the circuit's own state
// lattice, since it describes the registry's peer count, not the
// circuit's build progress.
type Status string

const (
	StatusWaiting    Status = "Waiting"
	StatusReady      Status = "Ready"
	StatusDegraded   Status = "Degraded"
	StatusRepairing  Status = "Repairing"
	StatusRebuilding Status = "Rebuilding"
	StatusFailed     Status = "Failed"
)

// Details accompanies every status emission with the aggregates a
// listener needs to react (metrics, UI, logging) without re-deriving
// them from the circuit itself.
type Details struct {
	CircuitID       string
	TotalHops       int
	HealthyHops     int
	AvgLatencyMs    float64
	MinBandwidthBps float64
	UnhealthyPeers  []string
}

// Listener receives every status transition the monitor emits. The set
// of listeners may be mutated concurrently with emission (spec 4.5).
type Listener func(status Status, details Details)

// Handle is a swappable reference to the circuit currently backing a
// logical session: Rebuild allocates a brand new circuit id, but a
// Handle lets callers (C6 in particular) keep dereferencing the same
// pointer and transparently see the replacement, preserving identity
// "from the caller's view" per spec 4.4.
type Handle struct {
	mu sync.RWMutex
	c  *circuit.Circuit
}

// NewHandle wraps an already-built circuit.
func NewHandle(c *circuit.Circuit) *Handle {
	return &Handle{c: c}
}

// Current returns the circuit currently backing this handle.
func (h *Handle) Current() *circuit.Circuit {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.c
}

func (h *Handle) swap(c *circuit.Circuit) {
	h.mu.Lock()
	h.c = c
	h.mu.Unlock()
}

// Monitor runs the health loop for a single circuit handle.
type Monitor struct {
	handle   *Handle
	builder  *circuit.Builder
	table    *circuit.Table
	reg      *registry.Registry
	interval time.Duration
	minNodes int
	log      *log.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// New constructs a Monitor for handle, using builder for repair/rebuild
// and table to track the possibly-new circuit identity after a rebuild.
// interval <= 0 defaults to DefaultInterval.
func New(handle *Handle, builder *circuit.Builder, table *circuit.Table, reg *registry.Registry, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		handle:   handle,
		builder:  builder,
		table:    table,
		reg:      reg,
		interval: interval,
		minNodes: MinNodesRequired,
		log:      logger,
	}
}

// Subscribe registers l to receive future status emissions.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) emit(status Status, details Details) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(status, details)
	}
}

// Run drives the tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick implements spec 4.5's per-tick algorithm.
func (m *Monitor) tick(ctx context.Context) {
	c := m.handle.Current()
	if c == nil {
		return
	}
	circuitID := c.CircuitID

	availablePeers := 0
	now := time.Now()
	for _, p := range m.reg.Snapshot() {
		if p.EffectiveStatus(now) == wire.StatusAvailable {
			availablePeers++
		}
	}
	if availablePeers < m.minNodes {
		m.emit(StatusWaiting, Details{CircuitID: circuitID})
		return
	}

	hops := c.HopsSnapshot()
	total := len(hops)

	var healthy int
	var latencies []float64
	var bandwidths []float64
	var unhealthy []string
	for _, hop := range hops {
		peer, ok := m.reg.Peer(hop.PeerID)
		if !ok || peer.EffectiveStatus(now) != wire.StatusAvailable {
			unhealthy = append(unhealthy, hop.PeerID)
			continue
		}
		ok2, err := m.reg.Validate(ctx, hop.PeerID)
		if err != nil || !ok2 {
			unhealthy = append(unhealthy, hop.PeerID)
			continue
		}
		healthy++
		latencies = append(latencies, peer.Capabilities.LatencyMs)
		bandwidths = append(bandwidths, peer.Capabilities.MaxBandwidthBps)
	}

	details := Details{
		CircuitID:       circuitID,
		TotalHops:       total,
		HealthyHops:     healthy,
		AvgLatencyMs:    average(latencies),
		MinBandwidthBps: minimum(bandwidths),
		UnhealthyPeers:  unhealthy,
	}

	switch {
	case len(unhealthy) == 0:
		c.SetStatus(circuit.StatusReady)
		m.emit(StatusReady, details)
	case len(unhealthy) > total/3:
		m.rebuild(ctx, c, total, unhealthy, details)
	case c.GetStatus() != circuit.StatusDegraded:
		// First tick to see a minor unhealthy count: surface Degraded and
		// defer the actual repair to the next tick, per spec 8 scenario S3
		// ("within two monitor ticks, expect a Degraded emission followed
		// by Repairing -> Ready").
		c.SetStatus(circuit.StatusDegraded)
		m.emit(StatusDegraded, details)
	default:
		m.repair(ctx, c, unhealthy, details)
	}
}

// rebuild implements the "unhealthy > floor(N/3)" branch: a full C4
// build excluding the unhealthy peers, with the handle swapped to the
// new circuit so callers holding the handle see the replacement.
func (m *Monitor) rebuild(ctx context.Context, old *circuit.Circuit, n int, unhealthy []string, details Details) {
	old.SetStatus(circuit.StatusRebuilding)
	m.emit(StatusRebuilding, details)
	exclude := make(map[string]bool, len(unhealthy))
	for _, id := range unhealthy {
		exclude[id] = true
	}
	next, err := m.builder.Build(ctx, n, exclude)
	if err != nil {
		m.log.Printf("circuit rebuild failed circuit_id=%v err=%v", old.CircuitID, err)
		old.SetStatus(circuit.StatusFailed)
		m.emit(StatusFailed, details)
		return
	}
	if m.table != nil {
		m.table.Put(next)
		m.table.Remove(old.CircuitID)
	}
	old.Close()
	next.SetStatus(circuit.StatusReady)
	m.handle.swap(next)
	m.emit(StatusReady, Details{CircuitID: next.CircuitID, TotalHops: n, HealthyHops: n})
}

// repair implements the "else" branch: one targeted replacement per
// unhealthy hop, escalating to a full rebuild if any replacement fails.
func (m *Monitor) repair(ctx context.Context, c *circuit.Circuit, unhealthy []string, details Details) {
	c.SetStatus(circuit.StatusRepairing)
	m.emit(StatusRepairing, details)

	hops := c.HopsSnapshot()

	unhealthySet := make(map[string]bool, len(unhealthy))
	for _, id := range unhealthy {
		unhealthySet[id] = true
	}
	exclude := make(map[string]bool, len(unhealthy))
	for _, id := range unhealthy {
		exclude[id] = true
	}

	for i, hop := range hops {
		if !unhealthySet[hop.PeerID] {
			continue
		}
		if err := m.builder.ReplaceHop(ctx, c, i, exclude); err != nil {
			m.log.Printf("hop replacement failed, escalating to rebuild circuit_id=%v hop=%v err=%v", c.CircuitID, i, err)
			m.rebuild(ctx, c, len(hops), unhealthy, details)
			return
		}
	}
	c.SetStatus(circuit.StatusReady)
	m.emit(StatusReady, Details{CircuitID: c.CircuitID, TotalHops: len(hops), HealthyHops: len(hops)})
}

func average(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func minimum(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
