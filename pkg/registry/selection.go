package registry

import (
	"context"
	"time"

	"shroudmesh/pkg/geo"
	"shroudmesh/pkg/selection"
	"shroudmesh/pkg/wire"
)

const (
	maxPerRegion    = 2
	scoreBandwidthWeight  = 0.3
	scoreLatencyWeight    = 0.2
	scoreReliabilityWeight = 0.3
	scoreUptimeWeight     = 0.2
	referenceBandwidth = 1024 * 1024 * 8 // 1 MiB/s in bits, the scoring normalizer
	referenceLatencyMs = 1000.0
	referenceUptime    = 24 * time.Hour
)

// score computes the weighted-sum candidate score of spec 4.3 step 2,
// grounded on the teacher's exitSelectionScore clamp-then-weighted-sum
// idiom (internal/app/client.go), renamed to the spec's own signal set.
func score(p *Peer) float64 {
	bw := clampUnit(p.Capabilities.MaxBandwidthBps / referenceBandwidth)
	latency := clampUnit(1 - p.Capabilities.LatencyMs/referenceLatencyMs)
	reliability := clampUnit(p.Capabilities.Reliability)
	uptime := clampUnit(p.Capabilities.UptimeMs / float64(referenceUptime.Milliseconds()))
	return scoreBandwidthWeight*bw + scoreLatencyWeight*latency + scoreReliabilityWeight*reliability + scoreUptimeWeight*uptime
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SuitableRelays implements spec 4.3 "Candidate selection": filters to
// fresh, validated peers, scores them, enforces at most two peers per
// region, and fills [Entry, Relay..., Exit] slots by taking each role's
// top three remaining candidates and picking one via pkg/selection's
// rendezvous hash keyed on circuitID rather than uniform-random — a
// strict generalization, since it degenerates to the same distribution
// over the top three while being reproducible by any node computing the
// same candidate set. Returns nil if any slot cannot be filled, per
// "insufficient peers".
func (r *Registry) SuitableRelays(ctx context.Context, n int, circuitID string, exclude map[string]bool) []string {
	if n < 1 {
		return nil
	}
	candidates := r.validatedCandidates(ctx, exclude)

	regionCount := make(map[geo.Region]int)
	var filtered []*Peer
	for _, p := range candidates {
		region := p.Region()
		if regionCount[region] >= maxPerRegion {
			continue
		}
		regionCount[region]++
		filtered = append(filtered, p)
	}

	roles := buildRoleSlots(n)
	chosen := make([]string, 0, n)
	used := make(map[string]bool)

	for i, role := range roles {
		var pool []selection.Candidate
		for _, p := range filtered {
			if used[p.PeerID] {
				continue
			}
			if !roleMatches(p.Role, role, i, len(roles)) {
				continue
			}
			pool = append(pool, selection.Candidate{PeerID: p.PeerID, Score: score(p)})
		}
		if len(pool) == 0 {
			return nil
		}
		seed := circuitID + ":" + string(role) + ":" + itoaSlot(i)
		top3 := selection.TopN(pool, 3, seed)
		if len(top3) == 0 {
			return nil
		}
		winner := selection.PickOne(top3, seed)
		chosen = append(chosen, winner)
		used[winner] = true
	}
	return chosen
}

// buildRoleSlots returns the role sequence [Entry, Relay..., Exit] for
// an n-hop circuit; n=1 is a single Exit slot, n=2 is Entry+Exit with no
// relays.
func buildRoleSlots(n int) []wire.Role {
	if n <= 1 {
		return []wire.Role{wire.RoleExit}
	}
	roles := make([]wire.Role, n)
	roles[0] = wire.RoleEntry
	roles[n-1] = wire.RoleExit
	for i := 1; i < n-1; i++ {
		roles[i] = wire.RoleRelay
	}
	return roles
}

// roleMatches requires the peer's self-declared role to equal the slot's
// role, for Relay slots as well as for the fixed Entry/Exit endpoints.
func roleMatches(peerRole, slotRole wire.Role, idx, total int) bool {
	return peerRole == slotRole
}

// validatedCandidates returns fresh peers (within the staleness window)
// that pass validation, per spec 4.3 step 1.
func (r *Registry) validatedCandidates(ctx context.Context, exclude map[string]bool) []*Peer {
	now := time.Now()
	r.mu.RLock()
	var fresh []*Peer
	for id, p := range r.peers {
		if exclude != nil && exclude[id] {
			continue
		}
		if id == r.identity.PeerID {
			continue
		}
		if p.EffectiveStatus(now) == wire.StatusOffline {
			continue
		}
		cp := *p
		fresh = append(fresh, &cp)
	}
	r.mu.RUnlock()

	var validated []*Peer
	for _, p := range fresh {
		ok, err := r.Validate(ctx, p.PeerID)
		if err != nil || !ok {
			continue
		}
		validated = append(validated, p)
	}
	return validated
}

func itoaSlot(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
