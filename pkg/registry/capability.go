package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/peerlink"
	"shroudmesh/pkg/policy"
	"shroudmesh/pkg/wire"
)

const (
	bandwidthProbeSize    = 256 * 1024 // 256 KiB
	bandwidthSampleWindow = 5
	bandwidthMinInterval  = 30 * time.Second
	fallbackBandwidthBps  = 1024 * 1024 * 8 // 1 MiB/s expressed in bits
	pingTimeout           = 5 * time.Second
)

// MeasureBandwidth times a 256 KiB transfer over transport to endpoint
// and folds the sample into the trailing five-sample smoothed average,
// throttled to at most once per 30s per spec 4.3 "Capability measurement".
// If transport is nil, it falls back straight to the fixed 1 MiB/s floor
// (there is no platform-downlink API available to a headless node).
func (r *Registry) MeasureBandwidth(ctx context.Context, transport peerlink.Transport, target peerlink.ForwardTarget) error {
	r.mu.Lock()
	self := r.peers[r.identity.PeerID]
	if self == nil {
		self = &Peer{PeerID: r.identity.PeerID, LastSeen: time.Now()}
		r.peers[r.identity.PeerID] = self
	}
	if !self.lastBandwidthAt.IsZero() && time.Since(self.lastBandwidthAt) < bandwidthMinInterval {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.activeMeasurements.Inc()
	defer r.activeMeasurements.Dec()

	sampleBps := float64(fallbackBandwidthBps)
	if transport != nil {
		measured, err := timeTransfer(ctx, transport, target)
		if err == nil {
			sampleBps = measured
		} else {
			r.log.Printf("bandwidth probe failed, falling back err=%v", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	self.bandwidthSamples = append(self.bandwidthSamples, sampleBps)
	if len(self.bandwidthSamples) > bandwidthSampleWindow {
		self.bandwidthSamples = self.bandwidthSamples[len(self.bandwidthSamples)-bandwidthSampleWindow:]
	}
	self.lastBandwidthAt = time.Now()
	self.Capabilities.MaxBandwidthBps = average(self.bandwidthSamples)
	r.selfCaps.MaxBandwidthBps = self.Capabilities.MaxBandwidthBps
	return nil
}

func timeTransfer(ctx context.Context, transport peerlink.Transport, target peerlink.ForwardTarget) (float64, error) {
	if err := transport.Dial(ctx, target); err != nil {
		return 0, fmt.Errorf("dial bandwidth probe endpoint: %w", err)
	}
	buf := make([]byte, bandwidthProbeSize)
	if _, err := rand.Read(buf); err != nil {
		return 0, fmt.Errorf("generate probe payload: %w", err)
	}
	start := time.Now()
	if err := transport.Send(ctx, peerlink.Packet{Target: target, Payload: buf}); err != nil {
		return 0, fmt.Errorf("send probe payload: %w", err)
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return float64(fallbackBandwidthBps), nil
	}
	bitsPerSecond := float64(bandwidthProbeSize*8) / elapsed.Seconds()
	return bitsPerSecond, nil
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// pingKey namespaces node_pong dispatch in pendingValidations away from
// node_validation_response dispatch, since both share one sync.Map.
func pingKey(peerID string) string { return "ping:" + peerID }

// MeasureLatency sends a node_ping to peerID and waits up to 5s for the
// matching node_pong, returning the round-trip time. Timeout resolves to
// cerr.Timeout("latency-measure", ...); callers that want the spec's
// "latency = infinity on timeout" semantics should treat that error as
// math.Inf(1) at the scoring layer.
func (r *Registry) MeasureLatency(ctx context.Context, peerID string) (time.Duration, error) {
	respCh := make(chan wire.NodePong, 1)
	key := pingKey(peerID)
	r.pendingValidations.Store(key, respCh)
	defer r.pendingValidations.Delete(key)

	start := time.Now()
	ping := wire.NodePing{
		Type:         wire.TypeNodePing,
		NodeID:       r.identity.PeerID,
		TargetNodeID: peerID,
		Timestamp:    start.UnixMilli(),
	}
	if err := r.adapter.Send(ctx, ping); err != nil {
		return 0, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	select {
	case <-respCh:
		rtt := time.Since(start)
		r.upsertPeer(peerID, func(p *Peer) {
			p.Capabilities.LatencyMs = float64(rtt.Milliseconds())
		})
		return rtt, nil
	case <-timeoutCtx.Done():
		return 0, cerr.Timeout("latency-measure", timeoutCtx.Err())
	}
}

// Validate sends a node_validation request to peerID and waits up to 5s
// for a response, per spec 4.3 "Validation". It returns whether the peer
// is admissible per the loaded policy.
func (r *Registry) Validate(ctx context.Context, peerID string) (bool, error) {
	respCh := make(chan wire.NodeValidationResponse, 1)
	r.pendingValidations.Store(peerID, respCh)
	defer r.pendingValidations.Delete(peerID)

	req := wire.NodeValidation{
		Type:         wire.TypeNodeValidation,
		NodeID:       r.identity.PeerID,
		TargetNodeID: peerID,
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := r.adapter.Send(ctx, req); err != nil {
		return false, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, validationDeadline)
	defer cancel()
	select {
	case resp := <-respCh:
		return r.policyEng.Admit(policy.Capabilities{
			MaxBandwidthBps: resp.Capabilities.MaxBandwidthBps,
			LatencyMs:       resp.Capabilities.LatencyMs,
			Reliability:     resp.Capabilities.Reliability,
			UptimeMs:        resp.Capabilities.UptimeMs,
		})
	case <-timeoutCtx.Done():
		return false, cerr.Timeout("validate", timeoutCtx.Err())
	}
}
