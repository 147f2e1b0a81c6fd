package circuit

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/peerlink"
	"shroudmesh/pkg/wire"
)

func encodeB64(b []byte) string  { return base64.StdEncoding.EncodeToString(b) }
func decodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// PlaintextHandler is invoked with the fully-peeled plaintext once it
// reaches the exit hop of a circuit.
type PlaintextHandler func(circuitID string, plaintext []byte)

// Send implements spec 4.4 "Send": require Ready, wrap data through
// every hop's ephemeral public key via C1, frame as circuit_data, and
// transmit over links[0]. Only the originator (the one holding the full
// Hops/ephemeral list) can call this.
func (c *Circuit) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	status := c.Status
	hops := c.Hops
	link0 := firstLink(c.links)
	c.mu.RUnlock()

	if status == StatusClosed {
		return cerr.New(cerr.KindCircuitClosed, "circuit is closed")
	}
	if status != StatusReady {
		return cerr.New(cerr.KindCircuitNotReady, fmt.Sprintf("circuit is %s, not Ready", status))
	}
	if link0 == nil {
		return cerr.New(cerr.KindCircuitNotReady, "circuit has no established first hop")
	}

	pubs := make([]*rsa.PublicKey, len(hops))
	for i, h := range hops {
		pubs[i] = h.EphemeralPublic
	}
	onion, err := cryptoengine.BuildOnion(data, pubs)
	if err != nil {
		return fmt.Errorf("build onion: %w", err)
	}

	frame, err := marshalCircuitData(c.CircuitID, onion)
	if err != nil {
		return err
	}
	target := peerlink.ForwardTarget{PeerID: hops[0].PeerID}
	return link0.Send(ctx, peerlink.Packet{Target: target, Payload: buildDataFrame(c.CircuitID, frame)})
}

func firstLink(links []peerlink.Transport) peerlink.Transport {
	if len(links) == 0 {
		return nil
	}
	return links[0]
}

func marshalCircuitData(circuitID string, onion cryptoengine.Onion) ([]byte, error) {
	keys := make([]string, len(onion.WrappedKeys))
	for i, k := range onion.WrappedKeys {
		keys[i] = encodeB64(k)
	}
	body := wire.CircuitData{
		Type:      wire.TypeCircuitData,
		CircuitID: circuitID,
		Data:      encodeB64(onion.Payload),
		Keys:      keys,
		IVs:       onion.IVs,
	}
	return json.Marshal(body)
}

func unmarshalCircuitData(body []byte) (cryptoengine.Onion, error) {
	var msg wire.CircuitData
	if err := json.Unmarshal(body, &msg); err != nil {
		return cryptoengine.Onion{}, fmt.Errorf("unmarshal circuit_data: %w", err)
	}
	payload, err := decodeB64(msg.Data)
	if err != nil {
		return cryptoengine.Onion{}, fmt.Errorf("decode payload: %w", err)
	}
	keys := make([][]byte, len(msg.Keys))
	for i, k := range msg.Keys {
		kb, err := decodeB64(k)
		if err != nil {
			return cryptoengine.Onion{}, fmt.Errorf("decode wrapped key %d: %w", i, err)
		}
		keys[i] = kb
	}
	return cryptoengine.Onion{Payload: payload, WrappedKeys: keys, IVs: msg.IVs}, nil
}

// RelayHop is a non-originator node's view of a single hop it occupies
// in a circuit: its own ephemeral private key, its position, and the
// links toward its neighbors (nil at the terminal ends).
type RelayHop struct {
	CircuitID   string
	HopIndex    int
	TotalHops   int
	Private     *rsa.PrivateKey
	PrevLink    peerlink.Transport
	NextLink    peerlink.Transport
	PlaintextFn PlaintextHandler
}

// IsExit reports whether this hop is the last in the circuit, meaning
// peeling its layer yields plaintext rather than a frame to forward.
func (h *RelayHop) IsExit() bool {
	return h.HopIndex == h.TotalHops-1
}

// HandleCircuitData peels exactly one layer of an inbound circuit_data
// frame with this hop's ephemeral secret. At the exit hop, the peeled
// bytes are delivered as plaintext; otherwise the frame is re-wrapped
// with the same wrapped-key/IV arrays (each still addressed to its own
// hop index) and forwarded toward the next hop, per spec 4.4 "Receive /
// relay": a hop never learns more than its immediate neighbors.
func (h *RelayHop) HandleCircuitData(ctx context.Context, frame []byte) error {
	circuitID, body, err := parseDataFrame(frame)
	if err != nil {
		return err
	}
	if circuitID != h.CircuitID {
		return fmt.Errorf("circuit id mismatch: got %s want %s", circuitID, h.CircuitID)
	}
	onion, err := unmarshalCircuitData(body)
	if err != nil {
		return err
	}
	inner, err := cryptoengine.PeelLayer(onion, h.HopIndex, h.Private)
	if err != nil {
		// Crypto failures never propagate past the local hop (spec 7
		// propagation rule); the frame is simply dropped.
		return nil
	}

	if h.IsExit() {
		if h.PlaintextFn != nil {
			h.PlaintextFn(h.CircuitID, inner)
		}
		return nil
	}

	onion.Payload = inner
	nextBody, err := marshalCircuitData(circuitID, onion)
	if err != nil {
		return err
	}
	if h.NextLink == nil {
		return fmt.Errorf("relay hop %d has no next-hop link", h.HopIndex)
	}
	return h.NextLink.Send(ctx, peerlink.Packet{Payload: buildDataFrame(circuitID, nextBody)})
}
