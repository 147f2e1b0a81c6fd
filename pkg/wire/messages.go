// Package wire defines the JSON-shaped signaling frames exchanged over the
// rendezvous channel, and the peer-link circuit_data frame, per the
// external interfaces the core relies on. Field names follow the wire
// shapes exactly; Go-side types elsewhere in the module use their own
// idiomatic names and convert at the boundary.
package wire

// Role is the self-declared position a peer offers to play in a circuit.
type Role string

const (
	RoleEntry Role = "ENTRY"
	RoleRelay Role = "RELAY"
	RoleExit  Role = "EXIT"
)

// Status is a peer's admission/availability state.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOffline   Status = "OFFLINE"
)

// MessageType enumerates the recognized `type` discriminants on the
// signaling plane. Unknown values are ignored by the adapter, not rejected.
type MessageType string

const (
	TypeNodeAnnouncement       MessageType = "node_announcement"
	TypeNodeStatus             MessageType = "node_status"
	TypeNodeValidation         MessageType = "node_validation"
	TypeNodeValidationResponse MessageType = "node_validation_response"
	TypeNodeDiscovery          MessageType = "node_discovery"
	TypeNodePing               MessageType = "node_ping"
	TypeNodePong               MessageType = "node_pong"
	TypeCircuitSignaling       MessageType = "circuit_signaling"
	TypeCircuitData            MessageType = "circuit_data"
)

// Envelope is the outermost shape every signaling frame is decoded into
// first, so the adapter can dispatch on Type before parsing the rest.
type Envelope struct {
	Type MessageType `json:"type"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

type Capabilities struct {
	MaxBandwidthBps float64 `json:"max_bandwidth_bps"`
	LatencyMs       float64 `json:"latency_ms"`
	Reliability     float64 `json:"reliability"`
	UptimeMs        float64 `json:"uptime_ms"`
}

type NodeAnnouncement struct {
	Type       MessageType `json:"type"`
	NodeID     string      `json:"nodeId"`
	Role       Role        `json:"role"`
	Status     Status      `json:"status"`
	PublicKey  string      `json:"publicKey"`
	SigningKey string      `json:"signingKey"`
	Location   *Location   `json:"location,omitempty"`
	Signature  string      `json:"signature,omitempty"`
}

type NodeStatus struct {
	Type      MessageType `json:"type"`
	NodeID    string      `json:"nodeId"`
	Status    Status      `json:"status"`
	Role      Role        `json:"role,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

type NodeValidation struct {
	Type         MessageType `json:"type"`
	NodeID       string      `json:"nodeId"`
	TargetNodeID string      `json:"targetNodeId"`
	Timestamp    int64       `json:"timestamp"`
}

type NodeValidationResponse struct {
	Type         MessageType  `json:"type"`
	NodeID       string       `json:"nodeId"`
	TargetNodeID string       `json:"targetNodeId"`
	Timestamp    int64        `json:"timestamp"`
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
}

type NodeDiscovery struct {
	Type         MessageType  `json:"type"`
	RequestID    string       `json:"requestId"`
	Capabilities Capabilities `json:"capabilities"`
}

type NodePing struct {
	Type         MessageType `json:"type"`
	NodeID       string      `json:"nodeId"`
	TargetNodeID string      `json:"targetNodeId"`
	Timestamp    int64       `json:"timestamp"`
}

type NodePong struct {
	Type         MessageType `json:"type"`
	NodeID       string      `json:"nodeId"`
	TargetNodeID string      `json:"targetNodeId"`
	Timestamp    int64       `json:"timestamp"`
}

type CircuitSignaling struct {
	Type          MessageType `json:"type"`
	TargetNodeID  string      `json:"targetNodeId"`
	EncryptedData string      `json:"encryptedData"`
	EncryptedKey  string      `json:"encryptedKey"`
	IV            [12]byte    `json:"iv"`
}

type CircuitData struct {
	Type      MessageType `json:"type"`
	CircuitID string      `json:"circuitId"`
	Data      string      `json:"data"`
	Keys      []string    `json:"keys"`
	IVs       [][12]byte  `json:"ivs"`
}

// EstablishmentRecord is the per-hop payload encrypted under a hop's
// announced long-term key during circuit build (spec 4.4 step 4).
// NextHopPublicKey is left nil for the exit hop (open question in spec 9).
type EstablishmentRecord struct {
	CircuitID        string  `json:"circuit_id"`
	HopIndex         int     `json:"hop_index"`
	PreviousHopID    string  `json:"previous_hop_id,omitempty"`
	NextHopPublicKey *string `json:"next_hop_public_key,omitempty"`
}
