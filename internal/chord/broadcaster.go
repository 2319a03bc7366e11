package chord

// Ring update event types
const (
	EventPredecessorChanged = "predecessor_changed"
	EventSuccessorChanged   = "successor_changed"
	EventJoined             = "joined"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the Node to notify external systems (like WebSocket clients)
// when its neighbors change without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification. It must not block.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a neighbor change on one peer.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	PeerID    uint16 `json:"peer_id"`
	Neighbor  string `json:"neighbor,omitempty"` // address of the new neighbor
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
