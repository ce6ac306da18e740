package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the scheduling tier of an outgoing message. Higher values are
// sent first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// MaxPriority is the top tier; aging never promotes past it.
const MaxPriority = PriorityCritical

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a tier name as produced by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Kind distinguishes channel broadcasts from direct messages.
type Kind int

const (
	KindBroadcast Kind = iota
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// NodeID is a mesh node number.
type NodeID uint32

// BroadcastNode is the destination address used for channel broadcasts.
const BroadcastNode NodeID = 0xffffffff

func (n NodeID) String() string {
	if n == BroadcastNode {
		return "^all"
	}
	return fmt.Sprintf("!%08x", uint32(n))
}

// ParseNodeID accepts "!a1b2c3d4", "0xa1b2c3d4", "^all" or a decimal number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "^all":
		return BroadcastNode, nil
	case strings.HasPrefix(s, "!"):
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", s, err)
		}
		return NodeID(v), nil
	default:
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", s, err)
		}
		return NodeID(v), nil
	}
}

// OutgoingMessage is a unit of outbound radio traffic. It is created by a
// producer and owned by the scheduler from submission until a terminal state.
type OutgoingMessage struct {
	ID          string    `json:"id"`
	Destination NodeID    `json:"destination"`
	Channel     uint32    `json:"channel"`
	Payload     []byte    `json:"payload"`
	Priority    Priority  `json:"priority"`
	Kind        Kind      `json:"kind"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	// NotBefore holds the message back until the given time. Zero means ready.
	NotBefore time.Time `json:"notBefore,omitempty"`
	// Attempts counts retries already performed; the first send is attempt 0.
	Attempts int `json:"attempts"`
}

// NewOutgoingMessage creates a message with a generated ID. Broadcasts are
// always addressed to BroadcastNode.
func NewOutgoingMessage(destination NodeID, payload []byte, priority Priority, kind Kind) *OutgoingMessage {
	if kind == KindBroadcast {
		destination = BroadcastNode
	}
	return &OutgoingMessage{
		ID:          uuid.New().String(),
		Destination: destination,
		Payload:     payload,
		Priority:    priority,
		Kind:        kind,
	}
}

// IsBroadcast reports whether the message is fire-and-forget channel traffic.
func (m *OutgoingMessage) IsBroadcast() bool {
	return m.Kind == KindBroadcast
}

// Ready reports whether the message may be sent at now.
func (m *OutgoingMessage) Ready(now time.Time) bool {
	return m.NotBefore.IsZero() || !now.Before(m.NotBefore)
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Queued           int    `json:"queued"`
	DroppedTotal     uint64 `json:"droppedTotal"`
	EscalationsTotal uint64 `json:"escalationsTotal"`
	PendingCount     int    `json:"pendingCount"`

	Capacity               int    `json:"capacity"`
	MaxPending             int    `json:"maxPending"`
	InFlight               bool   `json:"inFlight"`
	DispatchedTotal        uint64 `json:"dispatchedTotal"`
	RejectedTotal          uint64 `json:"rejectedTotal"`
	TransportTimeoutsTotal uint64 `json:"transportTimeoutsTotal"`
}
