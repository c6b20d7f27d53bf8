package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	CallID   string
	CollabID string
)

type CallKind string

const (
	CallInstant   CallKind = "instant"
	CallScheduled CallKind = "scheduled"
)

// Topology selects how media paths are built: one peer link per remote
// participant (mesh) or a single link to an upstream relay.
type Topology string

const (
	TopologyMesh  Topology = "mesh"
	TopologyRelay Topology = "relay"
)

type CallState string

const (
	StateIdle       CallState = "idle"
	StateOutgoing   CallState = "outgoing"
	StateIncoming   CallState = "incoming"
	StateConnecting CallState = "connecting"
	StateActive     CallState = "active"
	StateEnded      CallState = "ended"
)

type EndReason string

const (
	EndHangup      EndReason = "hangup"
	EndTimeout     EndReason = "timeout"
	EndLastLeave   EndReason = "last_participant_left"
	EndChannelLost EndReason = "channel_lost"
)

// CallSession is the owned value describing one call. It is mutated by the
// session manager only and passed by reference to components that need it.
type CallSession struct {
	ID        CallID    `json:"id"`
	Title     string    `json:"title"`
	Kind      CallKind  `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
	Topology  Topology  `json:"topology"`

	// Participants preserves join order.
	Participants []ParticipantID `json:"participants"`
	Recording    bool            `json:"recording"`
	Collabs      []CollabID      `json:"collabs,omitempty"`
}

func NewCallSession(title string, kind CallKind, topology Topology) *CallSession {
	return &CallSession{
		ID:        CallID(uuid.NewString()),
		Title:     title,
		Kind:      kind,
		StartedAt: time.Now(),
		Topology:  topology,
	}
}
