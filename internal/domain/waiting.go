package domain

import "time"

type WaitingState string

const (
	WaitingPending  WaitingState = "pending"
	WaitingAdmitted WaitingState = "admitted"
	WaitingDenied   WaitingState = "denied"
	WaitingExpired  WaitingState = "expired"
)

// WaitingEntry is one would-be participant held until a host decides.
// Entries have a bounded lifetime; unanswered entries expire and are
// auto-denied.
type WaitingEntry struct {
	Participant ParticipantID `json:"participant"`
	DisplayName string        `json:"displayName"`
	SessionID   CallID        `json:"sessionId"`
	ArrivedAt   time.Time     `json:"arrivedAt"`
	State       WaitingState  `json:"state"`
}
