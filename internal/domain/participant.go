// Package domain contains entities without logic, just meta-data.
package domain

const MaxDisplayNameLen = 64

type ParticipantID string

type Role string

const (
	RoleHost      Role = "host"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Privileged reports whether the role may act on other participants
// (admit/deny, mute-other, spotlight).
func (r Role) Privileged() bool {
	return r == RoleHost || r == RoleModerator
}

// Participant is one member of a call as seen by the local client.
// Pinned is local-only and never broadcast; Spotlighted is session-wide
// and must converge to the same value on every client.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Role        Role          `json:"role"`

	Muted         bool `json:"muted"`
	CameraOn      bool `json:"cameraOn"`
	ScreenSharing bool `json:"screenSharing"`

	HandRaised  bool `json:"handRaised"`
	Pinned      bool `json:"pinned"`
	Spotlighted bool `json:"spotlighted"`

	Quality QualityLevel `json:"quality"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, name string, role Role) *Participant {
	if len(name) > MaxDisplayNameLen {
		name = name[:MaxDisplayNameLen]
	}
	if role == "" {
		role = RoleMember
	}
	return &Participant{ID: id, DisplayName: name, Role: role, Quality: QualityGood}
}
