package domain

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EnvelopeVersion is bumped when the wire shape of Envelope changes.
// Consumers must ignore unknown message types so the protocol can evolve.
const EnvelopeVersion = 1

type MessageType string

const (
	MsgOffer         MessageType = "offer"
	MsgAnswer        MessageType = "answer"
	MsgIceCandidate  MessageType = "candidate"
	MsgJoin          MessageType = "join"
	MsgLeave         MessageType = "leave"
	MsgAdmitDecision MessageType = "admit_decision"
	MsgMediaState    MessageType = "media_state"
	MsgMuteDirective MessageType = "mute_directive"
	MsgSpotlight     MessageType = "spotlight"
	MsgHandRaise     MessageType = "hand_raise"
	MsgQualityReport MessageType = "quality_report"
	MsgCollabEvent   MessageType = "collab_event"
	MsgPing          MessageType = "ping"
	MsgPong          MessageType = "pong"
)

var knownTypes = map[MessageType]struct{}{
	MsgOffer: {}, MsgAnswer: {}, MsgIceCandidate: {},
	MsgJoin: {}, MsgLeave: {}, MsgAdmitDecision: {},
	MsgMediaState: {}, MsgMuteDirective: {}, MsgSpotlight: {},
	MsgHandRaise: {}, MsgQualityReport: {}, MsgCollabEvent: {},
	MsgPing: {}, MsgPong: {},
}

func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Critical messages are never dropped from the outbound queue under
// backpressure; QualityReport is shed first.
func (t MessageType) Critical() bool {
	switch t {
	case MsgQualityReport, MsgPing, MsgPong:
		return false
	}
	return true
}

// Envelope is the wire form of every signaling message. Seq is assigned by
// the sender's channel and is strictly increasing per sender across both
// targeted and broadcast traffic, so a receiver sees a sparse subsequence;
// receivers restore order within a bounded window and never wait forever
// on a seq that was targeted at someone else.
type Envelope struct {
	V         int                 `json:"v"`
	Type      MessageType         `json:"type"`
	SessionID CallID              `json:"sessionId"`
	SenderID  ParticipantID       `json:"senderId"`
	To        ParticipantID       `json:"to,omitempty"` // empty means fan-out
	Seq       uint64              `json:"seq"`
	TS        int64               `json:"ts"` // unix millis
	Payload   jsoniter.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Time() time.Time { return time.UnixMilli(e.TS) }

// --- payloads -------------------------------------------------------------

type OfferPayload struct {
	SDP string `json:"sdp"`
	// Reneg marks a renegotiation round for an already established link.
	Reneg bool `json:"reneg,omitempty"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload mirrors the ICE candidate init shape; the mid and line
// index are optional on the wire, so absent and zero stay distinguishable.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type JoinPayload struct {
	DisplayName string   `json:"displayName"`
	Role        Role     `json:"role,omitempty"`
	Kind        CallKind `json:"kind,omitempty"`
	// Accept distinguishes an invitee accepting from a cold join-request.
	Accept bool `json:"accept,omitempty"`
}

type LeavePayload struct {
	Reason EndReason `json:"reason,omitempty"`
	// Synthetic marks a Leave emitted on behalf of an unreachable peer.
	Synthetic bool `json:"synthetic,omitempty"`
}

type AdmitDecisionPayload struct {
	Target   ParticipantID `json:"target"`
	Admitted bool          `json:"admitted"`
	Expired  bool          `json:"expired,omitempty"`
}

// MediaStatePayload always describes the sender's own flags.
type MediaStatePayload struct {
	Muted         bool `json:"muted"`
	CameraOn      bool `json:"cameraOn"`
	ScreenSharing bool `json:"screenSharing"`
}

// MuteDirectivePayload is the privileged mute-other operation: the sender
// is the actor, Target is the participant being muted.
type MuteDirectivePayload struct {
	Target ParticipantID `json:"target"`
	Muted  bool          `json:"muted"`
}

type SpotlightPayload struct {
	Target ParticipantID `json:"target"`
	On     bool          `json:"on"`
}

type HandRaisePayload struct {
	Raised bool `json:"raised"`
}

type QualityReportPayload struct {
	Level      QualityLevel `json:"level"`
	RTTMillis  int64        `json:"rttMillis"`
	PacketLoss float64      `json:"packetLoss"`
}

type CollabKind string

const (
	CollabPoll       CollabKind = "poll"
	CollabQA         CollabKind = "qa"
	CollabWhiteboard CollabKind = "whiteboard"
)

type CollabEventPayload struct {
	Kind     CollabKind          `json:"kind"`
	CollabID CollabID            `json:"collabId"`
	Open     bool                `json:"open"`
	Data     jsoniter.RawMessage `json:"data,omitempty"`
}

// --- codec ----------------------------------------------------------------

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewEnvelope marshals payload and fills everything except Seq, which the
// signaling channel stamps on send.
func NewEnvelope(t MessageType, session CallID, sender ParticipantID, payload any) (Envelope, error) {
	e := Envelope{
		V:         EnvelopeVersion,
		Type:      t,
		SessionID: session,
		SenderID:  sender,
		TS:        time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		e.Payload = raw
	}
	return e, nil
}

// DecodePayload unmarshals an envelope payload into out.
func DecodePayload(e Envelope, out any) error {
	return json.Unmarshal(e.Payload, out)
}
