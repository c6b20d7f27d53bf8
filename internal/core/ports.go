package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/domain"
)

// ChannelEventKind describes transport-level events surfaced to the
// session manager, separate from signaling messages themselves.
type ChannelEventKind string

const (
	ChannelConnected    ChannelEventKind = "connected"
	ChannelDisconnected ChannelEventKind = "disconnected"
	ChannelBacklogged   ChannelEventKind = "backlogged"
	ChannelLost         ChannelEventKind = "lost"
)

type ChannelEvent struct {
	Kind ChannelEventKind
	Err  error
}

// SignalTransport is the persistent message channel to the coordination
// server. Send is fire-and-forget with internal retry on transient
// disconnect; delivery is at-least-once with per-sender ordering restored
// by the receiver. Owned by the adapter; the adapter must Close() it.
type SignalTransport interface {
	// Send stamps the per-sender sequence number and queues the envelope,
	// returning the stamped copy so callers can apply it locally with the
	// same ordering remote receivers will see. Returns domain.ErrBacklog
	// when the bounded queue overflows with critical messages; the message
	// is still queued, the caller is only informed of the backlog.
	Send(env domain.Envelope) (domain.Envelope, error)
	// Inbound delivers decoded envelopes. Closed when the channel is lost.
	Inbound() <-chan domain.Envelope
	// Events delivers connection lifecycle events.
	Events() <-chan ChannelEvent
	Close()
}

// PeerLink wraps one media-engine connection to a remote participant
// (one per remote peer in mesh topology, one upstream link in relay).
// Lifetime is owned by the session manager.
type PeerLink interface {
	PeerID() domain.ParticipantID

	// Offer creates and applies a local offer, returning its SDP.
	Offer(ctx context.Context) (string, error)
	// HandleAnswer applies the remote answer to a previously sent offer.
	HandleAnswer(sdp string) error
	// HandleOffer applies a remote offer and returns the local answer SDP.
	// If a local offer is outstanding it is rolled back first (glare yield).
	HandleOffer(ctx context.Context, sdp string) (string, error)
	AddRemoteCandidate(c domain.CandidatePayload) error

	// AddLocalTrack attaches one of the acquired local tracks.
	AddLocalTrack(track LocalTrack) error
	RemoveLocalTrack(kind TrackKind) error

	// Stats samples the underlying connection for quality classification.
	Stats(ctx context.Context) (domain.QualitySample, error)

	// OnUsable fires once when the link first reports a usable media path.
	OnUsable(func())
	// OnRemoteTrack fires for each inbound remote track.
	OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnLocalCandidate fires for each locally gathered ICE candidate.
	OnLocalCandidate(func(c domain.CandidatePayload))
	OnClosed(func())

	Close()
}

// LinkFactory builds the PeerLink for one remote peer. Supplied by the
// rtc adapter in production and by fakes in tests.
type LinkFactory func(peer domain.ParticipantID) (PeerLink, error)

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// LocalTrack pairs a pion local track with its logical kind.
type LocalTrack interface {
	Kind() TrackKind
	Track() webrtc.TrackLocal
}

// MediaProvider is the external media capability. The core never touches
// raw frames; rendering happens behind this interface.
type MediaProvider interface {
	AcquireLocalMedia(ctx context.Context, audio, video bool) ([]LocalTrack, error)
	AcquireDisplayMedia(ctx context.Context) (LocalTrack, error)
	RenderRemoteTrack(peer domain.ParticipantID, track *webrtc.TrackRemote)
	Release()
}

// Identity supplies the authenticated caller used to authorize host-only
// operations. Backed by the platform's auth provider.
type Identity interface {
	SelfID() domain.ParticipantID
	DisplayName() string
	Role() domain.Role
}
