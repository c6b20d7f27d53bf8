package app

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// fakeTransport stamps and records outbound envelopes and lets tests
// inject inbound traffic.
type fakeTransport struct {
	mu      sync.Mutex
	seq     uint64
	sent    []domain.Envelope
	inbound chan domain.Envelope
	events  chan core.ChannelEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan domain.Envelope, 64),
		events:  make(chan core.ChannelEvent, 8),
	}
}

func (f *fakeTransport) Send(env domain.Envelope) (domain.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	env.V = domain.EnvelopeVersion
	env.Seq = f.seq
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	f.sent = append(f.sent, env)
	return env, nil
}

func (f *fakeTransport) Inbound() <-chan domain.Envelope  { return f.inbound }
func (f *fakeTransport) Events() <-chan core.ChannelEvent { return f.events }
func (f *fakeTransport) Close()                           {}

func (f *fakeTransport) push(env domain.Envelope) { f.inbound <- env }

func (f *fakeTransport) sentOf(typ domain.MessageType) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, e := range f.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeLink struct {
	id domain.ParticipantID

	mu            sync.Mutex
	offers        int
	handledOffers int
	answers       []string
	candidates    []domain.CandidatePayload
	tracks        map[core.TrackKind]bool
	statsFn       func() (domain.QualitySample, error)
	closed        bool

	onUsable func()
}

func newFakeLink(id domain.ParticipantID) *fakeLink {
	return &fakeLink{id: id, tracks: make(map[core.TrackKind]bool)}
}

func (l *fakeLink) PeerID() domain.ParticipantID { return l.id }

func (l *fakeLink) Offer(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return "sdp-offer", nil
}

func (l *fakeLink) HandleOffer(context.Context, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handledOffers++
	return "sdp-answer", nil
}

func (l *fakeLink) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers = append(l.answers, sdp)
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c domain.CandidatePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) AddLocalTrack(track core.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks[track.Kind()] = true
	return nil
}

func (l *fakeLink) RemoveLocalTrack(kind core.TrackKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tracks, kind)
	return nil
}

func (l *fakeLink) Stats(context.Context) (domain.QualitySample, error) {
	l.mu.Lock()
	fn := l.statsFn
	l.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return domain.QualitySample{RTT: 40 * time.Millisecond, At: time.Now()}, nil
}

func (l *fakeLink) OnUsable(fn func()) {
	l.mu.Lock()
	l.onUsable = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (l *fakeLink) OnLocalCandidate(func(domain.CandidatePayload))              {}
func (l *fakeLink) OnClosed(func())                                             {}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) usable() {
	l.mu.Lock()
	fn := l.onUsable
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (l *fakeLink) offerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers
}

func (l *fakeLink) handledOfferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handledOffers
}

// linkFactory builds fakeLinks and remembers them by peer.
type linkFactory struct {
	mu    sync.Mutex
	links map[domain.ParticipantID]*fakeLink
}

func newLinkFactory() *linkFactory {
	return &linkFactory{links: make(map[domain.ParticipantID]*fakeLink)}
}

func (f *linkFactory) factory() core.LinkFactory {
	return func(peer domain.ParticipantID) (core.PeerLink, error) {
		l := newFakeLink(peer)
		f.mu.Lock()
		f.links[peer] = l
		f.mu.Unlock()
		return l, nil
	}
}

func (f *linkFactory) link(peer domain.ParticipantID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[peer]
}

func (f *linkFactory) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeLink, 0, len(f.links))
	for _, l := range f.links {
		out = append(out, l)
	}
	return out
}

type fakeTrack struct{ kind core.TrackKind }

func (t fakeTrack) Kind() core.TrackKind     { return t.kind }
func (t fakeTrack) Track() webrtc.TrackLocal { return nil }

type fakeMedia struct {
	mu          sync.Mutex
	failAcquire error
	failDisplay error
	released    int
}

func (m *fakeMedia) AcquireLocalMedia(_ context.Context, audio, video bool) ([]core.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcquire != nil {
		return nil, m.failAcquire
	}
	var tracks []core.LocalTrack
	if audio {
		tracks = append(tracks, fakeTrack{kind: core.TrackAudio})
	}
	if video {
		tracks = append(tracks, fakeTrack{kind: core.TrackVideo})
	}
	return tracks, nil
}

func (m *fakeMedia) AcquireDisplayMedia(context.Context) (core.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDisplay != nil {
		return nil, m.failDisplay
	}
	return fakeTrack{kind: core.TrackScreen}, nil
}

func (m *fakeMedia) RenderRemoteTrack(domain.ParticipantID, *webrtc.TrackRemote) {}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

type fakeIdentity struct {
	id   domain.ParticipantID
	name string
	role domain.Role
}

func (f fakeIdentity) SelfID() domain.ParticipantID { return f.id }
func (f fakeIdentity) DisplayName() string          { return f.name }
func (f fakeIdentity) Role() domain.Role            { return f.role }
