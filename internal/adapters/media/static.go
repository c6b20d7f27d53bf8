// Package media provides local capture tracks for the rtc layer.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type staticTrack struct {
	kind  core.TrackKind
	track *webrtc.TrackLocalStaticSample
}

func (t *staticTrack) Kind() core.TrackKind        { return t.kind }
func (t *staticTrack) Track() webrtc.TrackLocal    { return t.track }
func (t *staticTrack) Sample() *webrtc.TrackLocalStaticSample { return t.track }

// StaticProvider implements core.MediaProvider with sample-fed local
// tracks. The platform layer pushes encoded frames into the tracks it
// gets back; rendering of remote tracks is likewise the platform's job,
// this provider only accounts for them.
type StaticProvider struct {
	mu       sync.Mutex
	acquired []core.LocalTrack
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// AcquireLocalMedia creates microphone and camera tracks as requested.
func (p *StaticProvider) AcquireLocalMedia(ctx context.Context, audio, video bool) ([]core.LocalTrack, error) {
	if !audio && !video {
		return nil, fmt.Errorf("no media requested: %w", domain.ErrInvalidArgument)
	}

	var tracks []core.LocalTrack
	if audio {
		t, err := newSampleTrack(core.TrackAudio, webrtc.MimeTypeOpus, "audio")
		if err != nil {
			return nil, fmt.Errorf("acquire audio: %w", err)
		}
		tracks = append(tracks, t)
	}
	if video {
		t, err := newSampleTrack(core.TrackVideo, webrtc.MimeTypeVP8, "video")
		if err != nil {
			return nil, fmt.Errorf("acquire video: %w", err)
		}
		tracks = append(tracks, t)
	}

	p.mu.Lock()
	p.acquired = append(p.acquired, tracks...)
	p.mu.Unlock()
	return tracks, nil
}

// AcquireDisplayMedia creates a screen capture track.
func (p *StaticProvider) AcquireDisplayMedia(ctx context.Context) (core.LocalTrack, error) {
	t, err := newSampleTrack(core.TrackScreen, webrtc.MimeTypeVP8, "screen")
	if err != nil {
		return nil, fmt.Errorf("acquire display: %w", err)
	}
	p.mu.Lock()
	p.acquired = append(p.acquired, t)
	p.mu.Unlock()
	return t, nil
}

// RenderRemoteTrack registers an incoming remote track. Actual playback
// lives above this package.
func (p *StaticProvider) RenderRemoteTrack(peer domain.ParticipantID, track *webrtc.TrackRemote) {
	log.Info().Str("module", "media").Str("peer", string(peer)).
		Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track available")
}

// Release drops every acquired track.
func (p *StaticProvider) Release() {
	p.mu.Lock()
	n := len(p.acquired)
	p.acquired = nil
	p.mu.Unlock()
	if n > 0 {
		log.Info().Str("module", "media").Int("tracks", n).Msg("local media released")
	}
}

func newSampleTrack(kind core.TrackKind, mime, label string) (*staticTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		label+"-"+uuid.NewString(),
		label,
	)
	if err != nil {
		return nil, err
	}
	return &staticTrack{kind: kind, track: track}, nil
}
