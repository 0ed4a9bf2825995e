package rtc

import (
	"context"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-conf/internal/core"
)

// LocalMedia is what a participant sends by default
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
	// Mic feeds the mixer while a screen share carries system audio, may be nil
	Mic PCMSource
}

// ScreenShare is a captured screen with optional system audio
type ScreenShare struct {
	Video       webrtc.TrackLocal
	SystemAudio PCMSource
	Stop        func()
}

func (s *ScreenShare) HasAudio() bool {
	return s.SystemAudio != nil
}

// MixTarget is an outbound audio track fed with mixed PCM
type MixTarget interface {
	PCMSink
	Track() webrtc.TrackLocal
	FrameSize() int
	Close() error
}

// Capturer acquires local media on behalf of a participant
type Capturer interface {
	Acquire(ctx context.Context, settings core.MediaSettings) (*LocalMedia, error)
	// CaptureScreen returns nil without error when the user cancels the picker
	CaptureScreen(ctx context.Context) (*ScreenShare, error)
	NewMixTarget() (MixTarget, error)
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool)
	Release()
}
