package bot

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/rtc"
)

const (
	sampleRate    = 48000
	frameDuration = 20 * time.Millisecond
	frameSize     = sampleRate / 50
)

// opusSilence is a complete opus packet carrying 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errNoMedia = errors.New("media not acquired")

// Capturer stands in for a camera and microphone: video comes from an IVF
// file, audio is silence
type Capturer struct {
	VideoFile  string
	ScreenFile string

	mu      sync.Mutex
	cancel  context.CancelFunc
	shares  []context.CancelFunc
	wg      sync.WaitGroup
	audioOn atomic.Bool
	videoOn atomic.Bool
}

func NewCapturer(videoFile, screenFile string) *Capturer {
	return &Capturer{
		VideoFile:  videoFile,
		ScreenFile: screenFile,
	}
}

func (c *Capturer) Acquire(ctx context.Context, settings core.MediaSettings) (*rtc.LocalMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "livelook")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "livelook")
	if err != nil {
		return nil, err
	}

	c.audioOn.Store(settings.AudioOn)
	c.videoOn.Store(settings.VideoOn)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		streamIVF(runCtx, c.VideoFile, video, &c.videoOn)
	}()
	go func() {
		defer c.wg.Done()
		streamSilence(runCtx, audio)
	}()

	return &rtc.LocalMedia{
		Audio: audio,
		Video: video,
		Mic:   &silenceSource{},
	}, nil
}

// CaptureScreen plays ScreenFile as the shared screen. Without one the
// picker counts as cancelled.
func (c *Capturer) CaptureScreen(ctx context.Context) (*rtc.ScreenShare, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil, errNoMedia
	}
	if c.ScreenFile == "" {
		return nil, nil
	}

	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "livelook")
	if err != nil {
		return nil, err
	}

	shareCtx, cancel := context.WithCancel(context.Background())
	c.shares = append(c.shares, cancel)
	var on atomic.Bool
	on.Store(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		streamIVF(shareCtx, c.ScreenFile, screen, &on)
	}()

	return &rtc.ScreenShare{
		Video:       screen,
		SystemAudio: &silenceSource{},
		Stop:        cancel,
	}, nil
}

func (c *Capturer) NewMixTarget() (rtc.MixTarget, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mixed", "livelook")
	if err != nil {
		return nil, err
	}

	return &mixTarget{track: track}, nil
}

func (c *Capturer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		c.audioOn.Store(enabled)
	case webrtc.RTPCodecTypeVideo:
		c.videoOn.Store(enabled)
	}
}

func (c *Capturer) Enabled(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeAudio {
		return c.audioOn.Load()
	}
	return c.videoOn.Load()
}

// Release stops every stream and waits for them
func (c *Capturer) Release() {
	c.mu.Lock()
	cancel := c.cancel
	shares := c.shares
	c.cancel = nil
	c.shares = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, stop := range shares {
		stop()
	}
	c.wg.Wait()
}

// streamIVF sends the file a frame at a time, paced by its timebase, and
// starts over at the end
func streamIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, on *atomic.Bool) {
	logger := log.With().Str("service", "bot").Str("file", path).Logger()

	for ctx.Err() == nil {
		err := playIVF(ctx, path, track, on)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		logger.Error().Err(err).Msg("can't stream video")
		return
	}
}

func playIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, on *atomic.Bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	interval := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		// a disabled camera sends nothing
		if !on.Load() {
			continue
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}

func streamSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("can't write audio")
				return
			}
		}
	}
}

// silenceSource yields zeroed PCM at the real-time rate
type silenceSource struct{}

func (s *silenceSource) ReadFrame(ctx context.Context, frame []float32) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(frameDuration):
	}

	for i := range frame {
		frame[i] = 0
	}
	return len(frame), nil
}

// mixTarget forwards mixed frames to an opus track. The bot only ever mixes
// silence, so each frame goes out as the opus silence packet.
type mixTarget struct {
	track  *webrtc.TrackLocalStaticSample
	frames atomic.Uint64
}

func (m *mixTarget) WriteFrame(frame []float32) error {
	m.frames.Add(1)
	return m.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
}

func (m *mixTarget) Track() webrtc.TrackLocal {
	return m.track
}

func (m *mixTarget) FrameSize() int {
	return frameSize
}

func (m *mixTarget) Close() error {
	return nil
}
