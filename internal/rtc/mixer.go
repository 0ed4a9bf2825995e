package rtc

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// PCMSource yields interleaved float32 frames in [-1, 1]
type PCMSource interface {
	ReadFrame(ctx context.Context, frame []float32) (int, error)
}

// PCMSink consumes mixed frames, typically by encoding them into an outbound track
type PCMSink interface {
	WriteFrame(frame []float32) error
}

// Mixer sums the microphone, scaled by a gain that mirrors mute, with
// captured system audio. The gain may change while the mixer runs.
type Mixer struct {
	mic       PCMSource
	system    PCMSource
	sink      PCMSink
	frameSize int
	gain      atomic.Uint64
}

func NewMixer(mic, system PCMSource, sink PCMSink, frameSize int) *Mixer {
	m := &Mixer{
		mic:       mic,
		system:    system,
		sink:      sink,
		frameSize: frameSize,
	}
	m.SetGain(1)

	return m
}

func (m *Mixer) SetGain(gain float64) {
	m.gain.Store(math.Float64bits(gain))
}

func (m *Mixer) Gain() float64 {
	return math.Float64frombits(m.gain.Load())
}

// SetMuted maps the mute state onto the microphone gain
func (m *Mixer) SetMuted(muted bool) {
	if muted {
		m.SetGain(0)
		return
	}
	m.SetGain(1)
}

// MixFrame writes mic*gain + system into out, clipped to [-1, 1]
func (m *Mixer) MixFrame(mic, system, out []float32) {
	gain := float32(m.Gain())

	for i := range out {
		var v float32
		if i < len(mic) {
			v = mic[i] * gain
		}
		if i < len(system) {
			v += system[i]
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
}

// Run mixes until ctx is done or either source ends
func (m *Mixer) Run(ctx context.Context) error {
	mic := make([]float32, m.frameSize)
	system := make([]float32, m.frameSize)
	out := make([]float32, m.frameSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		nm, err := m.mic.ReadFrame(ctx, mic)
		if err != nil {
			return sourceErr(ctx, err)
		}
		ns, err := m.system.ReadFrame(ctx, system)
		if err != nil {
			return sourceErr(ctx, err)
		}

		n := nm
		if ns > n {
			n = ns
		}
		m.MixFrame(mic[:nm], system[:ns], out[:n])

		if err := m.sink.WriteFrame(out[:n]); err != nil {
			log.Error().Err(err).Str("service", "mixer").Msg("write mixed frame")
			return err
		}
	}
}

func sourceErr(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}
