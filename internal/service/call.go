package service

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/presence"
	"github.com/isqad/livelook-conf/internal/rtc"
	"github.com/isqad/livelook-conf/internal/signal"
	"github.com/isqad/livelook-conf/internal/telemetry"
)

// Call is the admitted membership of one participant in one meeting. It is
// built on admission and torn down on leave or end.
type Call struct {
	Meeting   *core.Meeting
	Identity  *core.Identity
	Privilege core.Privilege

	ctx    context.Context
	cancel context.CancelFunc

	manager       *rtc.Manager
	media         *rtc.LocalMedia
	signals       *signal.Subscription
	observer      *presence.Observer
	membership    *presence.Membership
	watch         *eventbus.Subscription
	stopHeartbeat func()

	mu            sync.Mutex
	micEnabled    bool
	cameraEnabled bool
	share         *screenShare

	// endReason is set under the orchestrator lock when the meeting ends
	// before the call is fully wired
	endReason string

	closeOnce sync.Once
}

type screenShare struct {
	share  *rtc.ScreenShare
	mixer  *rtc.Mixer
	target rtc.MixTarget
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Call) Peers() []string {
	return c.manager.Peers()
}

func (c *Call) PeerState(remoteID string) (rtc.PeerState, bool) {
	return c.manager.PeerState(remoteID)
}

func (c *Call) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.share != nil
}

// Mixer returns the audio graph of the running screen share, if any
func (c *Call) Mixer() *rtc.Mixer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.share == nil {
		return nil
	}
	return c.share.mixer
}

func (c *Call) stopShareLocked() {
	s := c.share
	if s == nil {
		return
	}
	c.share = nil

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.target != nil {
		_ = s.target.Close()
	}
	if s.share.Stop != nil {
		s.share.Stop()
	}

	c.manager.ReplaceOutbound(webrtc.RTPCodecTypeVideo, c.media.Video)
	c.manager.ReplaceOutbound(webrtc.RTPCodecTypeAudio, c.media.Audio)
}

// close releases everything the call holds, including the presence record
func (c *Call) close(ctx context.Context, capturer rtc.Capturer) {
	c.closeOnce.Do(func() {
		logger := log.With().Str("service", "call").Str("meeting", c.Meeting.ID).Str("participant", c.Identity.ID).Logger()

		if c.stopHeartbeat != nil {
			c.stopHeartbeat()
		}

		c.mu.Lock()
		c.stopShareLocked()
		c.mu.Unlock()

		c.manager.Close()

		if c.watch != nil {
			_ = c.watch.Close()
		}
		if c.observer != nil {
			c.observer.Close()
		}
		if c.membership != nil {
			if err := c.membership.Leave(ctx); err != nil {
				logger.Warn().Err(err).Msg("leave presence")
			}
		}
		c.cancel()
		if c.signals != nil {
			c.signals.Close()
		}
		capturer.Release()

		telemetry.CallStopped()
		logger.Debug().Msg("call closed")
	})
}
