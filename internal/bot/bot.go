package bot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/service"
)

var errRejected = errors.New("join rejected")

// Options of a headless participant
type Options struct {
	MeetingID string
	// Identity is nil for a guest
	Identity  *core.Identity
	GuestName string
	// ShareAfter starts a screen share once admitted, zero disables it
	ShareAfter time.Duration
}

// Bot is a headless participant: it joins a meeting, streams its media to
// every other participant and leaves when the meeting ends or ctx is done
type Bot struct {
	Options

	orchestrator *service.Orchestrator
	home         chan struct{}
}

// New builds a bot around params. Guests and Navigator are provided by the bot.
func New(ctx context.Context, options Options, params service.OrchestratorParams) *Bot {
	bot := &Bot{
		Options: options,
		home:    make(chan struct{}),
	}

	params.Guests = bot
	params.Navigator = bot
	bot.orchestrator = service.NewOrchestrator(ctx, params)

	return bot
}

// DisplayName answers the guest name prompt
func (bot *Bot) DisplayName(ctx context.Context) (string, error) {
	if bot.GuestName == "" {
		return "", errors.New("no display name configured")
	}
	return bot.GuestName, nil
}

func (bot *Bot) ShowMessage(message string) {
	log.Info().Str("service", "bot").Str("meeting", bot.MeetingID).Msg(message)
}

func (bot *Bot) RedirectHome() {
	select {
	case <-bot.home:
	default:
		close(bot.home)
	}
}

// Run joins the meeting and blocks until the bot is sent home or ctx is done
func (bot *Bot) Run(ctx context.Context) error {
	defer bot.orchestrator.Close()

	admitted := make(chan *service.Call, 1)
	bot.orchestrator.OnAdmitted(func(call *service.Call) {
		select {
		case admitted <- call:
		default:
		}
	})
	bot.orchestrator.OnSessionEnded(func(reason string) {
		log.Warn().Str("service", "bot").Str("meeting", bot.MeetingID).Str("reason", reason).Msg("meeting ended")
	})

	res := bot.orchestrator.JoinSession(ctx, bot.MeetingID, bot.Identity)
	switch res.Status {
	case service.JoinRejected:
		if res.Err != nil {
			return res.Err
		}
		return errRejected
	case service.JoinPending:
		log.Info().Str("service", "bot").Str("meeting", bot.MeetingID).Msg("waiting for the host")
	}

	var share <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return bot.orchestrator.LeaveSession(context.Background())
		case <-bot.home:
			return nil
		case call := <-admitted:
			log.Info().Str("service", "bot").Str("meeting", call.Meeting.ID).Str("privilege", call.Privilege.String()).Msg("in the call")
			if bot.ShareAfter > 0 {
				share = time.After(bot.ShareAfter)
			}
		case <-share:
			if _, err := bot.orchestrator.StartScreenShare(ctx); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("can't share screen")
			}
		}
	}
}
