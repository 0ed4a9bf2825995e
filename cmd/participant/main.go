package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-conf/internal/bot"
	"github.com/isqad/livelook-conf/internal/config"
	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/presence"
	"github.com/isqad/livelook-conf/internal/rtc"
	"github.com/isqad/livelook-conf/internal/service"
	sig "github.com/isqad/livelook-conf/internal/signal"
)

func main() {
	app := &cli.App{
		Name:  "livelook-participant",
		Usage: "Headless participant streaming media into a meeting",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config, LIVELOOK_* variables override it",
			},
			&cli.StringFlag{
				Name:     "meeting",
				Usage:    "meeting id, example: abc-defg-hij",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "uid",
				Usage: "identity provider uid of a registered user, joins as a guest when empty",
			},
			&cli.StringFlag{
				Name:  "name",
				Value: "livelook bot",
				Usage: "display name used when joining as a guest",
			},
			&cli.StringFlag{
				Name:  "video",
				Value: "video.ivf",
				Usage: "VP8 IVF file used as the camera",
			},
			&cli.StringFlag{
				Name:  "screen",
				Usage: "VP8 IVF file used as the shared screen",
			},
			&cli.DurationFlag{
				Name:  "share-after",
				Usage: "start sharing the screen this long after admission",
			},
		},
		Action: startParticipant,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startParticipant(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	config.InitLogger(conf.Env)

	webrtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", conf.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	bus, err := eventbus.Connect(conf.NATS.URL)
	if err != nil {
		return err
	}
	defer bus.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	users := core.NewUserRepository(db)

	var identity *core.Identity
	if uid := c.String("uid"); uid != "" {
		if identity, err = users.FindByUID(ctx, uid); err != nil {
			return err
		}
	}

	capturer := bot.NewCapturer(c.String("video"), c.String("screen"))

	b := bot.New(ctx, bot.Options{
		MeetingID:  c.String("meeting"),
		Identity:   identity,
		GuestName:  c.String("name"),
		ShareAfter: c.Duration("share-after"),
	}, service.OrchestratorParams{
		Lifecycle: service.NewLifecycle(
			core.NewMeetingsRepository(db),
			bus,
			conf.Meeting.StaleAfter,
			conf.Meeting.HeartbeatInterval,
		),
		Admissions: service.NewAdmissions(core.NewAdmissionsRepository(db), bus),
		Privileges: core.NewPrivilegeResolver(conf.Privilege.ElevatedEmails, users),
		Presence:   presence.NewTracker(rdb, conf.Presence.TTL),
		Signals:    sig.NewExchange(rdb, conf.Signal.QueueTTL),
		Capturer:   capturer,
		NewTransport: rtc.NewTransportFactory(rtc.TransportParams{
			EnabledCodecs: conf.Peer.EnabledCodecs,
			Config:        webrtcConf,
		}),
		RedirectDelay: conf.Meeting.RedirectDelay,
		GraceDelay:    conf.Meeting.GraceDelay,
	})

	return b.Run(ctx)
}

