package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/sessions"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-conf/internal/api"
	"github.com/isqad/livelook-conf/internal/config"
	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/service"
	"github.com/isqad/livelook-conf/internal/ws"
)

func main() {
	app := &cli.App{
		Name:  "livelook-server",
		Usage: "Meeting management API and lifecycle push",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config, LIVELOOK_* variables override it",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, overrides http.address",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("address"); addr != "" {
		conf.HTTP.Address = addr
	}

	config.InitLogger(conf.Env)

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

	// the server itself keeps no presence, redis is only checked so a broken
	// deployment fails at start
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	users := core.NewUserRepository(db)
	lifecycle := service.NewLifecycle(
		core.NewMeetingsRepository(db),
		bus,
		conf.Meeting.StaleAfter,
		conf.Meeting.HeartbeatInterval,
	)
	hub := ws.NewHub(bus)
	defer hub.Close()

	app := api.NewApp(api.AppOptions{
		Address:          conf.HTTP.Address,
		Meetings:         lifecycle,
		Admissions:       service.NewAdmissions(core.NewAdmissionsRepository(db), bus),
		Privileges:       core.NewPrivilegeResolver(conf.Privilege.ElevatedEmails, users),
		Users:            users,
		Socket:           hub,
		FirebaseAuthAddr: conf.Auth.Addr,
		CookieStore:      sessions.NewCookieStore([]byte(conf.Session.Secret)),
	})

	return app.Start(ctx)
}
