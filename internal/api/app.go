package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
)

const shutdownTimeout = 20 * time.Second

// MeetingSocket streams meeting changes over a websocket
type MeetingSocket interface {
	ServeMeeting(w http.ResponseWriter, r *http.Request, meeting *core.Meeting) error
}

// AppOptions is options of the application
type AppOptions struct {
	Address    string
	Meetings   MeetingService
	Admissions AdmissionService
	Privileges PrivilegeResolver
	Users      core.UserStorer
	Socket     MeetingSocket

	FirebaseAuthAddr string
	CookieStore      sessions.Store
	// AuthStub replaces authentication in tests
	AuthStub AuthHandler
}

// App is application for API
type App struct {
	AppOptions

	router *chi.Mux
	auth   *Authenticator
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	auth := NewAuthenticator(options.FirebaseAuthAddr, options.Users, options.CookieStore)
	auth.StubHandler = options.AuthStub
	auth.AuthFailFunc = authFailedFunc

	return &App{
		AppOptions: options,
		router:     chi.NewRouter(),
		auth:       auth,
	}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Use(middleware.RealIP)
	app.router.Use(middleware.Recoverer)

	app.router.Handle("/metrics", promhttp.Handler())

	app.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/guest", GuestHandler(app.CookieStore))

		r.With(app.auth.Middleware()).Group(func(r chi.Router) {
			r.Post("/meetings", MeetingCreateHandler(app.Meetings))
			r.Get("/meetings", MeetingsListHandler(app.Meetings))
			r.Get("/meetings/{id}", MeetingShowHandler(app.Meetings))
			r.Post("/meetings/{id}/end", MeetingEndHandler(app.Meetings, app.Privileges))
			r.Get("/meetings/{id}/admissions", AdmissionsListHandler(app.Meetings, app.Privileges, app.Admissions))
			r.Post("/meetings/{id}/admissions/{userID}", AdmissionResolveHandler(app.Meetings, app.Privileges, app.Admissions))
			r.Get("/meetings/{id}/ws", MeetingSocketHandler(app.Meetings, app.Socket))
		})
	})

	return app.router
}

// Start serves until ctx is done, then waits for open connections
func (app *App) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              app.Address,
		Handler:           app.Router(),
		ReadHeaderTimeout: 1 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Warn().Str("service", "api").Msg("the server is going shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "api").Str("address", app.Address).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Str("service", "api").Msg("server stopped")

	return nil
}

func authFailedFunc(w http.ResponseWriter, r *http.Request, err error) {
	log.Debug().Err(err).Str("service", "api").Str("path", r.URL.Path).Msg("authentication failed")
	w.WriteHeader(http.StatusUnauthorized)
}

// MeetingSocketHandler upgrades to a websocket that pushes the meeting record
func MeetingSocketHandler(meetings MeetingService, socket MeetingSocket) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, err := meetings.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			renderError(w, r, err)
			return
		}

		if err := socket.ServeMeeting(w, r, meeting); err != nil {
			log.Error().Err(err).Str("service", "api").Str("meeting", meeting.ID).Msg("can't handle websocket request")
		}
	}
}
