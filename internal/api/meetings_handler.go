package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var errBadRequest = errors.New("bad request")

// MeetingService is the lifecycle side the API needs
type MeetingService interface {
	Create(ctx context.Context, host *core.Identity, title string, autoAdmit bool, media core.MediaSettings) (*core.Meeting, error)
	List(ctx context.Context, limit int) ([]*core.Meeting, error)
	Load(ctx context.Context, id string) (*core.Meeting, error)
	End(ctx context.Context, id string, privilege core.Privilege, reason string) error
}

type PrivilegeResolver interface {
	Resolve(ctx context.Context, identity *core.Identity, meeting *core.Meeting) (core.Privilege, error)
}

type MeetingRequest struct {
	Title     string `json:"title"`
	AutoAdmit bool   `json:"auto_admit"`
	AudioOn   *bool  `json:"audio_on,omitempty"`
	VideoOn   *bool  `json:"video_on,omitempty"`
}

func (req *MeetingRequest) media() core.MediaSettings {
	media := core.MediaSettings{AudioOn: true, VideoOn: true}
	if req.AudioOn != nil {
		media.AudioOn = *req.AudioOn
	}
	if req.VideoOn != nil {
		media.VideoOn = *req.VideoOn
	}
	return media
}

type EndRequest struct {
	Reason string `json:"reason"`
}

func MeetingCreateHandler(meetings MeetingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := identityFromRequest(r)
		if err != nil {
			renderError(w, r, err)
			return
		}

		req := &MeetingRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			renderError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}

		meeting, err := meetings.Create(r.Context(), identity, req.Title, req.AutoAdmit, req.media())
		if err != nil {
			renderError(w, r, err)
			return
		}

		log.Info().Str("service", "api").Str("meeting", meeting.ID).Str("host", identity.ID).Msg("meeting created")
		renderJSON(w, http.StatusCreated, meeting)
	}
}

// MeetingsListHandler lists active meetings, most recently active first
func MeetingsListHandler(meetings MeetingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if param := r.URL.Query().Get("limit"); param != "" {
			n, err := strconv.Atoi(param)
			if err != nil || n <= 0 {
				renderError(w, r, fmt.Errorf("%w: invalid limit %q", errBadRequest, param))
				return
			}
			limit = n
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		list, err := meetings.List(r.Context(), limit)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, list)
	}
}

// MeetingShowHandler reads a meeting. Reading may expire an idle one.
func MeetingShowHandler(meetings MeetingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, err := meetings.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, meeting)
	}
}

func MeetingEndHandler(meetings MeetingService, privileges PrivilegeResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, privilege, err := meetingWithPrivilege(r, meetings, privileges)
		if err != nil {
			renderError(w, r, err)
			return
		}

		req := &EndRequest{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil {
				renderError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
		}

		if err := meetings.End(r.Context(), meeting.ID, privilege, req.Reason); err != nil {
			renderError(w, r, err)
			return
		}

		meeting, err = meetings.Load(r.Context(), meeting.ID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, meeting)
	}
}

// meetingWithPrivilege loads the meeting of the route and the caller's privilege on it
func meetingWithPrivilege(r *http.Request, meetings MeetingService, privileges PrivilegeResolver) (*core.Meeting, core.Privilege, error) {
	identity, err := identityFromRequest(r)
	if err != nil {
		return nil, core.PrivilegeNone, err
	}

	meeting, err := meetings.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, core.PrivilegeNone, err
	}

	privilege, err := privileges.Resolve(r.Context(), identity, meeting)
	if err != nil {
		log.Warn().Err(err).Str("service", "api").Str("caller", identity.ID).Msg("role lookup failed, treating as unprivileged")
		privilege = core.PrivilegeNone
	}

	return meeting, privilege, nil
}
