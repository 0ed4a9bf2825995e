package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isqad/livelook-conf/internal/core"
)

type AdmissionService interface {
	Pending(ctx context.Context, meetingID string, privilege core.Privilege) ([]*core.AdmissionRequest, error)
	Resolve(ctx context.Context, meetingID, userID string, privilege core.Privilege, resolver string, approve bool) (*core.AdmissionRequest, error)
}

type AdmissionDecision struct {
	Approve bool `json:"approve"`
}

func AdmissionsListHandler(meetings MeetingService, privileges PrivilegeResolver, admissions AdmissionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, privilege, err := meetingWithPrivilege(r, meetings, privileges)
		if err != nil {
			renderError(w, r, err)
			return
		}

		pending, err := admissions.Pending(r.Context(), meeting.ID, privilege)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, pending)
	}
}

// AdmissionResolveHandler approves or denies a waiting caller. The caller is
// told through the admission push.
func AdmissionResolveHandler(meetings MeetingService, privileges PrivilegeResolver, admissions AdmissionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, privilege, err := meetingWithPrivilege(r, meetings, privileges)
		if err != nil {
			renderError(w, r, err)
			return
		}
		if meeting.IsEnded() {
			renderError(w, r, core.ErrSessionEnded)
			return
		}

		decision := &AdmissionDecision{}
		if err := json.NewDecoder(r.Body).Decode(decision); err != nil {
			renderError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}

		// identityFromRequest succeeded inside meetingWithPrivilege
		resolver, _ := identityFromRequest(r)

		req, err := admissions.Resolve(r.Context(), meeting.ID, chi.URLParam(r, "userID"), privilege, resolver.ID, decision.Approve)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, req)
	}
}
