package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"

	"github.com/isqad/livelook-conf/internal/core"
)

const maxDisplayNameLength = 64

type GuestRequest struct {
	DisplayName string `json:"display_name"`
}

// GuestHandler remembers the display name of a caller without an account.
// A returning guest keeps its id.
func GuestHandler(store sessions.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &GuestRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			renderError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}

		name := strings.TrimSpace(req.DisplayName)
		if name == "" || len(name) > maxDisplayNameLength {
			renderError(w, r, fmt.Errorf("%w: display name must be 1 to %d characters", errBadRequest, maxDisplayNameLength))
			return
		}

		// a stale or tampered cookie still yields a session to write into
		session, err := store.Get(r, guestSessionName)
		if session == nil {
			renderError(w, r, err)
			return
		}

		id, _ := session.Values["id"].(string)
		if !core.IsGuestID(id) {
			id = core.NewGuestIdentity(name).ID
		}
		session.Values["id"] = id
		session.Values["name"] = name

		if err := session.Save(r, w); err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, &core.Identity{ID: id, DisplayName: name, Guest: true})
	}
}
