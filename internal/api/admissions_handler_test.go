package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-conf/internal/core"
)

func pendingAdmissions() *fakeAdmissions {
	return &fakeAdmissions{pending: []*core.AdmissionRequest{
		{MeetingID: "abc-defg-hij", UserID: "guest-1", DisplayName: "Carol", State: core.AdmissionPending},
	}}
}

func TestAdmissionsListHandler(t *testing.T) {
	meetings := newFakeMeetings(activeMeeting("abc-defg-hij", "u1"))

	ts := newTestApp(t, host, meetings, pendingAdmissions())
	resp, body := doRequest(t, "GET", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	list := []*core.AdmissionRequest{}
	require.Nil(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Carol", list[0].DisplayName)

	ts = newTestApp(t, other, meetings, pendingAdmissions())
	resp, _ = doRequest(t, "GET", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdmissionResolveHandler(t *testing.T) {
	t.Run("host approves", func(t *testing.T) {
		admissions := pendingAdmissions()
		ts := newTestApp(t, host, newFakeMeetings(activeMeeting("abc-defg-hij", "u1")), admissions)

		resp, body := doRequest(t, "POST", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions/guest-1", `{"approve":true}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		req := &core.AdmissionRequest{}
		require.Nil(t, json.Unmarshal([]byte(body), req))
		assert.Equal(t, core.AdmissionApproved, req.State)
		assert.Equal(t, "u1", *req.ResolvedBy)
		assert.Empty(t, admissions.pending)

		resp, _ = doRequest(t, "POST", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions/guest-1", `{"approve":true}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("participant is refused", func(t *testing.T) {
		admissions := pendingAdmissions()
		ts := newTestApp(t, other, newFakeMeetings(activeMeeting("abc-defg-hij", "u1")), admissions)

		resp, _ := doRequest(t, "POST", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions/guest-1", `{"approve":true}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Len(t, admissions.pending, 1)
	})

	t.Run("ended meeting", func(t *testing.T) {
		ended := activeMeeting("abc-defg-hij", "u1")
		ended.Status = core.MeetingEnded
		ts := newTestApp(t, host, newFakeMeetings(ended), pendingAdmissions())

		resp, _ := doRequest(t, "POST", ts.URL+"/api/v1/meetings/abc-defg-hij/admissions/guest-1", `{"approve":true}`)
		assert.Equal(t, http.StatusGone, resp.StatusCode)
	})
}
