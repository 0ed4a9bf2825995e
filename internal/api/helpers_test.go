package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-conf/internal/core"
)

type fakeMeetings struct {
	mu       sync.Mutex
	meetings map[string]*core.Meeting
}

func newFakeMeetings(meetings ...*core.Meeting) *fakeMeetings {
	f := &fakeMeetings{meetings: make(map[string]*core.Meeting)}
	for _, m := range meetings {
		f.meetings[m.ID] = m
	}
	return f
}

func (f *fakeMeetings) Create(_ context.Context, host *core.Identity, title string, autoAdmit bool, media core.MediaSettings) (*core.Meeting, error) {
	if host.Guest {
		return nil, core.ErrPrivilegeDenied
	}

	m, err := core.NewMeeting(host.ID, title, autoAdmit, media, time.Now())
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.ID] = m
	return m, nil
}

func (f *fakeMeetings) List(_ context.Context, limit int) ([]*core.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := []*core.Meeting{}
	for _, m := range f.meetings {
		if len(res) == limit {
			break
		}
		res = append(res, m)
	}
	return res, nil
}

func (f *fakeMeetings) Load(_ context.Context, id string) (*core.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.meetings[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return m, nil
}

func (f *fakeMeetings) End(_ context.Context, id string, privilege core.Privilege, reason string) error {
	if !privilege.IsPrivileged() {
		return core.ErrPrivilegeDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.meetings[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	if !m.IsEnded() {
		m.Status = core.MeetingEnded
		m.EndReason = &reason
	}
	return nil
}

type fakeAdmissions struct {
	pending []*core.AdmissionRequest
}

func (f *fakeAdmissions) Pending(_ context.Context, _ string, privilege core.Privilege) ([]*core.AdmissionRequest, error) {
	if !privilege.IsPrivileged() {
		return nil, core.ErrPrivilegeDenied
	}
	return f.pending, nil
}

func (f *fakeAdmissions) Resolve(_ context.Context, meetingID, userID string, privilege core.Privilege, resolver string, approve bool) (*core.AdmissionRequest, error) {
	if !privilege.IsPrivileged() {
		return nil, core.ErrPrivilegeDenied
	}

	for i, req := range f.pending {
		if req.MeetingID == meetingID && req.UserID == userID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			req.State = core.AdmissionDenied
			if approve {
				req.State = core.AdmissionApproved
			}
			req.ResolvedBy = &resolver
			return req, nil
		}
	}
	return nil, core.ErrAdmissionNotFound
}

// stubAuth authenticates every request as identity
func stubAuth(identity *core.Identity) AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, withIdentity(r, identity))
		})
	}
}

func newTestApp(t *testing.T, caller *core.Identity, meetings *fakeMeetings, admissions *fakeAdmissions) *httptest.Server {
	app := NewApp(AppOptions{
		Meetings:    meetings,
		Admissions:  admissions,
		Privileges:  core.NewPrivilegeResolver([]string{"ops@example.com"}, nil),
		CookieStore: sessions.NewCookieStore([]byte("test-secret")),
		AuthStub:    stubAuth(caller),
	})

	ts := httptest.NewServer(app.Router())
	t.Cleanup(ts.Close)

	return ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reader)
	require.Nil(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.Nil(t, err)

	return resp, string(b)
}

func activeMeeting(id, host string) *core.Meeting {
	return &core.Meeting{
		ID:             id,
		Title:          "standup",
		HostID:         host,
		Status:         core.MeetingActive,
		LastActivityAt: time.Now(),
	}
}
