package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-conf/internal/core"
)

func TestAdmissionsFlow(t *testing.T) {
	desk := NewAdmissions(newMemoryAdmissions(), newTestBus(t))
	guest := &core.Identity{ID: "u2", DisplayName: "Bob"}

	ok, err := desk.Approved(context.Background(), "abc-defg-hij", guest.ID)
	assert.Nil(t, err)
	assert.False(t, ok)

	results := make(chan *core.AdmissionRequest, 1)
	sub, err := desk.Subscribe("abc-defg-hij", guest.ID, func(req *core.AdmissionRequest) { results <- req })
	require.Nil(t, err)
	defer sub.Close()

	req, err := desk.Request(context.Background(), "abc-defg-hij", guest)
	assert.Nil(t, err)
	assert.Equal(t, core.AdmissionPending, req.State)
	assert.Equal(t, "Bob", req.DisplayName)

	pending, err := desk.Pending(context.Background(), "abc-defg-hij", core.PrivilegeHost)
	assert.Nil(t, err)
	assert.Len(t, pending, 1)

	_, err = desk.Resolve(context.Background(), "abc-defg-hij", guest.ID, core.PrivilegeHost, "u1", true)
	assert.Nil(t, err)

	select {
	case got := <-results:
		assert.Equal(t, core.AdmissionApproved, got.State)
		assert.Equal(t, "u1", *got.ResolvedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("admission result was not pushed")
	}

	ok, err = desk.Approved(context.Background(), "abc-defg-hij", guest.ID)
	assert.Nil(t, err)
	assert.True(t, ok)

	// only pending requests can be resolved
	_, err = desk.Resolve(context.Background(), "abc-defg-hij", guest.ID, core.PrivilegeHost, "u1", false)
	assert.ErrorIs(t, err, core.ErrAdmissionNotFound)
}

func TestAdmissionsRequirePrivilege(t *testing.T) {
	desk := NewAdmissions(newMemoryAdmissions(), newTestBus(t))

	_, err := desk.Resolve(context.Background(), "abc-defg-hij", "u2", core.PrivilegeNone, "u3", true)
	assert.ErrorIs(t, err, core.ErrPrivilegeDenied)

	_, err = desk.Pending(context.Background(), "abc-defg-hij", core.PrivilegeNone)
	assert.ErrorIs(t, err, core.ErrPrivilegeDenied)
}

func TestAdmissionsDeniedCanAskAgain(t *testing.T) {
	desk := NewAdmissions(newMemoryAdmissions(), newTestBus(t))
	guest := &core.Identity{ID: "u2", DisplayName: "Bob"}

	_, err := desk.Request(context.Background(), "abc-defg-hij", guest)
	require.Nil(t, err)
	_, err = desk.Resolve(context.Background(), "abc-defg-hij", guest.ID, core.PrivilegeElevated, "ops", false)
	require.Nil(t, err)

	req, err := desk.Request(context.Background(), "abc-defg-hij", guest)
	assert.Nil(t, err)
	assert.Equal(t, core.AdmissionPending, req.State)
}
