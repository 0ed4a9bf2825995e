package core

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMeetingID(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := NewMeetingID()
		assert.Nil(t, err)
		assert.Regexp(t, re, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestMeetingIsStale(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := &Meeting{Status: MeetingActive, LastActivityAt: t0}

	assert.False(t, m.IsStale(t0.Add(299*time.Second), 300*time.Second))
	assert.False(t, m.IsStale(t0.Add(300*time.Second), 300*time.Second))
	assert.True(t, m.IsStale(t0.Add(301*time.Second), 300*time.Second))

	m.Status = MeetingEnded
	assert.False(t, m.IsStale(t0.Add(time.Hour), 300*time.Second))
}

func TestMeetingReason(t *testing.T) {
	m := &Meeting{}
	assert.Equal(t, DefaultEndReason, m.Reason())

	empty := ""
	m.EndReason = &empty
	assert.Equal(t, DefaultEndReason, m.Reason())

	reason := "Host ended the call"
	m.EndReason = &reason
	assert.Equal(t, reason, m.Reason())
}
