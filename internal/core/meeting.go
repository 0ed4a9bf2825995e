package core

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

type MeetingStatus string

const (
	MeetingActive MeetingStatus = "active"
	MeetingEnded  MeetingStatus = "ended"
)

const (
	// DefaultEndReason is shown when a meeting ended without an explicit reason
	DefaultEndReason = "The meeting has ended"
	// InactiveEndReason is recorded by the lazy inactivity expiry
	InactiveEndReason = "The meeting ended due to inactivity"

	meetingIDAlphabet = "abcdefghijklmnopqrstuvwxyz"
)

// meetingIDGroups is the shape of a shareable meeting token: abc-defg-hij
var meetingIDGroups = []int{3, 4, 3}

// MediaSettings are the defaults applied to a participant's local media on join
type MediaSettings struct {
	AudioOn bool `json:"audio_on" db:"audio_on"`
	VideoOn bool `json:"video_on" db:"video_on"`
}

type Meeting struct {
	ID             string        `json:"id" db:"id"`
	Title          string        `json:"title" db:"title"`
	HostID         string        `json:"host_id" db:"host_id"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at" db:"last_activity_at"`
	Status         MeetingStatus `json:"status" db:"status"`
	EndReason      *string       `json:"end_reason,omitempty" db:"end_reason"`
	EndedAt        *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	AutoAdmit      bool          `json:"auto_admit" db:"auto_admit"`
	MediaSettings
}

// NewMeeting creates an active meeting hosted by hostID
func NewMeeting(hostID, title string, autoAdmit bool, media MediaSettings, now time.Time) (*Meeting, error) {
	id, err := NewMeetingID()
	if err != nil {
		return nil, err
	}

	return &Meeting{
		ID:             id,
		Title:          title,
		HostID:         hostID,
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
		Status:         MeetingActive,
		AutoAdmit:      autoAdmit,
		MediaSettings:  media,
	}, nil
}

func (m *Meeting) IsEnded() bool {
	return m.Status == MeetingEnded
}

// IsStale reports whether an active meeting saw no activity for longer than after
func (m *Meeting) IsStale(now time.Time, after time.Duration) bool {
	return m.Status == MeetingActive && now.Sub(m.LastActivityAt) > after
}

// Reason returns the end reason or the default message
func (m *Meeting) Reason() string {
	if m.EndReason == nil || *m.EndReason == "" {
		return DefaultEndReason
	}
	return *m.EndReason
}

// NewMeetingID generates a human-shareable token like "xqz-abcd-kfe"
func NewMeetingID() (string, error) {
	max := big.NewInt(int64(len(meetingIDAlphabet)))
	groups := make([]string, 0, len(meetingIDGroups))

	for _, size := range meetingIDGroups {
		var b strings.Builder
		for i := 0; i < size; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(meetingIDAlphabet[n.Int64()])
		}
		groups = append(groups, b.String())
	}

	return strings.Join(groups, "-"), nil
}
