package core

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	meetingsListLimitDefault int = 50

	meetingColumns = `id, title, host_id, created_at, last_activity_at, status,
		end_reason, ended_at, auto_admit, audio_on, video_on`
)

// MeetingsStorer is the document store of meeting records. Status writes are
// conditional on the meeting still being active.
type MeetingsStorer interface {
	Create(ctx context.Context, meeting *Meeting) error
	Find(ctx context.Context, id string) (*Meeting, error)
	ListActive(ctx context.Context, limit int) ([]*Meeting, error)
	Touch(ctx context.Context, id string, at time.Time) error
	End(ctx context.Context, id string, reason string, at time.Time) (bool, error)
	ExpireIfStale(ctx context.Context, id string, cutoff time.Time, reason string, at time.Time) (bool, error)
}

type MeetingsRepository struct {
	db *sqlx.DB
}

func NewMeetingsRepository(db *sqlx.DB) *MeetingsRepository {
	return &MeetingsRepository{
		db: db,
	}
}

func (r *MeetingsRepository) Create(ctx context.Context, meeting *Meeting) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO meetings
			(id, title, host_id, created_at, last_activity_at, status, auto_admit, audio_on, video_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		meeting.ID,
		meeting.Title,
		meeting.HostID,
		meeting.CreatedAt,
		meeting.LastActivityAt,
		string(meeting.Status),
		meeting.AutoAdmit,
		meeting.AudioOn,
		meeting.VideoOn,
	)
	return err
}

func (r *MeetingsRepository) Find(ctx context.Context, id string) (*Meeting, error) {
	meeting := &Meeting{}

	err := r.db.GetContext(ctx, meeting,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1 LIMIT 1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return meeting, nil
}

func (r *MeetingsRepository) ListActive(ctx context.Context, limit int) ([]*Meeting, error) {
	if limit <= 0 {
		limit = meetingsListLimitDefault
	}

	meetings := []*Meeting{}
	err := r.db.SelectContext(ctx, &meetings,
		`SELECT `+meetingColumns+` FROM meetings
		WHERE status = $1
		ORDER BY last_activity_at DESC LIMIT $2`,
		string(MeetingActive),
		limit,
	)
	if err != nil {
		return nil, err
	}

	return meetings, nil
}

// Touch moves last_activity_at forward. It never moves it back.
func (r *MeetingsRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET last_activity_at = GREATEST(last_activity_at, $1)
		WHERE id = $2 AND status = $3`,
		at.UTC(),
		id,
		string(MeetingActive),
	)
	return err
}

func (r *MeetingsRepository) End(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET
			status = $1,
			end_reason = $2,
			ended_at = $3
		WHERE id = $4 AND status = $5`,
		string(MeetingEnded),
		reason,
		at.UTC(),
		id,
		string(MeetingActive),
	)
	if err != nil {
		return false, err
	}

	return affected(res)
}

func (r *MeetingsRepository) ExpireIfStale(ctx context.Context, id string, cutoff time.Time, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET
			status = $1,
			end_reason = $2,
			ended_at = $3
		WHERE id = $4 AND status = $5 AND last_activity_at < $6`,
		string(MeetingEnded),
		reason,
		at.UTC(),
		id,
		string(MeetingActive),
		cutoff.UTC(),
	)
	if err != nil {
		return false, err
	}

	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
