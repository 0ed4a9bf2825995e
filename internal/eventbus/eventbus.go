package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
)

const (
	meetingSubjectPrefix = "meetings."
	admissionsToken      = ".admissions."
)

var errEmptySubjectToken = errors.New("empty subject token")

type MeetingPublisher interface {
	PublishMeeting(meeting *core.Meeting) error
}

type MeetingSubscriber interface {
	SubscribeMeeting(meetingID string, handler func(*core.Meeting)) (*Subscription, error)
}

type AdmissionPublisher interface {
	PublishAdmission(req *core.AdmissionRequest) error
}

type AdmissionSubscriber interface {
	SubscribeAdmission(meetingID, userID string, handler func(*core.AdmissionRequest)) (*Subscription, error)
}

type Subscription struct {
	sub *nats.Subscription
}

func (s *Subscription) Close() error {
	return s.sub.Unsubscribe()
}

// Eventbus pushes meeting and admission record changes over nats
type Eventbus struct {
	nc *nats.Conn
}

func Connect(url string) (*Eventbus, error) {
	nc, err := nats.Connect(url, nats.Name("livelook-conf"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}

	return New(nc), nil
}

func New(nc *nats.Conn) *Eventbus {
	return &Eventbus{nc: nc}
}

func (e *Eventbus) Close() error {
	return e.nc.Drain()
}

// subjectToken makes an id safe to use as a single subject token
func subjectToken(id string) (string, error) {
	if id == "" {
		return "", errEmptySubjectToken
	}

	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id), nil
}

func meetingSubject(meetingID string) (string, error) {
	token, err := subjectToken(meetingID)
	if err != nil {
		return "", err
	}

	return meetingSubjectPrefix + token, nil
}

func admissionSubject(meetingID, userID string) (string, error) {
	subject, err := meetingSubject(meetingID)
	if err != nil {
		return "", err
	}

	user, err := subjectToken(userID)
	if err != nil {
		return "", err
	}

	return subject + admissionsToken + user, nil
}

func (e *Eventbus) PublishMeeting(meeting *core.Meeting) error {
	subject, err := meetingSubject(meeting.ID)
	if err != nil {
		return err
	}

	return e.publish(subject, meeting)
}

func (e *Eventbus) SubscribeMeeting(meetingID string, handler func(*core.Meeting)) (*Subscription, error) {
	subject, err := meetingSubject(meetingID)
	if err != nil {
		return nil, err
	}

	return e.subscribe(subject, func(msg *nats.Msg) {
		meeting := &core.Meeting{}
		if err := decode(msg, meeting); err != nil {
			return
		}
		handler(meeting)
	})
}

func (e *Eventbus) PublishAdmission(req *core.AdmissionRequest) error {
	subject, err := admissionSubject(req.MeetingID, req.UserID)
	if err != nil {
		return err
	}

	return e.publish(subject, req)
}

func (e *Eventbus) SubscribeAdmission(meetingID, userID string, handler func(*core.AdmissionRequest)) (*Subscription, error) {
	subject, err := admissionSubject(meetingID, userID)
	if err != nil {
		return nil, err
	}

	return e.subscribe(subject, func(msg *nats.Msg) {
		req := &core.AdmissionRequest{}
		if err := decode(msg, req); err != nil {
			return
		}
		handler(req)
	})
}

func (e *Eventbus) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return e.nc.Publish(subject, data)
}

func (e *Eventbus) subscribe(subject string, cb nats.MsgHandler) (*Subscription, error) {
	sub, err := e.nc.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	// make sure the server knows about the interest before returning
	if err := e.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	return &Subscription{sub: sub}, nil
}

func decode(msg *nats.Msg, v interface{}) error {
	if err := json.NewDecoder(bytes.NewReader(msg.Data)).Decode(v); err != nil {
		log.Error().Err(err).Str("service", "eventbus").Str("subject", msg.Subject).Msg("bad payload")
		return err
	}

	return nil
}
