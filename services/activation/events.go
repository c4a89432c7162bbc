package activation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects activation events are published on.
const (
	SubjectPrefix   = "webapps.activation."
	SubjectAccepted = SubjectPrefix + "accepted"
	SubjectFailed   = SubjectPrefix + "failed"
	SubjectResent   = SubjectPrefix + "resent"
	SubjectInvited  = SubjectPrefix + "invited"
	SubjectRevoked  = SubjectPrefix + "revoked"
)

// EventRecord is the payload of every activation event. It never carries secrets.
type EventRecord struct {
	Type         string    `json:"type"`
	Email        string    `json:"email"`
	Action       string    `json:"action"`
	InvitationID uuid.UUID `json:"invitation_id,omitempty"`
	State        State     `json:"state,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher sends events to a subject. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

func (s *Service) publish(ctx context.Context, subject string, rec EventRecord) {
	if s.events == nil {
		return
	}
	rec.Type = subject[len(SubjectPrefix):]
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	// Publishing is best effort and outlives the request deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, subject, rec); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("publish activation event")
	}
}
