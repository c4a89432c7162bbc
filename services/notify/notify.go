// Package notify turns activation notices into outbound messages on the bus. Delivery
// gateways consume webapps.notify.sms and webapps.notify.email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/frosty308/webapps/pkg/render"
	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/activation/codes"
)

// Subjects outbound messages are published on.
const (
	SubjectSMS   = "webapps.notify.sms"
	SubjectEmail = "webapps.notify.email"
)

// Stream is the JetStream stream that holds outbound messages.
const Stream = "WEBAPPS_NOTIFY"

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_messages_total",
	Help: "Outbound notification messages by channel and result.",
}, []string{"channel", "result"})

// Message is the payload published for a delivery gateway.
type Message struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	Kind    string `json:"kind"`
}

// Publisher sends a payload to a subject. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Notifier renders notices and publishes them.
type Notifier struct {
	pub    Publisher
	engine *render.Engine
	log    zerolog.Logger
}

// New returns a Notifier publishing through pub.
func New(pub Publisher, engine *render.Engine, logger zerolog.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, errors.New("notify: publisher is required")
	}
	if engine == nil {
		return nil, errors.New("notify: render engine is required")
	}
	return &Notifier{pub: pub, engine: engine, log: logger.With().Str("component", "notify").Logger()}, nil
}

// NotifyCode publishes a one-time code over its channel.
func (n *Notifier) NotifyCode(ctx context.Context, notice codes.CodeNotice) error {
	var (
		tmpl    string
		subject string
	)
	switch notice.Channel {
	case codes.ChannelSMS:
		tmpl, subject = render.CodeSMS, SubjectSMS
	case codes.ChannelEmail:
		tmpl, subject = render.CodeEmail, SubjectEmail
	default:
		return fmt.Errorf("notify: unsupported channel %q", notice.Channel)
	}

	body, err := n.engine.Render(tmpl, notice)
	if err != nil {
		return fmt.Errorf("notify: render code: %w", err)
	}
	msg := Message{Channel: string(notice.Channel), To: notice.Recipient, Kind: "code"}
	msg.Subject, msg.Body = splitSubject(body)
	return n.send(ctx, subject, msg)
}

// NotifyInvitation publishes an invitation email.
func (n *Notifier) NotifyInvitation(ctx context.Context, notice activation.InvitationNotice) error {
	body, err := n.engine.Render(render.InvitationEmail, notice)
	if err != nil {
		return fmt.Errorf("notify: render invitation: %w", err)
	}
	msg := Message{Channel: string(codes.ChannelEmail), To: notice.Email, Kind: "invitation"}
	msg.Subject, msg.Body = splitSubject(body)
	return n.send(ctx, SubjectEmail, msg)
}

func (n *Notifier) send(ctx context.Context, subject string, msg Message) error {
	if err := n.pub.Publish(ctx, subject, msg); err != nil {
		sentTotal.WithLabelValues(msg.Channel, "error").Inc()
		n.log.Error().Err(err).Str("channel", msg.Channel).Str("kind", msg.Kind).Msg("publish notification")
		return fmt.Errorf("notify: publish %s: %w", msg.Kind, err)
	}
	sentTotal.WithLabelValues(msg.Channel, "ok").Inc()
	n.log.Debug().Str("channel", msg.Channel).Str("kind", msg.Kind).Msg("notification queued")
	return nil
}

// splitSubject separates a leading "Subject:" header from the rendered body.
func splitSubject(rendered string) (string, string) {
	first, rest, found := strings.Cut(rendered, "\n")
	if !strings.HasPrefix(first, "Subject:") {
		return "", rendered
	}
	if !found {
		rest = ""
	}
	return strings.TrimSpace(strings.TrimPrefix(first, "Subject:")), strings.TrimSpace(rest)
}

// LogNotifier records that a notice would have been sent. Codes, links and
// temporary passwords are never written.
type LogNotifier struct {
	Log zerolog.Logger
}

// NotifyCode logs the code notice.
func (l LogNotifier) NotifyCode(_ context.Context, n codes.CodeNotice) error {
	l.Log.Info().
		Str("channel", string(n.Channel)).
		Str("to", n.Recipient).
		Str("purpose", n.Purpose).
		Dur("expires_in", n.ExpiresIn).
		Msg("code notice")
	return nil
}

// NotifyInvitation logs the invitation notice.
func (l LogNotifier) NotifyInvitation(_ context.Context, n activation.InvitationNotice) error {
	l.Log.Info().
		Str("to", n.Email).
		Str("invitation_id", n.InvitationID.String()).
		Str("action", string(n.Action)).
		Time("expires_at", n.ExpiresAt).
		Msg("invitation notice")
	return nil
}
