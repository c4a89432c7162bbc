// Package activation redeems invitations and walks an account through password and
// one-time code confirmation until it is active.
package activation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	vcodes "github.com/frosty308/webapps/services/activation/codes"
	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
)

var tracer = otel.Tracer("github.com/frosty308/webapps/services/activation")

// Account is what the directory receives once every check has passed.
type Account struct {
	Email        string
	Action       tokens.Action
	PasswordHash string
	DisplayName  string
	Phone        string
}

// Directory owns user accounts.
type Directory interface {
	Activate(ctx context.Context, acct Account) error
}

// InvitationNotice carries what an invitee needs to start activation.
type InvitationNotice struct {
	InvitationID      uuid.UUID
	Email             string
	DisplayName       string
	Action            tokens.Action
	Link              string
	TemporaryPassword string
	ExpiresAt         time.Time
}

// InvitationNotifier delivers invitation messages.
type InvitationNotifier interface {
	NotifyInvitation(ctx context.Context, n InvitationNotice) error
}

// CodeIssuer issues and verifies one-time codes. *codes.Issuer satisfies it.
type CodeIssuer interface {
	Issue(ctx context.Context, req vcodes.IssueRequest) (vcodes.VerificationCode, error)
	Verify(ctx context.Context, subjectID string, ch vcodes.Channel, submitted string) error
}

// Throttle limits requests per identity. *throttle.Guard satisfies it.
type Throttle interface {
	Check(ctx context.Context, identity string, op throttle.Operation) error
	CheckAndIncrement(ctx context.Context, identity string, op throttle.Operation) error
	Reset(ctx context.Context, identity string, op throttle.Operation) error
}

// Config holds the tunables of a Service.
type Config struct {
	InvitationTTL time.Duration
	PasswordCost  int
	RetryBackoff  time.Duration
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	PublicBaseURL string
}

func (c Config) withDefaults() Config {
	if c.InvitationTTL <= 0 {
		c.InvitationTTL = 72 * time.Hour
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	return c
}

// Deps are the collaborators of a Service. Invitations, Events and Now are optional.
type Deps struct {
	Tokens      tokens.Store
	Codes       CodeIssuer
	Throttle    Throttle
	Policy      *policy.Policy
	Directory   Directory
	Invitations InvitationNotifier
	Events      Publisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Service implements accept, resend, invite, revoke and prefill.
type Service struct {
	tokens      tokens.Store
	codes       CodeIssuer
	throttle    Throttle
	policy      *policy.Policy
	directory   Directory
	invitations InvitationNotifier
	events      Publisher
	log         zerolog.Logger
	now         func() time.Time
	cfg         Config
}

// New validates deps and returns a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errors.New("activation: token store is required")
	case deps.Codes == nil:
		return nil, errors.New("activation: code issuer is required")
	case deps.Throttle == nil:
		return nil, errors.New("activation: throttle is required")
	case deps.Policy == nil:
		return nil, errors.New("activation: policy is required")
	case deps.Directory == nil:
		return nil, errors.New("activation: directory is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		tokens:      deps.Tokens,
		codes:       deps.Codes,
		throttle:    deps.Throttle,
		policy:      deps.Policy,
		directory:   deps.Directory,
		invitations: deps.Invitations,
		events:      deps.Events,
		log:         deps.Logger.With().Str("component", "activation").Logger(),
		now:         now,
		cfg:         cfg.withDefaults(),
	}, nil
}

// call runs fn under timeout and retries it once after a short pause when it fails
// transiently. Persistent transient failures are reported as ErrTransient.
func (s *Service) call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(s.cfg.RetryBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(cctx)
		if isTransient(err) && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
	return err
}

func channelFor(inv tokens.Invitation) (vcodes.Channel, string) {
	if inv.Phone != "" {
		return vcodes.ChannelSMS, inv.Phone
	}
	return vcodes.ChannelEmail, inv.Email
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AcceptRequest carries the accept form.
type AcceptRequest struct {
	Action      string
	Email       string
	Token       string
	DisplayName string
	Phone       string
	OldPassword string
	Password    string
	Confirm     string
	Code        string
	ClientIP    string
	UserAgent   string
}

// Result reports where an accept attempt ended.
type Result struct {
	State        State
	Email        string
	Action       tokens.Action
	InvitationID uuid.UUID
}

// Accept redeems the token, checks the temporary password, applies the password
// policy, verifies the one-time code and activates the account. Once the token is
// redeemed it stays consumed whatever happens next.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "activation.Accept")
	defer func() { endSpan(span, err) }()

	email := tokens.NormalizeEmail(req.Email)
	res = Result{State: StateInvited, Email: email}
	action, perr := tokens.ParseAction(req.Action)
	if perr != nil || email == "" || req.Token == "" {
		acceptTotal.WithLabelValues("invalid_token").Inc()
		return res, ErrInvalidOrExpiredToken
	}
	res.Action = action
	span.SetAttributes(attribute.String("activation.action", string(action)))

	logger := s.log.With().Str("email", email).Str("action", string(action)).Logger()
	event := EventRecord{Email: email, Action: string(action), ClientIP: req.ClientIP, UserAgent: req.UserAgent}
	fail := func(reason string, cause error) (Result, error) {
		if res.State != StateInvited {
			res.State = Transition(res.State, EventRejected)
		}
		acceptTotal.WithLabelValues(reason).Inc()
		logger.Info().Str("reason", reason).Str("state", string(res.State)).Msg("accept rejected")
		event.State = res.State
		event.Reason = reason
		s.publish(ctx, SubjectFailed, event)
		return res, cause
	}

	if err := s.call(ctx, s.cfg.StoreTimeout, "throttle", func(ctx context.Context) error {
		if err := s.throttle.Check(ctx, email, throttle.OpCredential); err != nil {
			return err
		}
		return s.throttle.Check(ctx, email, throttle.OpVerify)
	}); err != nil {
		return fail("throttled", err)
	}

	var inv tokens.Invitation
	if err := s.call(ctx, s.cfg.StoreTimeout, "redeem", func(ctx context.Context) error {
		var rerr error
		inv, rerr = s.tokens.Redeem(ctx, req.Token)
		return rerr
	}); err != nil {
		if errors.Is(err, ErrTransient) {
			return fail("transient", err)
		}
		return fail("invalid_token", fmt.Errorf("%w: %w", ErrInvalidOrExpiredToken, err))
	}
	res.InvitationID = inv.ID
	event.InvitationID = inv.ID
	res.State = Transition(res.State, EventRedeemed)
	if inv.Email != email || inv.Action != action {
		return fail("invalid_token", ErrInvalidOrExpiredToken)
	}
	if err := s.call(ctx, s.cfg.StoreTimeout, "throttle", func(ctx context.Context) error {
		return s.throttle.CheckAndIncrement(ctx, inv.Email, throttle.OpVerify)
	}); err != nil {
		return fail("throttled", err)
	}

	if !tokens.CheckTemporaryPassword(inv, req.OldPassword) {
		if err := s.call(ctx, s.cfg.StoreTimeout, "throttle", func(ctx context.Context) error {
			return s.throttle.CheckAndIncrement(ctx, email, throttle.OpCredential)
		}); err != nil {
			var rl *throttle.RateLimitedError
			if !errors.As(err, &rl) {
				logger.Warn().Err(err).Msg("count credential failure")
			}
		}
		return fail("invalid_credential", ErrInvalidTemporaryCredential)
	}

	displayName := inv.DisplayName
	phone := inv.Phone
	var violations []error
	if err := s.policy.ValidatePassword(req.Password, req.Confirm); err != nil {
		violations = append(violations, err)
	}
	if strings.TrimSpace(req.DisplayName) != "" {
		if err := s.policy.ValidateDisplayName(req.DisplayName); err != nil {
			violations = append(violations, err)
		} else {
			displayName = policy.NormalizeDisplayName(req.DisplayName)
		}
	}
	if strings.TrimSpace(req.Phone) != "" {
		normalized, err := s.policy.NormalizePhone(req.Phone)
		if err != nil {
			violations = append(violations, err)
		} else {
			phone = normalized
		}
	}
	if len(violations) > 0 {
		return fail("policy", errors.Join(violations...))
	}
	res.State = Transition(res.State, EventCredentialAccepted)

	if err := s.policy.ValidateCodeFormat(req.Code); err != nil {
		return fail("code_format", err)
	}
	channel, _ := channelFor(inv)
	if err := s.call(ctx, s.cfg.StoreTimeout, "verify code", func(ctx context.Context) error {
		return s.codes.Verify(ctx, inv.ID.String(), channel, req.Code)
	}); err != nil {
		return fail(verifyReason(err), err)
	}

	hash, err := tokens.HashPassword(req.Password, s.cfg.PasswordCost)
	if err != nil {
		return fail("internal", fmt.Errorf("hash password: %w", err))
	}
	acct := Account{Email: email, Action: action, PasswordHash: hash, DisplayName: displayName, Phone: phone}
	if err := s.call(ctx, s.cfg.StoreTimeout, "activate account", func(ctx context.Context) error {
		return s.directory.Activate(ctx, acct)
	}); err != nil {
		return fail("directory", fmt.Errorf("activate account: %w", err))
	}
	res.State = Transition(res.State, EventCodeVerified)

	for _, op := range []throttle.Operation{throttle.OpVerify, throttle.OpCredential} {
		if err := s.throttle.Reset(ctx, email, op); err != nil {
			logger.Warn().Err(err).Str("operation", string(op)).Msg("reset throttle")
		}
	}
	acceptTotal.WithLabelValues("active").Inc()
	logger.Info().Str("invitation_id", inv.ID.String()).Msg("account activated")
	event.State = res.State
	s.publish(ctx, SubjectAccepted, event)
	return res, nil
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, ErrCodeMismatch):
		return "code_mismatch"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrAttemptsExhausted):
		return "attempts_exhausted"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}

// Resend issues a fresh code for the pending invitation of email and action.
func (s *Service) Resend(ctx context.Context, email, action string) (err error) {
	ctx, span := tracer.Start(ctx, "activation.Resend")
	defer func() { endSpan(span, err) }()

	email = tokens.NormalizeEmail(email)
	act, perr := tokens.ParseAction(action)
	if perr != nil || email == "" {
		return ErrNoSuchInvitation
	}

	// Throttle before the lookup so unknown and known addresses are limited alike.
	if err := s.call(ctx, s.cfg.StoreTimeout, "throttle", func(ctx context.Context) error {
		return s.throttle.CheckAndIncrement(ctx, email, throttle.OpResend)
	}); err != nil {
		return err
	}

	var inv tokens.Invitation
	if err := s.call(ctx, s.cfg.StoreTimeout, "lookup", func(ctx context.Context) error {
		var lerr error
		inv, lerr = s.tokens.Lookup(ctx, email, act)
		return lerr
	}); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return ErrNoSuchInvitation
		}
		return err
	}
	if inv.Status != tokens.StatusPending || s.now().After(inv.ExpiresAt) {
		return ErrNoSuchInvitation
	}

	channel, recipient := channelFor(inv)
	if err := s.call(ctx, s.cfg.NotifyTimeout, "issue code", func(ctx context.Context) error {
		_, ierr := s.codes.Issue(ctx, vcodes.IssueRequest{
			SubjectID: inv.ID.String(),
			Channel:   channel,
			Recipient: recipient,
			Purpose:   string(act),
		})
		return ierr
	}); err != nil {
		s.log.Warn().Err(err).Str("email", email).Msg("resend code")
		return err
	}

	s.publish(ctx, SubjectResent, EventRecord{Email: email, Action: string(act), InvitationID: inv.ID})
	return nil
}

// InviteRequest describes an invitation an operator wants to send.
type InviteRequest struct {
	Email       string
	Action      string
	DisplayName string
	Phone       string
}

// InviteResult is the created invitation and the link sent to the invitee.
type InviteResult struct {
	Invitation        tokens.Invitation
	Link              string
	TemporaryPassword string
}

// Invite creates an invitation, emails the link with the temporary password and sends
// the first code. Delivery failures are returned alongside a usable result.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (res InviteResult, err error) {
	ctx, span := tracer.Start(ctx, "activation.Invite")
	defer func() { endSpan(span, err) }()

	addr, perr := mail.ParseAddress(strings.TrimSpace(req.Email))
	if perr != nil {
		return InviteResult{}, &policy.Violation{Field: policy.FieldEmail, Rule: policy.RuleInvalidCharacters}
	}
	email := tokens.NormalizeEmail(addr.Address)
	action, perr := tokens.ParseAction(req.Action)
	if perr != nil {
		return InviteResult{}, perr
	}

	params := tokens.CreateParams{Email: email, Action: action, TTL: s.cfg.InvitationTTL}
	if strings.TrimSpace(req.DisplayName) != "" {
		if err := s.policy.ValidateDisplayName(req.DisplayName); err != nil {
			return InviteResult{}, err
		}
		params.DisplayName = policy.NormalizeDisplayName(req.DisplayName)
	}
	if strings.TrimSpace(req.Phone) != "" {
		phone, err := s.policy.NormalizePhone(req.Phone)
		if err != nil {
			return InviteResult{}, err
		}
		params.Phone = phone
	}

	var (
		inv      tokens.Invitation
		password string
	)
	if err := s.call(ctx, s.cfg.StoreTimeout, "create invitation", func(ctx context.Context) error {
		var cerr error
		inv, password, cerr = s.tokens.Create(ctx, params)
		return cerr
	}); err != nil {
		return InviteResult{}, err
	}

	res = InviteResult{Invitation: inv, Link: s.acceptLink(inv), TemporaryPassword: password}
	var deliveryErrs []error
	if s.invitations != nil {
		if err := s.call(ctx, s.cfg.NotifyTimeout, "notify invitation", func(ctx context.Context) error {
			err := s.invitations.NotifyInvitation(ctx, InvitationNotice{
				InvitationID:      inv.ID,
				Email:             inv.Email,
				DisplayName:       inv.DisplayName,
				Action:            inv.Action,
				Link:              res.Link,
				TemporaryPassword: password,
				ExpiresAt:         inv.ExpiresAt,
			})
			if err != nil {
				return fmt.Errorf("%w: invitation: %w", ErrDeliveryFailed, err)
			}
			return nil
		}); err != nil {
			deliveryErrs = append(deliveryErrs, err)
		}
	}

	channel, recipient := channelFor(inv)
	if err := s.call(ctx, s.cfg.NotifyTimeout, "issue code", func(ctx context.Context) error {
		_, ierr := s.codes.Issue(ctx, vcodes.IssueRequest{
			SubjectID: inv.ID.String(),
			Channel:   channel,
			Recipient: recipient,
			Purpose:   string(inv.Action),
		})
		return ierr
	}); err != nil {
		deliveryErrs = append(deliveryErrs, err)
	}

	s.log.Info().Str("email", inv.Email).Str("action", string(inv.Action)).Str("invitation_id", inv.ID.String()).Msg("invitation created")
	s.publish(ctx, SubjectInvited, EventRecord{Email: inv.Email, Action: string(inv.Action), InvitationID: inv.ID, State: StateInvited})
	return res, errors.Join(deliveryErrs...)
}

func (s *Service) acceptLink(inv tokens.Invitation) string {
	q := url.Values{}
	q.Set("token", inv.Token)
	q.Set("email", inv.Email)
	q.Set("action", string(inv.Action))
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/accept?" + q.Encode()
}

// Revoke cancels the pending invitation for email and action, if any.
func (s *Service) Revoke(ctx context.Context, email, action string) (err error) {
	ctx, span := tracer.Start(ctx, "activation.Revoke")
	defer func() { endSpan(span, err) }()

	email = tokens.NormalizeEmail(email)
	act, err := tokens.ParseAction(action)
	if err != nil {
		return err
	}
	if err := s.call(ctx, s.cfg.StoreTimeout, "revoke", func(ctx context.Context) error {
		return s.tokens.Revoke(ctx, email, act)
	}); err != nil {
		return err
	}
	s.publish(ctx, SubjectRevoked, EventRecord{Email: email, Action: string(act), State: StateRevoked})
	return nil
}

// Prefill is what the accept form shows before submission.
type Prefill struct {
	Email       string `json:"email"`
	Action      string `json:"action"`
	Token       string `json:"token"`
	DisplayName string `json:"user"`
	Phone       string `json:"phone"`
}

// Prefill returns form defaults for a redeemable token without consuming it.
func (s *Service) Prefill(ctx context.Context, token string) (Prefill, error) {
	if token == "" {
		return Prefill{}, ErrInvalidOrExpiredToken
	}
	var inv tokens.Invitation
	if err := s.call(ctx, s.cfg.StoreTimeout, "peek", func(ctx context.Context) error {
		var perr error
		inv, perr = s.tokens.Peek(ctx, token)
		return perr
	}); err != nil {
		if errors.Is(err, ErrTransient) {
			return Prefill{}, err
		}
		return Prefill{}, fmt.Errorf("%w: %w", ErrInvalidOrExpiredToken, err)
	}
	if inv.Status != tokens.StatusPending || s.now().After(inv.ExpiresAt) {
		return Prefill{}, ErrInvalidOrExpiredToken
	}
	return Prefill{
		Email:       inv.Email,
		Action:      string(inv.Action),
		Token:       token,
		DisplayName: inv.DisplayName,
		Phone:       inv.Phone,
	}, nil
}
