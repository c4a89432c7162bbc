package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/frosty308/webapps/services/activation/codes"
	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
)

type fakeDirectory struct {
	mu       sync.Mutex
	calls    []Account
	failures []error
}

func (d *fakeDirectory) Activate(_ context.Context, acct Account) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, acct)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return err
	}
	return nil
}

type fakeInvitations struct {
	mu      sync.Mutex
	notices []InvitationNotice
	err     error
}

func (n *fakeInvitations) NotifyInvitation(_ context.Context, notice InvitationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

type fakeEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (e *fakeEvents) Publish(_ context.Context, subject string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subjects = append(e.subjects, subject)
	return nil
}

type harness struct {
	svc         *Service
	tokens      *tokens.MemoryStore
	directory   *fakeDirectory
	invitations *fakeInvitations
	events      *fakeEvents
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		directory:   &fakeDirectory{},
		invitations: &fakeInvitations{},
		events:      &fakeEvents{},
		now:         time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.tokens = tokens.NewMemoryStore(tokens.WithClock(clock), tokens.WithCost(bcrypt.MinCost))
	issuer := codes.NewIssuer(codes.NewMemoryStore(), nil,
		codes.WithClock(clock),
		codes.WithGenerator(func(int) (string, error) { return "123456", nil }),
	)

	svc, err := New(Deps{
		Tokens:      h.tokens,
		Codes:       issuer,
		Throttle:    throttle.NewGuard(throttle.NewMemoryStore(), nil, clock),
		Policy:      policy.New(policy.DefaultRules()),
		Directory:   h.directory,
		Invitations: h.invitations,
		Events:      h.events,
		Logger:      zerolog.Nop(),
		Now:         clock,
	}, Config{
		InvitationTTL: 72 * time.Hour,
		PasswordCost:  bcrypt.MinCost,
		RetryBackoff:  time.Millisecond,
		PublicBaseURL: "https://accounts.example.com/",
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) invite(t *testing.T, email, phone string) InviteResult {
	t.Helper()
	res, err := h.svc.Invite(context.Background(), InviteRequest{Email: email, Action: "activate", Phone: phone})
	require.NoError(t, err)
	return res
}

func (h *harness) acceptRequest(inv InviteResult) AcceptRequest {
	return AcceptRequest{
		Action:      "activate",
		Email:       inv.Invitation.Email,
		Token:       inv.Invitation.Token,
		OldPassword: inv.TemporaryPassword,
		Password:    "Password1",
		Confirm:     "Password1",
		Code:        "123456",
	}
}

func TestAcceptHappyPath(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "alice@example.com", "+1 555 010 0199")

	require.Contains(t, inv.Link, "https://accounts.example.com/accept?")
	require.Len(t, h.invitations.notices, 1)
	require.Equal(t, inv.TemporaryPassword, h.invitations.notices[0].TemporaryPassword)

	req := h.acceptRequest(inv)
	req.DisplayName = "  Alice Liddell "
	res, err := h.svc.Accept(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateActive, res.State)

	require.Len(t, h.directory.calls, 1)
	acct := h.directory.calls[0]
	require.Equal(t, "alice@example.com", acct.Email)
	require.Equal(t, "Alice Liddell", acct.DisplayName)
	require.Equal(t, "+15550100199", acct.Phone)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte("Password1")))

	require.Contains(t, h.events.subjects, SubjectInvited)
	require.Contains(t, h.events.subjects, SubjectAccepted)
}

func TestAcceptFailClosedOnWrongCode(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "bob@example.com", "")

	req := h.acceptRequest(inv)
	req.Code = "654321"
	res, err := h.svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrCodeMismatch)
	require.Equal(t, StateFailed, res.State)

	req.Code = "123456"
	_, err = h.svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	require.Empty(t, h.directory.calls)
}

func TestAcceptWrongTemporaryPassword(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "carol@example.com", "")

	req := h.acceptRequest(inv)
	req.OldPassword = "not-it"
	_, err := h.svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidTemporaryCredential)

	// Credential and token failures are indistinguishable to the user.
	_, tokenErr := h.svc.Accept(context.Background(), req)
	require.ErrorIs(t, tokenErr, ErrInvalidOrExpiredToken)
	require.Equal(t, Describe(err), Describe(tokenErr))
	require.Empty(t, h.directory.calls)
}

func TestAcceptEmailMustMatchInvitation(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "dave@example.com", "")

	req := h.acceptRequest(inv)
	req.Email = "mallory@example.com"
	_, err := h.svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestAcceptPolicyViolations(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "erin@example.com", "")

	req := h.acceptRequest(inv)
	req.Password = "short"
	req.Confirm = "other"
	req.Phone = "call me"
	_, err := h.svc.Accept(context.Background(), req)

	var v *policy.Violation
	require.ErrorAs(t, err, &v)
	fields := map[string]bool{}
	for _, m := range DescribeAll(err) {
		fields[m.Field] = true
	}
	require.True(t, fields[policy.FieldPassword])
	require.True(t, fields[policy.FieldConfirm])
	require.True(t, fields[policy.FieldPhone])
}

func TestAcceptRetriesTransientDirectoryFailure(t *testing.T) {
	h := newHarness(t)
	h.directory.failures = []error{context.DeadlineExceeded}
	inv := h.invite(t, "frank@example.com", "")

	res, err := h.svc.Accept(context.Background(), h.acceptRequest(inv))
	require.NoError(t, err)
	require.Equal(t, StateActive, res.State)
	require.Len(t, h.directory.calls, 2)
}

func TestAcceptSurfacesPersistentTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.directory.failures = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	inv := h.invite(t, "grace@example.com", "")

	res, err := h.svc.Accept(context.Background(), h.acceptRequest(inv))
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, 503, Describe(err).Status)
}

func TestCredentialLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		inv := h.invite(t, "heidi@example.com", "")
		req := h.acceptRequest(inv)
		req.OldPassword = "guess"
		_, err := h.svc.Accept(ctx, req)
		require.ErrorIs(t, err, ErrInvalidTemporaryCredential)
	}

	inv := h.invite(t, "heidi@example.com", "")
	_, err := h.svc.Accept(ctx, h.acceptRequest(inv))
	var rl *throttle.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Minute, rl.RetryAfter)

	// The lockout is checked before redemption, so the token is still usable.
	peek, err := h.tokens.Peek(ctx, inv.Invitation.Token)
	require.NoError(t, err)
	require.Equal(t, tokens.StatusPending, peek.Status)

	// The first code has expired by the time the lockout ends.
	h.now = h.now.Add(31 * time.Minute)
	require.NoError(t, h.svc.Resend(ctx, "heidi@example.com", "activate"))
	res, err := h.svc.Accept(ctx, h.acceptRequest(inv))
	require.NoError(t, err)
	require.Equal(t, StateActive, res.State)
}

func TestBogusAcceptsDoNotLockOutInvitee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.invite(t, "victim@example.com", "")

	for i := 0; i < 12; i++ {
		_, err := h.svc.Accept(ctx, AcceptRequest{
			Action:   "activate",
			Email:    "victim@example.com",
			Token:    "bogus",
			Password: "Password1",
			Confirm:  "Password1",
			Code:     "123456",
		})
		require.ErrorIs(t, err, ErrInvalidOrExpiredToken, "attempt %d", i+1)
	}

	res, err := h.svc.Accept(ctx, h.acceptRequest(inv))
	require.NoError(t, err)
	require.Equal(t, StateActive, res.State)
}

func TestVerifyLimitCountsRedeemedAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		inv := h.invite(t, "mallory@example.com", "")
		req := h.acceptRequest(inv)
		req.Code = "654321"
		_, err := h.svc.Accept(ctx, req)
		require.ErrorIs(t, err, ErrCodeMismatch, "attempt %d", i+1)
	}

	inv := h.invite(t, "mallory@example.com", "")
	_, err := h.svc.Accept(ctx, h.acceptRequest(inv))
	var rl *throttle.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, throttle.OpVerify, rl.Operation)
}

func TestInviteDeliveryFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.invitations.err = context.DeadlineExceeded

	res, err := h.svc.Invite(context.Background(), InviteRequest{Email: "nina@example.com", Action: "activate"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotErrorIs(t, err, ErrTransient)
	require.NotEmpty(t, res.Link)
	require.Len(t, h.invitations.notices, 1)
	require.Equal(t, res.Invitation.ID, h.invitations.notices[0].InvitationID)
}

func TestResendThrottled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.invite(t, "ivan@example.com", "+15550100")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.Resend(ctx, "ivan@example.com", "activate"))
	}
	err := h.svc.Resend(ctx, "ivan@example.com", "activate")
	var rl *throttle.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Positive(t, rl.RetryAfter)
	require.Equal(t, 429, Describe(err).Status)

	h.now = h.now.Add(15 * time.Minute)
	require.NoError(t, h.svc.Resend(ctx, "ivan@example.com", "activate"))
}

func TestResendRequiresPendingInvitation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.svc.Resend(ctx, "nobody@example.com", "activate"), ErrNoSuchInvitation)

	inv := h.invite(t, "judy@example.com", "")
	_, err := h.svc.Accept(ctx, h.acceptRequest(inv))
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.Resend(ctx, "judy@example.com", "activate"), ErrNoSuchInvitation)
}

func TestInviteConflict(t *testing.T) {
	h := newHarness(t)
	h.invite(t, "ken@example.com", "")

	_, err := h.svc.Invite(context.Background(), InviteRequest{Email: "KEN@example.com"})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 409, Describe(err).Status)

	_, err = h.svc.Invite(context.Background(), InviteRequest{Email: "not an address"})
	var v *policy.Violation
	require.ErrorAs(t, err, &v)
	require.Equal(t, policy.FieldEmail, v.Field)
}

func TestRevokeAndPrefill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.invite(t, "liz@example.com", "+15550123")

	pre, err := h.svc.Prefill(ctx, inv.Invitation.Token)
	require.NoError(t, err)
	require.Equal(t, "liz@example.com", pre.Email)
	require.Equal(t, "+15550123", pre.Phone)

	require.NoError(t, h.svc.Revoke(ctx, "liz@example.com", "activate"))
	_, err = h.svc.Prefill(ctx, inv.Invitation.Token)
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = h.svc.Accept(ctx, h.acceptRequest(inv))
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	require.Contains(t, h.events.subjects, SubjectRevoked)
}

func TestAcceptExpiredInvitation(t *testing.T) {
	h := newHarness(t)
	inv := h.invite(t, "mike@example.com", "")
	h.now = h.now.Add(73 * time.Hour)

	_, err := h.svc.Accept(context.Background(), h.acceptRequest(inv))
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	require.True(t, errors.Is(err, tokens.ErrExpired))
}
