package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
)

type fakeService struct {
	acceptReq activation.AcceptRequest
	acceptErr error

	resendCalls int
	resendErr   error

	inviteRes activation.InviteResult
	inviteErr error

	prefill    activation.Prefill
	prefillErr error
}

func (f *fakeService) Accept(_ context.Context, req activation.AcceptRequest) (activation.Result, error) {
	f.acceptReq = req
	if f.acceptErr != nil {
		return activation.Result{State: activation.StateFailed}, f.acceptErr
	}
	return activation.Result{State: activation.StateActive, Email: req.Email}, nil
}

func (f *fakeService) Resend(context.Context, string, string) error {
	f.resendCalls++
	return f.resendErr
}

func (f *fakeService) Invite(context.Context, activation.InviteRequest) (activation.InviteResult, error) {
	return f.inviteRes, f.inviteErr
}

func (f *fakeService) Prefill(context.Context, string) (activation.Prefill, error) {
	return f.prefill, f.prefillErr
}

func newRouter(svc *fakeService, csrf bool) http.Handler {
	return Router(RouterOptions{
		Service:      svc,
		LoginURL:     "/login",
		AdminToken:   "s3cret",
		CSRFRequired: csrf,
		Logger:       zerolog.Nop(),
	})
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoints(t *testing.T) {
	r := Router(RouterOptions{Ready: func(context.Context) error { return errors.New("db down") }})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAcceptFormRedirects(t *testing.T) {
	svc := &fakeService{}
	form := url.Values{
		"action":      {"activate"},
		"email":       {"alice@example.com"},
		"token":       {"tok"},
		"user":        {"Alice"},
		"oldpassword": {"tmp"},
		"password":    {"Str0ngPass"},
		"confirm":     {"Str0ngPass"},
		"code":        {"123456"},
	}
	req := httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	newRouter(svc, false).ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/login", rec.Header().Get("Location"))
	require.Equal(t, "Alice", svc.acceptReq.DisplayName)
	require.Equal(t, "tmp", svc.acceptReq.OldPassword)
	require.Equal(t, "123456", svc.acceptReq.Code)
	require.Equal(t, "test-agent", svc.acceptReq.UserAgent)
	require.NotEmpty(t, svc.acceptReq.ClientIP)
}

func TestAcceptErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		fields map[string]string
	}{
		{
			name:   "bad token is generic",
			err:    fmt.Errorf("%w: %w", activation.ErrInvalidOrExpiredToken, tokens.ErrNotFound),
			status: http.StatusUnprocessableEntity,
			fields: map[string]string{activation.FieldAccept: "Unable to validate your credentials"},
		},
		{
			name:   "bad temporary password is generic",
			err:    activation.ErrInvalidTemporaryCredential,
			status: http.StatusUnprocessableEntity,
			fields: map[string]string{activation.FieldAccept: "Unable to validate your credentials"},
		},
		{
			name: "policy violations per field",
			err: errors.Join(
				&policy.Violation{Field: policy.FieldPassword, Rule: policy.RuleMissingDigit},
				&policy.Violation{Field: policy.FieldConfirm, Rule: policy.RuleMismatch},
			),
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "transient",
			err:    activation.ErrTransient,
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{acceptErr: tc.err}
			req := httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(`{"email":"a@example.com","token":"t"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			newRouter(svc, false).ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			body := decodeErrors(t, rec)
			require.NotEmpty(t, body.Errors)
			for field, text := range tc.fields {
				require.Equal(t, text, body.Errors[field])
			}
			for _, text := range body.Errors {
				require.NotContains(t, text, "not found")
			}
		})
	}
}

func TestAcceptPolicyFieldsRendered(t *testing.T) {
	svc := &fakeService{acceptErr: errors.Join(
		&policy.Violation{Field: policy.FieldPassword, Rule: policy.RuleMissingDigit},
		&policy.Violation{Field: policy.FieldConfirm, Rule: policy.RuleMismatch},
	)}
	req := httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(`{"password":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	newRouter(svc, false).ServeHTTP(rec, req)

	body := decodeErrors(t, rec)
	require.Contains(t, body.Errors, policy.FieldPassword)
	require.Contains(t, body.Errors, policy.FieldConfirm)
}

func TestAcceptRejectsUnknownJSONFields(t *testing.T) {
	svc := &fakeService{}
	req := httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(`{"nope":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	newRouter(svc, false).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcceptCSRF(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, true)

	req := httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(`{"email":"a@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, svc.acceptReq.Email)

	req = httptest.NewRequest(http.MethodPost, "/accept", strings.NewReader(`{"email":"a@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", "opaque")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestPrefill(t *testing.T) {
	svc := &fakeService{prefill: activation.Prefill{Email: "alice@example.com", Action: "activate", Token: "tok"}}
	r := newRouter(svc, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accept?token=tok&email=Alice@Example.com&action=invite", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pre activation.Prefill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pre))
	require.Equal(t, "alice@example.com", pre.Email)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accept?token=tok&email=bob@example.com", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestResendAlwaysAccepted(t *testing.T) {
	for _, err := range []error{nil, activation.ErrNoSuchInvitation, activation.ErrDeliveryFailed} {
		svc := &fakeService{resendErr: err}
		rec := httptest.NewRecorder()
		newRouter(svc, false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resend?email=a@example.com&action=activate", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Contains(t, rec.Body.String(), resendMessage)
		require.Equal(t, 1, svc.resendCalls)
	}
}

func TestResendRateLimited(t *testing.T) {
	svc := &fakeService{resendErr: &throttle.RateLimitedError{Operation: throttle.OpResend, RetryAfter: 90500 * time.Millisecond}}
	req := httptest.NewRequest(http.MethodPost, "/resend", strings.NewReader("email=a@example.com&action=activate"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newRouter(svc, false).ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "91", rec.Header().Get("Retry-After"))
	body := decodeErrors(t, rec)
	require.Equal(t, 91, body.RetryAfter)
}

func TestInvite(t *testing.T) {
	id := uuid.New()
	svc := &fakeService{inviteRes: activation.InviteResult{
		Invitation: tokens.Invitation{ID: id, Email: "alice@example.com", Action: tokens.ActionActivate},
		Link:       "https://accounts.example.com/accept?token=t",
	}}
	r := newRouter(svc, false)

	body := `{"email":"alice@example.com","action":"activate"}`
	req := httptest.NewRequest(http.MethodPost, "/invite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/invite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp inviteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, id, resp.ID)
	require.False(t, resp.DeliveryFailed)

	svc.inviteErr = activation.ErrDeliveryFailed
	req = httptest.NewRequest(http.MethodPost, "/invite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.DeliveryFailed)

	svc.inviteRes = activation.InviteResult{}
	svc.inviteErr = activation.ErrConflict
	req = httptest.NewRequest(http.MethodPost, "/invite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}
