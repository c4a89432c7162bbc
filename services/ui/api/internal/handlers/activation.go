package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
)

const resendMessage = "If an invitation is pending for this address, a new code has been sent"

// Activation is the part of *activation.Service the handlers use.
type Activation interface {
	Accept(ctx context.Context, req activation.AcceptRequest) (activation.Result, error)
	Resend(ctx context.Context, email, action string) error
	Invite(ctx context.Context, req activation.InviteRequest) (activation.InviteResult, error)
	Prefill(ctx context.Context, token string) (activation.Prefill, error)
}

type handler struct {
	svc          Activation
	loginURL     string
	adminToken   string
	csrfRequired bool
	log          zerolog.Logger
}

type acceptForm struct {
	Action      string `json:"action"`
	Email       string `json:"email"`
	Token       string `json:"token"`
	User        string `json:"user"`
	Phone       string `json:"phone"`
	OldPassword string `json:"oldpassword"`
	Password    string `json:"password"`
	Confirm     string `json:"confirm"`
	Code        string `json:"code"`
	CSRFToken   string `json:"csrf_token"`
}

func (h *handler) prefill(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pre, err := h.svc.Prefill(r.Context(), q.Get("token"))
	if err != nil {
		respondError(w, err)
		return
	}
	if email := q.Get("email"); email != "" && tokens.NormalizeEmail(email) != pre.Email {
		respondError(w, activation.ErrInvalidOrExpiredToken)
		return
	}
	if action := q.Get("action"); action != "" {
		if act, err := tokens.ParseAction(action); err != nil || string(act) != pre.Action {
			respondError(w, activation.ErrInvalidOrExpiredToken)
			return
		}
	}
	respondJSON(w, http.StatusOK, pre)
}

func (h *handler) accept(w http.ResponseWriter, r *http.Request) {
	var form acceptForm
	if isJSON(r) {
		if err := decodeJSON(w, r, &form); err != nil {
			respondMessage(w, http.StatusBadRequest, activation.FieldAccept, "Malformed request")
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			respondMessage(w, http.StatusBadRequest, activation.FieldAccept, "Malformed request")
			return
		}
		form = acceptForm{
			Action:      r.PostForm.Get("action"),
			Email:       r.PostForm.Get("email"),
			Token:       r.PostForm.Get("token"),
			User:        r.PostForm.Get("user"),
			Phone:       r.PostForm.Get("phone"),
			OldPassword: r.PostForm.Get("oldpassword"),
			Password:    r.PostForm.Get("password"),
			Confirm:     r.PostForm.Get("confirm"),
			Code:        r.PostForm.Get("code"),
			CSRFToken:   r.PostForm.Get("csrf_token"),
		}
	}

	if !h.csrfPresent(r, form.CSRFToken) {
		respondMessage(w, http.StatusForbidden, activation.FieldAccept, "Your session has expired, reload the page")
		return
	}

	res, err := h.svc.Accept(r.Context(), activation.AcceptRequest{
		Action:      form.Action,
		Email:       form.Email,
		Token:       form.Token,
		DisplayName: form.User,
		Phone:       form.Phone,
		OldPassword: form.OldPassword,
		Password:    form.Password,
		Confirm:     form.Confirm,
		Code:        form.Code,
		ClientIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.log.Info().Str("email", tokens.NormalizeEmail(form.Email)).Str("state", string(res.State)).Msg("accept rejected")
		respondError(w, err)
		return
	}
	http.Redirect(w, r, h.loginURL, http.StatusSeeOther)
}

// csrfPresent checks only that a token was sent. Validating it belongs to the web tier.
func (h *handler) csrfPresent(r *http.Request, field string) bool {
	if !h.csrfRequired {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-CSRF-Token")) != "" || strings.TrimSpace(field) != ""
}

func (h *handler) resend(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	action := r.URL.Query().Get("action")
	if r.Method == http.MethodPost && !isJSON(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err == nil {
			if v := r.PostForm.Get("email"); v != "" {
				email = v
			}
			if v := r.PostForm.Get("action"); v != "" {
				action = v
			}
		}
	}

	err := h.svc.Resend(r.Context(), email, action)
	var rl *throttle.RateLimitedError
	if errors.As(err, &rl) {
		respondError(w, err)
		return
	}
	if err != nil && !errors.Is(err, activation.ErrNoSuchInvitation) {
		h.log.Warn().Err(err).Msg("resend failed")
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message": resendMessage})
}

type inviteRequest struct {
	Email  string `json:"email"`
	Action string `json:"action"`
	User   string `json:"user"`
	Phone  string `json:"phone"`
}

type inviteResponse struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Action         string    `json:"action"`
	ExpiresAt      time.Time `json:"expires_at"`
	Link           string    `json:"link"`
	DeliveryFailed bool      `json:"delivery_failed,omitempty"`
}

func (h *handler) invite(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondMessage(w, http.StatusUnauthorized, activation.FieldAccept, "Unauthorized")
		return
	}
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondMessage(w, http.StatusBadRequest, activation.FieldAccept, "Malformed request")
		return
	}

	res, err := h.svc.Invite(r.Context(), activation.InviteRequest{
		Email:       req.Email,
		Action:      req.Action,
		DisplayName: req.User,
		Phone:       req.Phone,
	})
	if err != nil && res.Invitation.ID == uuid.Nil {
		respondError(w, err)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("invitation_id", res.Invitation.ID.String()).Msg("invitation delivery failed")
	}
	respondJSON(w, http.StatusCreated, inviteResponse{
		ID:             res.Invitation.ID,
		Email:          res.Invitation.Email,
		Action:         string(res.Invitation.Action),
		ExpiresAt:      res.Invitation.ExpiresAt,
		Link:           res.Link,
		DeliveryFailed: err != nil,
	})
}

func (h *handler) authorized(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.adminToken)) == 1
}
