// Package tokens stores invitations and enforces single use of their tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates no invitation matches the token or identity.
	ErrNotFound = errors.New("invitation not found")
	// ErrExpired indicates the invitation passed its expiry before being redeemed.
	ErrExpired = errors.New("invitation expired")
	// ErrAlreadyConsumed indicates the invitation is no longer pending.
	ErrAlreadyConsumed = errors.New("invitation already consumed")
	// ErrConflict indicates a pending invitation already exists for the email and action.
	ErrConflict = errors.New("pending invitation already exists")
)

// Action is the purpose an invitation was issued for.
type Action string

const (
	ActionActivate Action = "activate"
	ActionReset    Action = "reset"
)

// ParseAction accepts the form value for an action. "invite" is an alias of activate.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "activate", "invite":
		return ActionActivate, nil
	case "reset":
		return ActionReset, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Status is the lifecycle state of an invitation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Invitation is a single-use grant to activate or reset an account.
type Invitation struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	Email                 string    `db:"email" json:"email"`
	Action                Action    `db:"action" json:"action"`
	Token                 string    `db:"token" json:"-"`
	TemporaryPasswordHash string    `db:"temporary_password_hash" json:"-"`
	DisplayName           string    `db:"display_name" json:"display_name,omitempty"`
	Phone                 string    `db:"phone" json:"phone,omitempty"`
	Status                Status    `db:"status" json:"status"`
	IssuedAt              time.Time `db:"issued_at" json:"issued_at"`
	ExpiresAt             time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// CreateParams describes a new invitation.
type CreateParams struct {
	Email       string
	Action      Action
	TTL         time.Duration
	DisplayName string
	Phone       string
}

// Store persists invitations.
type Store interface {
	// Create issues an invitation and returns it with the clear temporary password.
	Create(ctx context.Context, p CreateParams) (Invitation, string, error)
	// Redeem atomically moves a pending invitation to consumed.
	Redeem(ctx context.Context, token string) (Invitation, error)
	// Revoke moves the pending invitation for email and action to revoked. It is idempotent.
	Revoke(ctx context.Context, email string, action Action) error
	// Lookup returns the most recent invitation for email and action regardless of status.
	Lookup(ctx context.Context, email string, action Action) (Invitation, error)
	// Peek returns the invitation for token without changing it.
	Peek(ctx context.Context, token string) (Invitation, error)
	// Terminal lists up to limit non-pending invitations last updated before before.
	Terminal(ctx context.Context, before time.Time, limit int) ([]Invitation, error)
	// Purge deletes the invitations with the given ids.
	Purge(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCreate(p CreateParams) (CreateParams, error) {
	p.Email = NormalizeEmail(p.Email)
	if p.Email == "" {
		return p, errors.New("email required")
	}
	if p.Action == "" {
		p.Action = ActionActivate
	}
	if p.TTL <= 0 {
		return p, errors.New("ttl must be positive")
	}
	return p, nil
}
