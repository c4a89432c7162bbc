// Package codes issues and verifies short numeric one-time codes.
package codes

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCodeMismatch indicates the submitted code was wrong; an attempt was used.
	ErrCodeMismatch = errors.New("code mismatch")
	// ErrCodeExpired indicates no live code exists or it is past its expiry.
	ErrCodeExpired = errors.New("code expired")
	// ErrAttemptsExhausted indicates the code can no longer be verified.
	ErrAttemptsExhausted = errors.New("code attempts exhausted")
	// ErrDeliveryFailed indicates the code was stored but the notifier failed.
	ErrDeliveryFailed = errors.New("code delivery failed")
	// ErrNoCode is returned by a Store when nothing was ever issued for the subject.
	ErrNoCode = errors.New("no code issued")
)

// Channel is the delivery medium of a code.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// State tags a code's lifecycle position.
type State string

const (
	StateLive       State = "live"
	StateConsumed   State = "consumed"
	StateExhausted  State = "exhausted"
	StateSuperseded State = "superseded"
)

// VerificationCode is a stored one-time code. Only the hash of the code is persisted.
type VerificationCode struct {
	ID                uuid.UUID `db:"id"`
	SubjectID         string    `db:"subject_id"`
	Channel           Channel   `db:"channel"`
	CodeHash          []byte    `db:"code_hash"`
	CreatedAt         time.Time `db:"created_at"`
	ExpiresAt         time.Time `db:"expires_at"`
	AttemptsRemaining int       `db:"attempts_remaining"`
	State             State     `db:"state"`

	// Code is the clear value, set only on the copy returned by Issue.
	Code string `db:"-"`
}

// Store persists codes. Implementations serialise Replace and Update per (subject, channel).
type Store interface {
	// Replace supersedes any live code for the subject and channel and stores c.
	Replace(ctx context.Context, c VerificationCode) error
	// Update locks the newest code for the subject and channel, applies fn and persists the
	// result whatever fn returns. It returns fn's error, or ErrNoCode when nothing exists.
	Update(ctx context.Context, subjectID string, ch Channel, fn func(*VerificationCode) error) error
}

func hashCode(subjectID, code string) []byte {
	sum := sha256.Sum256([]byte(subjectID + ":" + code))
	return sum[:]
}
