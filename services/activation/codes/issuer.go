package codes

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultLength      = 6
	DefaultMaxAttempts = 5
)

var (
	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activation_codes_issued_total",
		Help: "One-time codes issued by channel.",
	}, []string{"channel"})
	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activation_code_verifications_total",
		Help: "One-time code verification outcomes.",
	}, []string{"result"})
)

// CodeNotice is handed to a Notifier to deliver a freshly issued code.
type CodeNotice struct {
	Channel   Channel
	Recipient string
	Code      string
	Purpose   string
	ExpiresIn time.Duration
}

// Notifier delivers codes to their recipient.
type Notifier interface {
	NotifyCode(ctx context.Context, n CodeNotice) error
}

// IssueRequest identifies who a code is for and where it goes.
type IssueRequest struct {
	SubjectID string
	Channel   Channel
	Recipient string
	Purpose   string
}

// Generator draws a numeric code of n digits.
type Generator func(n int) (string, error)

// RandomDigits draws n uniformly distributed decimal digits from crypto/rand.
func RandomDigits(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

// Issuer creates, delivers and verifies codes.
type Issuer struct {
	store       Store
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
	generate    Generator
	ttl         time.Duration
	length      int
	maxAttempts int
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithTTL(d time.Duration) Option { return func(i *Issuer) { i.ttl = d } }

func WithLength(n int) Option { return func(i *Issuer) { i.length = n } }

func WithMaxAttempts(n int) Option { return func(i *Issuer) { i.maxAttempts = n } }

func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

func WithGenerator(g Generator) Option { return func(i *Issuer) { i.generate = g } }

func WithLogger(l zerolog.Logger) Option { return func(i *Issuer) { i.logger = l } }

// NewIssuer returns an Issuer persisting to store and delivering through notifier.
func NewIssuer(store Store, notifier Notifier, opts ...Option) *Issuer {
	i := &Issuer{
		store:       store,
		notifier:    notifier,
		logger:      zerolog.Nop(),
		now:         time.Now,
		generate:    RandomDigits,
		ttl:         DefaultTTL,
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns how long issued codes stay valid.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue supersedes any live code for the subject and channel, stores a new one and
// delivers it. When delivery fails the stored code stays valid; the code is returned
// together with an error wrapping ErrDeliveryFailed.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (VerificationCode, error) {
	if req.SubjectID == "" {
		return VerificationCode{}, errors.New("subject required")
	}
	if req.Channel != ChannelSMS && req.Channel != ChannelEmail {
		return VerificationCode{}, fmt.Errorf("unsupported channel %q", req.Channel)
	}

	plain, err := i.generate(i.length)
	if err != nil {
		return VerificationCode{}, fmt.Errorf("generate code: %w", err)
	}
	now := i.now().UTC()
	c := VerificationCode{
		ID:                uuid.New(),
		SubjectID:         req.SubjectID,
		Channel:           req.Channel,
		CodeHash:          hashCode(req.SubjectID, plain),
		CreatedAt:         now,
		ExpiresAt:         now.Add(i.ttl),
		AttemptsRemaining: i.maxAttempts,
		State:             StateLive,
	}
	if err := i.store.Replace(ctx, c); err != nil {
		return VerificationCode{}, fmt.Errorf("store code: %w", err)
	}
	issuedTotal.WithLabelValues(string(req.Channel)).Inc()
	c.Code = plain

	if i.notifier == nil {
		return c, nil
	}
	if err := i.notifier.NotifyCode(ctx, CodeNotice{
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Code:      plain,
		Purpose:   req.Purpose,
		ExpiresIn: i.ttl,
	}); err != nil {
		i.logger.Warn().Err(err).Str("subject", req.SubjectID).Str("channel", string(req.Channel)).Msg("code delivery failed")
		return c, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return c, nil
}

// Verify checks submitted against the newest code for the subject and channel.
// A mismatch uses one attempt; a match consumes the code.
func (i *Issuer) Verify(ctx context.Context, subjectID string, ch Channel, submitted string) error {
	now := i.now().UTC()
	want := hashCode(subjectID, submitted)

	err := i.store.Update(ctx, subjectID, ch, func(c *VerificationCode) error {
		switch c.State {
		case StateConsumed, StateSuperseded:
			return ErrCodeExpired
		}
		if now.After(c.ExpiresAt) {
			return ErrCodeExpired
		}
		if c.State == StateExhausted || c.AttemptsRemaining <= 0 {
			c.State = StateExhausted
			return ErrAttemptsExhausted
		}
		if subtle.ConstantTimeCompare(c.CodeHash, want) != 1 {
			c.AttemptsRemaining--
			if c.AttemptsRemaining <= 0 {
				c.State = StateExhausted
			}
			return ErrCodeMismatch
		}
		c.State = StateConsumed
		return nil
	})
	if errors.Is(err, ErrNoCode) {
		err = ErrCodeExpired
	}

	verifyTotal.WithLabelValues(verifyResult(err)).Inc()
	return err
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCodeMismatch):
		return "mismatch"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrAttemptsExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
