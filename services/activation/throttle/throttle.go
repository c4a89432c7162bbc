// Package throttle limits how often an identity may perform an operation.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names a throttled dimension.
type Operation string

const (
	OpResend     Operation = "resend"
	OpVerify     Operation = "verify"
	OpCredential Operation = "credential"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "activation_throttle_rejections_total",
	Help: "Requests rejected by the throttle guard.",
}, []string{"operation"})

// Limit allows Max requests per Window. Exceeding it locks the identity for Lockout,
// or for the rest of the window when Lockout is zero.
type Limit struct {
	Max     int
	Window  time.Duration
	Lockout time.Duration
}

// Record is the counter state of one (identity, operation).
type Record struct {
	WindowStart time.Time
	Count       int
	LockedUntil time.Time
}

// Store applies a hit atomically and returns the resulting record.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, limit Limit) (Record, error)
	Peek(ctx context.Context, key string) (Record, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitedError reports a rejection and when to try again.
type RateLimitedError struct {
	Operation  Operation
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Operation, e.RetryAfter.Round(time.Second))
}

// apply is the counter transition shared by every Store.
func apply(rec Record, now time.Time, limit Limit) Record {
	if now.Before(rec.LockedUntil) {
		return rec
	}
	if rec.WindowStart.IsZero() || !now.Before(rec.WindowStart.Add(limit.Window)) {
		rec = Record{WindowStart: now}
	}
	rec.Count++
	if rec.Count > limit.Max {
		if limit.Lockout > 0 {
			rec.LockedUntil = now.Add(limit.Lockout)
		} else {
			rec.LockedUntil = rec.WindowStart.Add(limit.Window)
		}
	}
	return rec
}

// Guard enforces per-operation limits.
type Guard struct {
	store  Store
	limits map[Operation]Limit
	now    func() time.Time
}

// DefaultLimits are used for operations missing from the configured limits.
func DefaultLimits() map[Operation]Limit {
	return map[Operation]Limit{
		OpResend:     {Max: 3, Window: 15 * time.Minute},
		OpVerify:     {Max: 10, Window: 15 * time.Minute},
		OpCredential: {Max: 3, Window: 15 * time.Minute, Lockout: 30 * time.Minute},
	}
}

// NewGuard returns a Guard over store. Operations absent from limits use DefaultLimits.
func NewGuard(store Store, limits map[Operation]Limit, now func() time.Time) *Guard {
	merged := DefaultLimits()
	for op, l := range limits {
		merged[op] = l
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, limits: merged, now: now}
}

func key(identity string, op Operation) string {
	return string(op) + ":" + strings.ToLower(strings.TrimSpace(identity))
}

// CheckAndIncrement counts one request and returns *RateLimitedError when the identity
// is over its limit or locked.
func (g *Guard) CheckAndIncrement(ctx context.Context, identity string, op Operation) error {
	limit, ok := g.limits[op]
	if !ok {
		return fmt.Errorf("throttle: unknown operation %q", op)
	}
	now := g.now()
	rec, err := g.store.Hit(ctx, key(identity, op), now, limit)
	if err != nil {
		return fmt.Errorf("throttle %s: %w", op, err)
	}
	if now.Before(rec.LockedUntil) {
		rejectedTotal.WithLabelValues(string(op)).Inc()
		return &RateLimitedError{Operation: op, RetryAfter: rec.LockedUntil.Sub(now)}
	}
	return nil
}

// Check returns *RateLimitedError when identity is locked out of op, without counting a request.
func (g *Guard) Check(ctx context.Context, identity string, op Operation) error {
	rec, err := g.store.Peek(ctx, key(identity, op))
	if err != nil {
		return fmt.Errorf("throttle %s: %w", op, err)
	}
	if now := g.now(); now.Before(rec.LockedUntil) {
		rejectedTotal.WithLabelValues(string(op)).Inc()
		return &RateLimitedError{Operation: op, RetryAfter: rec.LockedUntil.Sub(now)}
	}
	return nil
}

// Reset clears the counter for identity and op.
func (g *Guard) Reset(ctx context.Context, identity string, op Operation) error {
	return g.store.Reset(ctx, key(identity, op))
}
