package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResendThrottle(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewGuard(NewMemoryStore(), nil, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, "alice@example.com", OpResend), "request %d", i+1)
	}

	err := g.CheckAndIncrement(ctx, "alice@example.com", OpResend)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, OpResend, rl.Operation)
	require.Positive(t, rl.RetryAfter)
	require.LessOrEqual(t, rl.RetryAfter, 15*time.Minute)

	// Other identities are unaffected.
	require.NoError(t, g.CheckAndIncrement(ctx, "bob@example.com", OpResend))

	now = now.Add(15 * time.Minute)
	require.NoError(t, g.CheckAndIncrement(ctx, "alice@example.com", OpResend))
}

func TestLockoutOutlastsWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewGuard(NewMemoryStore(), nil, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, "carol@example.com", OpCredential))
	}
	err := g.CheckAndIncrement(ctx, "carol@example.com", OpCredential)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Minute, rl.RetryAfter)

	now = now.Add(20 * time.Minute)
	require.ErrorAs(t, g.CheckAndIncrement(ctx, "carol@example.com", OpCredential), &rl)
	require.Equal(t, 10*time.Minute, rl.RetryAfter)

	now = now.Add(10 * time.Minute)
	require.NoError(t, g.CheckAndIncrement(ctx, "carol@example.com", OpCredential))
}

func TestReset(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewGuard(NewMemoryStore(), map[Operation]Limit{OpVerify: {Max: 1, Window: time.Hour}}, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, g.CheckAndIncrement(ctx, "Dave@Example.com", OpVerify))
	require.Error(t, g.CheckAndIncrement(ctx, "dave@example.com", OpVerify))

	require.NoError(t, g.Reset(ctx, "dave@example.com", OpVerify))
	require.NoError(t, g.CheckAndIncrement(ctx, "dave@example.com", OpVerify))
}

func TestUnknownOperation(t *testing.T) {
	g := NewGuard(NewMemoryStore(), nil, nil)
	require.Error(t, g.CheckAndIncrement(context.Background(), "x", Operation("teleport")))
}

func TestApply(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limit := Limit{Max: 2, Window: time.Minute}

	rec := apply(Record{}, start, limit)
	require.Equal(t, Record{WindowStart: start, Count: 1}, rec)

	rec = apply(rec, start.Add(10*time.Second), limit)
	rec = apply(rec, start.Add(20*time.Second), limit)
	require.Equal(t, 3, rec.Count)
	require.Equal(t, start.Add(time.Minute), rec.LockedUntil)

	// Locked records are returned untouched.
	locked := apply(rec, start.Add(30*time.Second), limit)
	require.Equal(t, rec, locked)

	rec = apply(rec, start.Add(time.Minute), limit)
	require.Equal(t, Record{WindowStart: start.Add(time.Minute), Count: 1}, rec)
}

func TestCheckDoesNotCount(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewGuard(NewMemoryStore(), map[Operation]Limit{OpCredential: {Max: 1, Window: time.Minute, Lockout: time.Hour}}, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Check(ctx, "erin@example.com", OpCredential))
	}
	require.NoError(t, g.CheckAndIncrement(ctx, "erin@example.com", OpCredential))
	require.Error(t, g.CheckAndIncrement(ctx, "erin@example.com", OpCredential))

	var rl *RateLimitedError
	require.ErrorAs(t, g.Check(ctx, "erin@example.com", OpCredential), &rl)
	require.Equal(t, time.Hour, rl.RetryAfter)
}
