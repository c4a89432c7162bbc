package codes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []CodeNotice
	err     error
}

func (n *recordingNotifier) NotifyCode(_ context.Context, notice CodeNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func sequence(codes ...string) Generator {
	var mu sync.Mutex
	return func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return "", errors.New("sequence exhausted")
		}
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newIssuer(n Notifier, gen Generator) (*Issuer, *fakeClock) {
	c := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewIssuer(NewMemoryStore(), n, WithGenerator(gen), WithClock(c.Now)), c
}

func TestIssueAndVerify(t *testing.T) {
	n := &recordingNotifier{}
	iss, _ := newIssuer(n, sequence("123456"))
	ctx := context.Background()

	c, err := iss.Issue(ctx, IssueRequest{SubjectID: "inv-1", Channel: ChannelSMS, Recipient: "+15550100", Purpose: "activate"})
	require.NoError(t, err)
	require.Equal(t, "123456", c.Code)
	require.Equal(t, StateLive, c.State)
	require.Equal(t, DefaultMaxAttempts, c.AttemptsRemaining)

	require.Len(t, n.notices, 1)
	require.Equal(t, "+15550100", n.notices[0].Recipient)
	require.Equal(t, "123456", n.notices[0].Code)

	require.NoError(t, iss.Verify(ctx, "inv-1", ChannelSMS, "123456"))
	require.ErrorIs(t, iss.Verify(ctx, "inv-1", ChannelSMS, "123456"), ErrCodeExpired)
}

func TestReissueInvalidatesPrevious(t *testing.T) {
	iss, _ := newIssuer(&recordingNotifier{}, sequence("111111", "222222"))
	ctx := context.Background()

	_, err := iss.Issue(ctx, IssueRequest{SubjectID: "inv-2", Channel: ChannelEmail})
	require.NoError(t, err)
	_, err = iss.Issue(ctx, IssueRequest{SubjectID: "inv-2", Channel: ChannelEmail})
	require.NoError(t, err)

	err = iss.Verify(ctx, "inv-2", ChannelEmail, "111111")
	require.True(t, errors.Is(err, ErrCodeMismatch) || errors.Is(err, ErrCodeExpired), "got %v", err)

	require.NoError(t, iss.Verify(ctx, "inv-2", ChannelEmail, "222222"))
}

func TestAttemptExhaustion(t *testing.T) {
	iss, _ := newIssuer(nil, sequence("424242"))
	ctx := context.Background()

	_, err := iss.Issue(ctx, IssueRequest{SubjectID: "inv-3", Channel: ChannelSMS})
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		require.ErrorIs(t, iss.Verify(ctx, "inv-3", ChannelSMS, "000000"), ErrCodeMismatch, "attempt %d", i+1)
	}
	require.ErrorIs(t, iss.Verify(ctx, "inv-3", ChannelSMS, "424242"), ErrAttemptsExhausted)
}

func TestExpiry(t *testing.T) {
	iss, clk := newIssuer(nil, sequence("555555"))
	ctx := context.Background()

	_, err := iss.Issue(ctx, IssueRequest{SubjectID: "inv-4", Channel: ChannelSMS})
	require.NoError(t, err)

	clk.t = clk.t.Add(DefaultTTL + time.Second)
	require.ErrorIs(t, iss.Verify(ctx, "inv-4", ChannelSMS, "555555"), ErrCodeExpired)
}

func TestVerifyWithoutCode(t *testing.T) {
	iss, _ := newIssuer(nil, sequence())
	require.ErrorIs(t, iss.Verify(context.Background(), "nobody", ChannelSMS, "123456"), ErrCodeExpired)
}

func TestDeliveryFailureKeepsCode(t *testing.T) {
	n := &recordingNotifier{err: errors.New("smtp down")}
	iss, _ := newIssuer(n, sequence("777777"))
	ctx := context.Background()

	c, err := iss.Issue(ctx, IssueRequest{SubjectID: "inv-5", Channel: ChannelEmail, Recipient: "e@example.com"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Equal(t, "777777", c.Code)

	require.NoError(t, iss.Verify(ctx, "inv-5", ChannelEmail, "777777"))
}

func TestRandomDigits(t *testing.T) {
	for _, n := range []int{6, 8} {
		code, err := RandomDigits(n)
		require.NoError(t, err)
		require.Len(t, code, n)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9', code)
		}
	}
}

func TestIssueRejectsUnknownChannel(t *testing.T) {
	iss, _ := newIssuer(nil, sequence("123456"))
	_, err := iss.Issue(context.Background(), IssueRequest{SubjectID: "x", Channel: "pigeon"})
	require.Error(t, err)
}
