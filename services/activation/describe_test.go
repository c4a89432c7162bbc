package activation

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		field  string
		status int
	}{
		{"consumed token", fmt.Errorf("%w: %w", ErrInvalidOrExpiredToken, tokens.ErrAlreadyConsumed), FieldAccept, http.StatusUnprocessableEntity},
		{"bad credential", ErrInvalidTemporaryCredential, FieldAccept, http.StatusUnprocessableEntity},
		{"mismatch", ErrCodeMismatch, policy.FieldCode, http.StatusUnprocessableEntity},
		{"exhausted", ErrAttemptsExhausted, policy.FieldCode, http.StatusUnprocessableEntity},
		{"rate limited", &throttle.RateLimitedError{Operation: throttle.OpResend, RetryAfter: time.Minute}, FieldAccept, http.StatusTooManyRequests},
		{"conflict", ErrConflict, policy.FieldEmail, http.StatusConflict},
		{"transient", fmt.Errorf("%w: redeem: boom", ErrTransient), FieldAccept, http.StatusServiceUnavailable},
		{"violation", &policy.Violation{Field: policy.FieldPassword, Rule: policy.RuleTooShort, Min: 8}, policy.FieldPassword, http.StatusUnprocessableEntity},
		{"unknown", errors.New("kaboom"), FieldAccept, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Describe(tt.err)
			require.Equal(t, tt.field, m.Field)
			require.Equal(t, tt.status, m.Status)
			require.NotEmpty(t, m.Text)
			require.NotContains(t, m.Text, "kaboom")
		})
	}

	require.Equal(t, time.Minute, Describe(&throttle.RateLimitedError{RetryAfter: time.Minute}).RetryAfter)
	require.Equal(t, Message{}, Describe(nil))
}

func TestDescribeAllOnePerField(t *testing.T) {
	err := errors.Join(
		&policy.Violation{Field: policy.FieldPassword, Rule: policy.RuleTooShort, Min: 8},
		&policy.Violation{Field: policy.FieldPassword, Rule: policy.RuleMissingDigit},
		&policy.Violation{Field: policy.FieldConfirm, Rule: policy.RuleMismatch},
	)
	msgs := DescribeAll(err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Must be at least 8 characters", msgs[0].Text)
	require.Equal(t, policy.FieldConfirm, msgs[1].Field)
}
