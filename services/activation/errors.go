package activation

import (
	"context"
	"errors"
	"net"

	"github.com/frosty308/webapps/pkg/db"
	"github.com/frosty308/webapps/services/activation/codes"
	"github.com/frosty308/webapps/services/activation/tokens"
)

var (
	// ErrInvalidOrExpiredToken covers every reason a token cannot be redeemed.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrInvalidTemporaryCredential indicates the temporary password did not match.
	ErrInvalidTemporaryCredential = errors.New("invalid temporary credential")
	// ErrNoSuchInvitation indicates no pending invitation exists to resend a code for.
	ErrNoSuchInvitation = errors.New("no pending invitation")
	// ErrTransient indicates a store or notifier timed out or was unreachable.
	ErrTransient = errors.New("temporarily unavailable")

	ErrAlreadyConsumed   = tokens.ErrAlreadyConsumed
	ErrConflict          = tokens.ErrConflict
	ErrCodeMismatch      = codes.ErrCodeMismatch
	ErrCodeExpired       = codes.ErrCodeExpired
	ErrAttemptsExhausted = codes.ErrAttemptsExhausted
	ErrDeliveryFailed    = codes.ErrDeliveryFailed
)

func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, codes.ErrDeliveryFailed) {
		return false
	}
	if db.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
