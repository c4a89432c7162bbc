package activation

import (
	"errors"
	"net/http"
	"time"

	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
)

// FieldAccept is the form-level key used for errors that belong to no single field.
const FieldAccept = "accept"

// Message is the user-facing rendering of an error.
type Message struct {
	Field      string
	Text       string
	Status     int
	RetryAfter time.Duration
}

const (
	textCredentials = "Unable to validate your credentials"
	textCode        = "The code is invalid or has expired"
	textExhausted   = "Too many attempts, request a new code"
	textRateLimited = "Too many attempts, try again later"
	textConflict    = "An invitation is already pending for this address"
	textUnavailable = "The service is temporarily unavailable, try again shortly"
	textDelivery    = "We could not send your code, try again shortly"
	textInternal    = "Something went wrong, try again later"
)

// Describe maps err to a single message. Token and temporary password failures share
// one generic message so a caller cannot tell which check failed.
func Describe(err error) Message {
	msgs := DescribeAll(err)
	if len(msgs) == 0 {
		return Message{}
	}
	return msgs[0]
}

// DescribeAll maps err to one message per field, expanding joined policy violations.
func DescribeAll(err error) []Message {
	if err == nil {
		return nil
	}
	var rl *throttle.RateLimitedError
	switch {
	case errors.Is(err, ErrInvalidOrExpiredToken), errors.Is(err, ErrInvalidTemporaryCredential):
		return []Message{{Field: FieldAccept, Text: textCredentials, Status: http.StatusUnprocessableEntity}}
	case errors.As(err, &rl):
		return []Message{{Field: FieldAccept, Text: textRateLimited, Status: http.StatusTooManyRequests, RetryAfter: rl.RetryAfter}}
	case errors.Is(err, ErrAttemptsExhausted):
		return []Message{{Field: policy.FieldCode, Text: textExhausted, Status: http.StatusUnprocessableEntity}}
	case errors.Is(err, ErrCodeMismatch), errors.Is(err, ErrCodeExpired):
		return []Message{{Field: policy.FieldCode, Text: textCode, Status: http.StatusUnprocessableEntity}}
	case errors.Is(err, ErrConflict):
		return []Message{{Field: policy.FieldEmail, Text: textConflict, Status: http.StatusConflict}}
	case errors.Is(err, ErrNoSuchInvitation):
		return []Message{{Field: FieldAccept, Text: textCredentials, Status: http.StatusNotFound}}
	case errors.Is(err, ErrTransient):
		return []Message{{Field: FieldAccept, Text: textUnavailable, Status: http.StatusServiceUnavailable}}
	case errors.Is(err, ErrDeliveryFailed):
		return []Message{{Field: FieldAccept, Text: textDelivery, Status: http.StatusServiceUnavailable}}
	}

	if vs := policy.Violations(err); len(vs) > 0 {
		seen := make(map[string]bool, len(vs))
		out := make([]Message, 0, len(vs))
		for _, v := range vs {
			// The first violation per field is the one shown.
			if seen[v.Field] {
				continue
			}
			seen[v.Field] = true
			out = append(out, Message{Field: v.Field, Text: v.Message(), Status: http.StatusUnprocessableEntity})
		}
		return out
	}
	return []Message{{Field: FieldAccept, Text: textInternal, Status: http.StatusInternalServerError}}
}
