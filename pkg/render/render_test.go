package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenderCodeSMS(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	out, err := e.Render(CodeSMS, map[string]any{
		"Code":      "123456",
		"Purpose":   "activate",
		"ExpiresIn": 10 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "123456 is your Activate code. It expires in 10 minutes.", out)
}

func TestRenderInvitation(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	out, err := e.Render(InvitationEmail, map[string]any{
		"Action":            "reset",
		"Email":             "alice@example.com",
		"DisplayName":       "Alice",
		"Link":              "https://accounts.example.com/accept?token=t",
		"TemporaryPassword": "abcDEF123456",
		"ExpiresAt":         time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Contains(t, out, "Subject: Reset your password")
	require.Contains(t, out, "Hello Alice,")
	require.Contains(t, out, "Temporary password: abcDEF123456")
	require.Contains(t, out, "4 Mar 2025 12:00 UTC")

	_, err = e.Render("missing.tmpl", nil)
	require.Error(t, err)
}
