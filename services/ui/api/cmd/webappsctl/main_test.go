package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/frosty308/webapps/services/activation/tokens"
	"github.com/frosty308/webapps/services/archive"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"migrate", "invite", "revoke", "sweep", "audit", "archive"})
}

func TestArchiveRead(t *testing.T) {
	dir := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	identityFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(identityFile, []byte(identity.String()+"\n"), 0o600))

	inv := tokens.Invitation{
		ID:        uuid.New(),
		Email:     "alice@example.com",
		Action:    tokens.ActionActivate,
		Status:    tokens.StatusConsumed,
		UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	payload, err := archive.Encode([]tokens.Invitation{inv}, identity.Recipient())
	require.NoError(t, err)
	archiveFile := filepath.Join(dir, "obj.jsonl.zst.age")
	require.NoError(t, os.WriteFile(archiveFile, payload, 0o600))

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"archive", "read", "--file", archiveFile, "--identity-file", identityFile})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), inv.ID.String())
	require.Contains(t, out.String(), `"status":"consumed"`)
}
