package mailapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadCredentialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "token.json")
	cred := Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 123}

	require.NoError(t, SaveCredentialFile(path, cred))

	got, ok, err := LoadCredentialFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cred, got)
}

func TestLoadMissingCredentialFileIsNotError(t *testing.T) {
	_, ok, err := LoadCredentialFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialOAuth2TokenRoundTrip(t *testing.T) {
	cred := Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 1700000000000}
	tok := cred.ToOAuth2Token()
	require.Equal(t, "at", tok.AccessToken)
	require.Equal(t, "rt", tok.RefreshToken)
	require.False(t, tok.Expiry.IsZero())

	back := CredentialFromToken(tok)
	require.Equal(t, cred, back)
}
