package mailapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// Credential is the on-disk shape of an OAuth2 credential: access token,
// refresh token, and expiry. ToOAuth2Token/CredentialFromToken convert to
// and from golang.org/x/oauth2.Token for hosts that drive the
// authorization-code flow and refresh with that package, keeping this
// package's on-disk format decoupled from it.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// ToOAuth2Token converts cred to an *oauth2.Token.
func (cred Credential) ToOAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	}
	if cred.ExpiresAt > 0 {
		tok.Expiry = time.UnixMilli(cred.ExpiresAt).UTC()
	}
	return tok
}

// CredentialFromToken converts an *oauth2.Token (as returned by a host's
// refresh flow) into the on-disk Credential shape.
func CredentialFromToken(tok *oauth2.Token) Credential {
	var expiresAt int64
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry.UnixMilli()
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}

// LoadCredentialFile reads and decodes a credential file. A missing file
// is not an error; it returns a zero Credential and ok=false.
func LoadCredentialFile(path string) (cred Credential, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("failed to read credential file: %w", err)
	}

	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return cred, true, nil
}

// SaveCredentialFile writes cred atomically (temp file + rename).
func SaveCredentialFile(path string, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp credential file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize credential file: %w", err)
	}
	return nil
}
