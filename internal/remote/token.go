package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// StaticToken returns a token source for a fixed bearer token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// FileTokenSource reads the bearer token from a file on every call, so a
// token replaced by `fieldsync session resume` is picked up without a
// restart.
type FileTokenSource struct {
	Path string
}

// Token implements oauth2.TokenSource. A missing or empty file reports
// ErrUnauthorized.
func (s FileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no token at %s", ErrUnauthorized, s.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("%w: token file %s is empty", ErrUnauthorized, s.Path)
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// SaveToken writes token to path with owner-only permissions.
func SaveToken(path, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
