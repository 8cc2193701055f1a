package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFile is the name of the bearer-token file inside the data directory.
const TokenFile = "server.token"

// EnsureToken returns the process-wide bearer token, generating and
// persisting a fresh one on first call.
func EnsureToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, TokenFile)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// ClientToken resolves the token a client should present: CARAPACE_TOKEN when
// set, otherwise the persisted server token.
func ClientToken(dataDir string) (string, error) {
	if token := strings.TrimSpace(os.Getenv("CARAPACE_TOKEN")); token != "" {
		return token, nil
	}
	return EnsureToken(dataDir)
}
