package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	authTokenFile  = "auth.token"
	secretSaltFile = "secret.salt"
)

func loadAuthToken(homeDir string) (string, error) {
	return loadOrCreate(homeDir, "AGENTHOST_AUTH_TOKEN", authTokenFile, uuid.NewString)
}

// loadSecretSalt returns the salt every stored secret is sealed with.
// Losing the file makes existing secrets undecryptable.
func loadSecretSalt(homeDir string) (string, error) {
	return loadOrCreate(homeDir, "AGENTHOST_SECRET_SALT", secretSaltFile, func() string {
		b := make([]byte, 32)
		_, _ = rand.Read(b)
		return hex.EncodeToString(b)
	})
}

// loadOrCreate reads a credential from env, then from <home>/<file>, and
// generates and persists one on first run.
func loadOrCreate(homeDir, envKey, file string, generate func() string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		return raw, nil
	}
	path := filepath.Join(homeDir, file)
	b, err := os.ReadFile(path)
	if err == nil {
		if v := strings.TrimSpace(string(b)); v != "" {
			return v, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	value := generate()
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist %s: %w", file, err)
	}
	slog.Info(file+" generated", "path", path)
	return value, nil
}
