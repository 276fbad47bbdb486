package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets reads secret keys from a flat JSON object kept apart from the
// config file with owner-only permissions.
type fileSecrets struct {
	path string
}

func newFileSecrets(path string) fileSecrets { return fileSecrets{path: path} }

func (f fileSecrets) Get(key string) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	v, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

// Set stores a secret, creating the file when needed.
func (f fileSecrets) Set(key, value string) error {
	secrets := make(map[string]string)
	if data, err := os.ReadFile(f.path); err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// EnsureToken returns the API bearer token, generating and storing one in
// the secrets file on first use.
func EnsureToken(cfg *Config) (string, error) {
	return ensureTokenWith(cfg, newFileSecrets(secretsFilePath()))
}

func ensureTokenWith(cfg *Config, secrets fileSecrets) (string, error) {
	if cfg.Server.Token != "" {
		return cfg.Server.Token, nil
	}
	token := uuid.NewString()
	if err := secrets.Set("server.token", token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	cfg.Server.Token = token
	return token, nil
}
