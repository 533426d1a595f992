package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	secretsService = "offlineq"
	tokenAccount   = "api_token"
	tokenEnv       = "OFFLINEQ_API_TOKEN"
)

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "offlineq", "secrets.json")
}

// GetAPIToken returns the bearer token guarding the local API. The
// OFFLINEQ_API_TOKEN environment variable takes precedence over the
// secrets file.
func GetAPIToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnv)); tok != "" {
		return tok, nil
	}
	tok, err := secretGet(secretsService, tokenAccount)
	if err != nil {
		return "", fmt.Errorf("reading API token (set %s or run 'offlineq start' once): %w", tokenEnv, err)
	}
	return tok, nil
}

// EnsureAPIToken returns the existing token or generates and stores a new
// one.
func EnsureAPIToken() (string, error) {
	tok, err := GetAPIToken()
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, errSecretNotFound) && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	tok = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := secretSet(secretsService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

func secretGet(service, account string) (string, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return "", fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s/%s", errSecretNotFound, service, account)
	}
	return val, nil
}

func secretSet(service, account, value string) error {
	p := secretsFilePath()

	var secrets map[string]map[string]string
	if data, err := os.ReadFile(p); err == nil {
		if err := json.Unmarshal(data, &secrets); err != nil {
			return fmt.Errorf("parsing secrets file: %w", err)
		}
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}
