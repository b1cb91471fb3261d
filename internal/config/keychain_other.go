//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// secrets is the on-disk store used where no platform keychain exists,
// keyed by "service/account".
type secrets map[string]string

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func secretHint() string {
	return " (stored in " + secretsFilePath() + ")"
}

func secretKey(service, account string) string {
	return service + "/" + account
}

func readSecrets(path string) (secrets, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return secrets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	s := secrets{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := s[secretKey(service, account)]
	if !ok {
		return nil, fmt.Errorf("no secret for %s", secretKey(service, account))
	}
	return []byte(val), nil
}

// keychainSet rewrites the secrets file through a temp file so a crash never
// leaves it truncated.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	s, err := readSecrets(p)
	if err != nil {
		return err
	}
	s[secretKey(service, account)] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}
