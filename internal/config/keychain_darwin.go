//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

func secretHint() string {
	return " or macOS Keychain (service: exhibit, account: auth_token)"
}

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain write failed: %w: %s", err, out)
	}
	return nil
}
